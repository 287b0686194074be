// Package ingest provides the HTTP endpoints remote producers use to
// record operation lifecycle transitions. The endpoints are thin: they
// validate the payload, hand it to the tracker and acknowledge, so a
// producer never waits on persistence or evaluation.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/optrail/optrail/internal/auth"
	"github.com/optrail/optrail/internal/op"
	"github.com/optrail/optrail/internal/tracker"
)

// Recorder is the slice of the tracking service the ingest surface
// consumes.
type Recorder interface {
	StartAttributed(req tracker.StartRequest) string
	Complete(operationID string, result any)
	Fail(operationID string, err error)
	TrackDetail(parentID, name string, details map[string]string) string
	TrackError(parentID, commandName string, err error) string
}

// Server is the ingestion API server.
//
// Routes:
//
//	POST /v1/operations               start an operation, returns its id
//	POST /v1/operations/{id}/complete mark completed
//	POST /v1/operations/{id}/fail     mark failed
//	POST /v1/operations/{id}/detail   attach a completed detail child
//	POST /v1/operations/{id}/error    attach a failed error child
type Server struct {
	recorder     Recorder
	tokenManager *auth.TokenManager
	authEnabled  bool
	mux          *http.ServeMux
	httpServer   *http.Server
	logger       *slog.Logger
}

// NewServer creates a new ingest server. tokenManager may be nil when
// auth is disabled.
func NewServer(recorder Recorder, tokenManager *auth.TokenManager, authEnabled bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		recorder:     recorder,
		tokenManager: tokenManager,
		authEnabled:  authEnabled,
		mux:          http.NewServeMux(),
		logger:       logger.With("component", "ingest.Server"),
	}
	s.RegisterRoutes(s.mux)
	return s
}

// RegisterRoutes mounts the ingest endpoints on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/operations", s.authRequired(s.handleStart))
	mux.HandleFunc("POST /v1/operations/{id}/complete", s.authRequired(s.handleComplete))
	mux.HandleFunc("POST /v1/operations/{id}/fail", s.authRequired(s.handleFail))
	mux.HandleFunc("POST /v1/operations/{id}/detail", s.authRequired(s.handleDetail))
	mux.HandleFunc("POST /v1/operations/{id}/error", s.authRequired(s.handleError))
	mux.HandleFunc("GET /v1/health", s.handleHealth)
}

func (s *Server) authRequired(next http.HandlerFunc) http.HandlerFunc {
	if !s.authEnabled || s.tokenManager == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeIngestError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		secret := strings.TrimPrefix(header, "Bearer ")

		token, err := s.tokenManager.ValidateToken(secret, r.RemoteAddr)
		if err != nil {
			writeIngestError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if !auth.HasPermission(token.Role, "ops.record") {
			writeIngestError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		next(w, r)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the ingest server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("ingest API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Request/response types
// ---------------------------------------------------------------------------

// startRequest is the JSON body for POST /v1/operations.
type startRequest struct {
	CommandName string            `json:"command_name"`
	Type        string            `json:"type"`
	ParentID    string            `json:"parent_id,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	User        string            `json:"user,omitempty"`
	ClientInfo  string            `json:"client_info,omitempty"`
}

type startResponse struct {
	OperationID string `json:"operation_id"`
	OK          bool   `json:"ok"`
}

type completeRequest struct {
	Result any `json:"result,omitempty"`
}

type failRequest struct {
	Error string `json:"error"`
}

type detailRequest struct {
	Name    string            `json:"name"`
	Details map[string]string `json:"details,omitempty"`
}

type errorRequest struct {
	CommandName string `json:"command_name"`
	Error       string `json:"error"`
}

type ackResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeIngestError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	if req.CommandName == "" {
		writeIngestError(w, http.StatusBadRequest, "command_name is required")
		return
	}

	clientInfo := req.ClientInfo
	if clientInfo == "" {
		clientInfo = r.RemoteAddr
	}

	id := s.recorder.StartAttributed(tracker.StartRequest{
		CommandName: req.CommandName,
		Type:        op.Type(req.Type),
		ParentID:    req.ParentID,
		Parameters:  req.Parameters,
		User:        req.User,
		ClientInfo:  clientInfo,
	})

	writeIngestJSON(w, http.StatusOK, startResponse{OperationID: id, OK: true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeIngestError(w, http.StatusBadRequest, "operation id is required")
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeIngestError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	s.recorder.Complete(id, req.Result)
	writeIngestJSON(w, http.StatusAccepted, ackResponse{OK: true, Message: "completion queued"})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeIngestError(w, http.StatusBadRequest, "operation id is required")
		return
	}

	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeIngestError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	if req.Error == "" {
		req.Error = "failed"
	}
	s.recorder.Fail(id, errors.New(req.Error))
	writeIngestJSON(w, http.StatusAccepted, ackResponse{OK: true, Message: "failure queued"})
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeIngestError(w, http.StatusBadRequest, "operation id is required")
		return
	}

	var req detailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeIngestError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	if req.Name == "" {
		writeIngestError(w, http.StatusBadRequest, "name is required")
		return
	}

	childID := s.recorder.TrackDetail(id, req.Name, req.Details)
	writeIngestJSON(w, http.StatusOK, startResponse{OperationID: childID, OK: true})
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeIngestError(w, http.StatusBadRequest, "operation id is required")
		return
	}

	var req errorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeIngestError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	if req.CommandName == "" {
		writeIngestError(w, http.StatusBadRequest, "command_name is required")
		return
	}
	if req.Error == "" {
		req.Error = "error"
	}

	childID := s.recorder.TrackError(id, req.CommandName, errors.New(req.Error))
	writeIngestJSON(w, http.StatusOK, startResponse{OperationID: childID, OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeIngestJSON(w, http.StatusOK, ackResponse{OK: true})
}

// ---------------------------------------------------------------------------
// JSON response helpers
// ---------------------------------------------------------------------------

func writeIngestJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeIngestError(w http.ResponseWriter, status int, message string) {
	writeIngestJSON(w, status, ackResponse{OK: false, Message: message})
}
