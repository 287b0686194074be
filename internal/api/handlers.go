package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/optrail/optrail/internal/op"
)

// --- Operations ---

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	filter := op.Filter{
		CommandName: r.URL.Query().Get("command"),
		Type:        op.Type(r.URL.Query().Get("type")),
		Status:      op.Status(r.URL.Query().Get("status")),
		User:        r.URL.Query().Get("user"),
		Limit:       queryInt(r, "limit", 50),
		Offset:      queryInt(r, "offset", 0),
	}

	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'since' timestamp, want RFC3339")
			return
		}
		filter.Since = &t
	}
	if until := r.URL.Query().Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'until' timestamp, want RFC3339")
			return
		}
		filter.Until = &t
	}

	ops, total, err := s.tracker.List(filter)
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"operations": ops,
		"total":      total,
	})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, err := s.tracker.Get(id)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	children, err := s.tracker.Children(id)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"children": children})
}

func (s *Server) handleRecentOperations(w http.ResponseWriter, r *http.Request) {
	ops := s.tracker.Recent(queryInt(r, "limit", 100))
	writeJSON(w, map[string]interface{}{"operations": ops})
}

func (s *Server) handleCleanOperations(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OlderThanDays int    `json:"older_than_days"`
		DryRun        bool   `json:"dry_run"`
		Type          string `json:"type"`
		Command       string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	removed, err := s.tracker.Clean(req.OlderThanDays, req.DryRun, op.Type(req.Type), req.Command)
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"removed": removed,
		"dry_run": req.DryRun,
	})
}

// --- Statistics ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := op.StatsQuery{
		CommandName: r.URL.Query().Get("command"),
		Type:        op.Type(r.URL.Query().Get("type")),
		GroupBy:     r.URL.Query().Get("group_by"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'since' timestamp, want RFC3339")
			return
		}
		q.Since = &t
	}
	if until := r.URL.Query().Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'until' timestamp, want RFC3339")
			return
		}
		q.Until = &t
	}

	stats, err := s.tracker.Stats(q)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, stats)
}

// --- Rate limits ---

func (s *Server) handleGetRateLimits(w http.ResponseWriter, r *http.Request) {
	window, defaultThreshold, perCommand := s.tracker.RateLimits()
	writeJSON(w, map[string]interface{}{
		"window":            window.String(),
		"default_threshold": defaultThreshold,
		"per_command":       perCommand,
	})
}

func (s *Server) handleSetRateLimit(w http.ResponseWriter, r *http.Request) {
	command := r.PathValue("command")
	var req struct {
		Threshold int `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	s.tracker.SetRateLimit(command, req.Threshold)
	writeJSON(w, map[string]interface{}{
		"command":   command,
		"threshold": req.Threshold,
	})
}

// --- Watch rules ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		writeJSON(w, map[string]interface{}{"rules": []struct{}{}})
		return
	}
	writeJSON(w, map[string]interface{}{"rules": s.rules.Rules()})
}

// --- Config ---

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.cfgLoader.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload: "+err.Error())
		return
	}
	if s.rules != nil {
		s.rules.SetRules(s.cfgLoader.Get().WatchRules)
	}
	writeJSON(w, map[string]string{"status": "reloaded"})
}

// --- Audit ---

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	valid, brokenAt := s.tracker.VerifyChain()
	resp := map[string]interface{}{"valid": valid}
	if !valid {
		resp["broken_at_index"] = brokenAt
	}
	writeJSON(w, resp)
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":     "ok",
		"operations": s.tracker.Count(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeTrackerError maps tracker error types onto HTTP statuses.
func writeTrackerError(w http.ResponseWriter, err error) {
	var validationErr *op.ValidationError
	var notFoundErr *op.NotFoundError
	var retentionErr *op.RetentionError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFoundErr):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &retentionErr):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
