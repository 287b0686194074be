package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/optrail/optrail/internal/auth"
	"github.com/optrail/optrail/internal/config"
	"github.com/optrail/optrail/internal/op"
	"github.com/optrail/optrail/internal/watch"
)

// Tracker is the slice of the tracking service the management API
// consumes.
type Tracker interface {
	Get(id string) (*op.Operation, error)
	Children(id string) ([]*op.Operation, error)
	List(f op.Filter) ([]*op.Operation, int, error)
	Recent(limit int) []*op.Operation
	Stats(q op.StatsQuery) (*op.Statistics, error)
	Clean(olderThanDays int, dryRun bool, typ op.Type, command string) (int64, error)
	SetRateLimit(commandName string, threshold int)
	RateLimits() (time.Duration, int, map[string]int)
	Count() int
	VerifyChain() (bool, int)
}

// Server is the management and query API server.
type Server struct {
	config       config.Server
	authConfig   config.Auth
	tracker      Tracker
	cfgLoader    *config.Loader
	rules        *watch.Engine
	tokenManager *auth.TokenManager
	feed         *FeedHub
	mux          *http.ServeMux
	httpServer   *http.Server
	logger       *slog.Logger
}

// NewServer creates a new management API server. rules and tokenManager
// may be nil when watch rules or auth are not configured.
func NewServer(
	cfg config.Server,
	authCfg config.Auth,
	tracker Tracker,
	cfgLoader *config.Loader,
	rules *watch.Engine,
	tokenManager *auth.TokenManager,
	logger *slog.Logger,
) *Server {
	s := &Server{
		config:       cfg,
		authConfig:   authCfg,
		tracker:      tracker,
		cfgLoader:    cfgLoader,
		rules:        rules,
		tokenManager: tokenManager,
		feed: NewFeedHub(func() []*op.Operation {
			return tracker.Recent(feedSnapshotLimit)
		}, logger, cfg.CORS),
		mux:    http.NewServeMux(),
		logger: logger,
	}

	s.registerRoutes()
	return s
}

// authRequired wraps a handler with token-based authentication. If auth
// is disabled in config, the handler is returned unwrapped with no
// overhead.
func (s *Server) authRequired(action string, next http.HandlerFunc) http.HandlerFunc {
	if !s.authConfig.Enabled || s.tokenManager == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		secret := strings.TrimPrefix(header, "Bearer ")

		token, err := s.tokenManager.ValidateToken(secret, r.RemoteAddr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		if !auth.HasPermission(token.Role, action) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	// Operations
	s.mux.HandleFunc("GET /api/operations", s.authRequired("ops.read", s.handleListOperations))
	s.mux.HandleFunc("GET /api/operations/recent", s.authRequired("ops.read", s.handleRecentOperations))
	s.mux.HandleFunc("GET /api/operations/{id}", s.authRequired("ops.read", s.handleGetOperation))
	s.mux.HandleFunc("GET /api/operations/{id}/children", s.authRequired("ops.read", s.handleListChildren))
	s.mux.HandleFunc("POST /api/operations/clean", s.authRequired("ops.clean", s.handleCleanOperations))

	// Statistics
	s.mux.HandleFunc("GET /api/stats", s.authRequired("ops.read", s.handleStats))

	// Rate limits
	s.mux.HandleFunc("GET /api/ratelimits", s.authRequired("ops.read", s.handleGetRateLimits))
	s.mux.HandleFunc("PUT /api/ratelimits/{command}", s.authRequired("ratelimit.change", s.handleSetRateLimit))

	// Watch rules
	s.mux.HandleFunc("GET /api/rules", s.authRequired("ops.read", s.handleListRules))

	// Config
	s.mux.HandleFunc("POST /api/config/reload", s.authRequired("config.change", s.handleReloadConfig))

	// Audit
	s.mux.HandleFunc("GET /api/verify", s.authRequired("ops.read", s.handleVerifyChain))

	// Health stays public so probes work without a token.
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Live feed
	s.mux.HandleFunc("GET /api/ws/operations", s.feed.Subscribe)
}

// Handler returns the full route tree, wrapped in CORS when enabled.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start serves on addr and blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("management API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown closes the live feed, then drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.feed.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// BroadcastEvent sends an operation event to all feed subscribers.
func (s *Server) BroadcastEvent(ev op.Event) {
	s.feed.Broadcast(ev)
}

// corsMiddleware answers preflight requests and tags responses so
// browser dashboards can call the API cross-origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
