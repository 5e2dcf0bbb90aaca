// Package server exposes the HTTP surface: the streaming chat endpoint,
// challenge minting, health probes, Prometheus metrics, and the
// token-guarded admin API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"knowledgehub/internal/admission"
	"knowledgehub/internal/config"
	"knowledgehub/internal/kv"
	"knowledgehub/internal/logging"
	"knowledgehub/internal/metrics"
	"knowledgehub/internal/pipeline"
	"knowledgehub/internal/settings"
	"knowledgehub/internal/spend"
)

// CacheClearer wipes the exact cache tier (admin operation).
type CacheClearer interface {
	Clear(ctx context.Context) (int64, error)
}

// Deps collects everything the routes need. Cache and FAQRefresh may be
// nil when the corresponding admin operation has nothing to act on.
type Deps struct {
	Gate     *admission.Gate
	Pipeline *pipeline.Pipeline
	Settings *settings.Store
	Ledger   *spend.Ledger
	Cache    CacheClearer
	Engine   kv.Engine
	// FAQRefresh re-runs FAQ answer pre-generation and reports how many
	// entries were filled.
	FAQRefresh     func(ctx context.Context) (int, error)
	MaxQueryLength int
}

// Server wires the HTTP routes to the pipeline and its supporting parts.
type Server struct {
	cfg        config.ServerConfig
	gate       *admission.Gate
	pipeline   *pipeline.Pipeline
	settings   *settings.Store
	ledger     *spend.Ledger
	cache      CacheClearer
	engine     kv.Engine
	faqRefresh func(ctx context.Context) (int, error)

	maxQueryLength int
	httpServer     *http.Server
}

// New builds the server.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:            cfg,
		gate:           deps.Gate,
		pipeline:       deps.Pipeline,
		settings:       deps.Settings,
		ledger:         deps.Ledger,
		cache:          deps.Cache,
		engine:         deps.Engine,
		faqRefresh:     deps.FAQRefresh,
		maxQueryLength: deps.MaxQueryLength,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Post("/chat/stream", s.handleChatStream)
	r.Get("/auth/challenge", s.handleChallenge)

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Delete("/settings", s.handleResetSettings)
		r.Post("/cache/clear", s.handleCacheClear)
		r.Post("/faq/refresh", s.handleFAQRefresh)
		r.Get("/spend", s.handleSpendSnapshot)
	})

	return r
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	logging.Server("listening on %s", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// cors answers preflights and stamps allowed origins on every response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Fingerprint, X-Turnstile-Token")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// requireAdmin enforces the bearer token with a constant-time compare. An
// empty configured token disables the admin API entirely.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports basic process health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// handleReady verifies the KV store answers before reporting ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, _, err := s.engine.Get(ctx, "readiness:probe"); err != nil {
		writeError(w, http.StatusServiceUnavailable, "kv store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
