// Package api is the HTTP surface of `openfleet serve`.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/virtengine/openfleet-sub013/internal/ai"
	"github.com/virtengine/openfleet-sub013/internal/assess"
	"github.com/virtengine/openfleet-sub013/internal/cooldown"
	"github.com/virtengine/openfleet-sub013/internal/errors"
	"github.com/virtengine/openfleet-sub013/internal/logging"
	"github.com/virtengine/openfleet-sub013/internal/orchestrator"
	"github.com/virtengine/openfleet-sub013/internal/pool"
	"github.com/virtengine/openfleet-sub013/internal/registry"
)

// maxRequestBodyBytes caps request bodies (1 MiB).
const maxRequestBodyBytes = 1 << 20

// TriggerHandler assesses a task and acts on the decision.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, tc assess.TaskContext) (orchestrator.Outcome, error)
}

// SessionPool runs sessions and exposes the state behind them.
type SessionPool interface {
	LaunchOrResume(ctx context.Context, taskKey, prompt string, opts pool.Options) *pool.Result
	Invalidate(taskKey, reason string) error
	Registry() *registry.Store
	Cooldowns() *cooldown.Coordinator
}

// Options configures the server.
type Options struct {
	Addr           string
	Triggers       TriggerHandler
	Sessions       SessionPool
	MetricsHandler http.Handler // served on /metrics when set
	UseOtelHTTP    bool         // wrap the handler with otelhttp request metrics
	Logger         *logging.Logger
	Now            func() time.Time
}

// Server wraps an http.Server with the openfleet routes.
type Server struct {
	srv      *http.Server
	triggers TriggerHandler
	sessions SessionPool
	logger   *logging.Logger
	now      func() time.Time
}

// LaunchRequest is the body of POST /v1/sessions.
type LaunchRequest struct {
	TaskKey        string `json:"taskKey"`
	Prompt         string `json:"prompt"`
	WorkDir        string `json:"workDir,omitempty"`
	Backend        string `json:"backend,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	IgnoreCooldown *bool  `json:"ignoreCooldown,omitempty"`
}

// CooldownStatus is one entry of GET /v1/cooldowns.
type CooldownStatus struct {
	Backend          string    `json:"backend"`
	Until            time.Time `json:"until"`
	RemainingSeconds int       `json:"remainingSeconds"`
}

// New builds the server and registers its routes.
func New(opts Options) *Server {
	s := &Server{
		triggers: opts.Triggers,
		sessions: opts.Sessions,
		logger:   opts.Logger.WithComponent("api"),
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}
	mux.HandleFunc("POST /v1/assess", s.handleAssess)
	mux.HandleFunc("POST /v1/sessions", s.handleLaunch)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{key}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{key}", s.handleDeleteSession)
	mux.HandleFunc("GET /v1/cooldowns", s.handleCooldowns)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(maxRequestBodyBytes, handler)
	handler = s.requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "openfleet")
	}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: POST /v1/sessions blocks for as long as the agent turn.
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.srv.Addr }

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"sessions":  s.sessions.Registry().Len(),
		"cooldowns": len(s.sessions.Cooldowns().Active()),
	})
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	var tc assess.TaskContext
	if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := s.triggers.HandleTrigger(r.Context(), tc)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errors.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		writeJSONError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.TaskKey == "" || req.Prompt == "" {
		writeJSONError(w, http.StatusBadRequest, "taskKey and prompt are required")
		return
	}
	opts := pool.Options{
		WorkDir:        req.WorkDir,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
		IgnoreCooldown: req.IgnoreCooldown,
	}
	if req.Backend != "" {
		b, err := ai.ParseBackendName(req.Backend)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Backend = b
	}

	res := s.sessions.LaunchOrResume(r.Context(), req.TaskKey, req.Prompt, opts)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	records := s.sessions.Registry().All()
	sort.Slice(records, func(i, j int) bool { return records[i].TaskKey < records[j].TaskKey })
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.sessions.Registry().Get(r.PathValue("key"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, errors.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteSession marks the record dead by default so its history stays
// visible; ?purge=true removes it from the registry.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, ok := s.sessions.Registry().Get(key); !ok {
		writeJSONError(w, http.StatusNotFound, errors.ErrSessionNotFound.Error())
		return
	}

	if r.URL.Query().Get("purge") == "true" {
		if _, err := s.sessions.Registry().Delete(key); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "invalidated via api"
	}
	if err := s.sessions.Invalidate(key, reason); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCooldowns(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	active := s.sessions.Cooldowns().Active()
	out := make([]CooldownStatus, 0, len(active))
	for backend, until := range active {
		out = append(out, CooldownStatus{
			Backend:          backend,
			Until:            until,
			RemainingSeconds: int(until.Sub(now).Round(time.Second).Seconds()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	writeJSON(w, http.StatusOK, out)
}

// bodyLimitMiddleware caps request bodies for methods that carry one.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		s.logger.Debug("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends {"error": message} with the given status code.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
