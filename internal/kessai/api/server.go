// Package api serves the approval engine over HTTP.
//
// Every /v1 route needs an HS256 bearer token naming the caller's
// certificate (issuer DN and serial). /health, /status and /metrics are
// public.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Treynis/ejbca/common/trace"
	"github.com/Treynis/ejbca/common/version"
	"github.com/Treynis/ejbca/internal/kessai/admin"
	"github.com/Treynis/ejbca/internal/kessai/approvals"
	"github.com/Treynis/ejbca/internal/kessai/config"
)

// Engine is the part of approvals.Engine the API calls.
type Engine interface {
	Approve(ctx context.Context, caller admin.Identity, caseID string, v approvals.Vote) (*approvals.Result, error)
	Reject(ctx context.Context, caller admin.Identity, caseID string, v approvals.Vote) (*approvals.Result, error)
	Get(ctx context.Context, caller admin.Identity, caseID string) (*approvals.Case, error)
	List(ctx context.Context, caller admin.Identity, f approvals.Filter) ([]*approvals.Case, error)
	Submit(ctx context.Context, caller admin.Identity, req approvals.SubmitRequest) (*approvals.Case, error)
	Edit(ctx context.Context, caller admin.Identity, caseID string, mutate func(*approvals.GatedAction) error) (*approvals.Case, error)
}

// Authorizer guards the settings endpoints.
type Authorizer interface {
	IsAuthorized(ctx context.Context, who admin.Identity, resource string) bool
}

// HTTPObserver records request outcomes.
type HTTPObserver interface {
	ObserveHTTP(route string, code int)
}

// StatusProvider reports backend health for /status.
type StatusProvider interface {
	Ping(ctx context.Context) error
}

// Config wires a Server.
type Config struct {
	Addr     string
	Engine   Engine
	Verifier *Verifier
	// Settings and Authorizer enable /v1/settings when both are set.
	Settings   config.Store
	Authorizer Authorizer
	// Metrics is served at /metrics when set.
	Metrics  http.Handler
	Observer HTTPObserver
	Status   StatusProvider
	// RatePerSecond and RateBurst bound requests per administrator. Zero
	// disables limiting.
	RatePerSecond float64
	RateBurst     int
	Now           func() time.Time
}

// Server is the HTTP front end of the approval service.
type Server struct {
	addr      string
	engine    Engine
	verifier  *Verifier
	settings  config.Store
	authz     Authorizer
	observer  HTTPObserver
	status    StatusProvider
	limiter   *rateLimiter
	now       func() time.Time
	startedAt time.Time
	router    chi.Router
	server    *http.Server
}

// NewServer builds the router. It does not start listening.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("api: engine is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("api: token verifier is required")
	}
	s := &Server{
		addr:      cfg.Addr,
		engine:    cfg.Engine,
		verifier:  cfg.Verifier,
		settings:  cfg.Settings,
		authz:     cfg.Authorizer,
		observer:  cfg.Observer,
		status:    cfg.Status,
		now:       cfg.Now,
		startedAt: time.Now(),
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = newRateLimiter(cfg.RatePerSecond, burst)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.correlate)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authenticate)
		v1.Use(s.rateLimit)
		v1.Use(middleware.AllowContentType("application/json"))

		v1.Get("/whoami", s.handleWhoAmI)
		v1.Route("/cases", func(cases chi.Router) {
			cases.Get("/", s.handleListCases)
			cases.Post("/", s.handleSubmitCase)
			cases.Route("/{caseID}", func(one chi.Router) {
				one.Get("/", s.handleGetCase)
				one.Patch("/", s.handleEditCase)
				one.Post("/approve", s.handleVote(true))
				one.Post("/reject", s.handleVote(false))
			})
		})
		if s.settings != nil && s.authz != nil {
			v1.Route("/settings", func(st chi.Router) {
				st.Get("/", s.handleListSettings)
				st.Put("/{key}", s.handleSetSetting)
			})
		}
	})

	s.router = r
	return s, nil
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins listening in the background and returns once the port is
// open. The server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Approving the last vote runs the action synchronously.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop shuts the server down, waiting up to five seconds for requests in
// flight.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("api server shutdown error", "err", err)
	}
}

// correlate gives every request a trace ID, honouring X-Trace-ID from the
// client.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Trace-ID"); id != "" {
			ctx = trace.WithTraceID(ctx, id)
		}
		ctx, id := trace.Ensure(ctx)
		w.Header().Set("X-Trace-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.observer == nil {
			return
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern := rc.RoutePattern()
			if len(pattern) > 1 {
				pattern = strings.TrimSuffix(pattern, "/")
			}
			route = r.Method + " " + pattern
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		s.observer.ObserveHTTP(route, code)
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	BuildTime  string    `json:"build_time"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs float64   `json:"uptime_seconds"`
	Database   string    `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Database:   "unknown",
	}
	code := http.StatusOK
	if s.status != nil {
		if err := s.status.Ping(r.Context()); err != nil {
			slog.Warn("status: database ping failed", "err", err)
			resp.Status, resp.Database = "degraded", "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, who)
}
