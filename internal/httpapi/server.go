// Package httpapi is the JSON HTTP surface over the executor.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"procexec/internal/executor"
	"procexec/internal/job"
	"procexec/internal/pool"
	"procexec/internal/status"
	logx "procexec/pkg/logx"
)

// Backend is the subset of *executor.Executor the handlers use.
type Backend interface {
	ListJobs() []*job.Definition
	ResolveJobs(ctx context.Context, ids []string, contextKey string) ([]*job.Definition, error)
	Execute(ctx context.Context, jobID string, def *job.Definition, req *job.Request, mode job.Mode) (*executor.Outcome, error)
	Status(ctx context.Context, id string) (status.Record, error)
	StatusAll(ctx context.Context) ([]status.Record, error)
	Request(ctx context.Context, id string) (json.RawMessage, error)
	Result(ctx context.Context, id string) ([]byte, error)
	StoreFile(ctx context.Context, id, name string) (string, error)
	Delete(ctx context.Context, id string) (bool, error)
	Pin(ctx context.Context, id string, pinned bool) (status.Record, error)
	Pool() pool.Snapshot
	CachedSpecializations() int
}

type Config struct {
	Addr         string // default: "127.0.0.1:8080"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// ExecuteRatePerSec limits execute requests. 0 disables the limiter.
	ExecuteRatePerSec float64
	ExecuteBurst      int

	// HostProxy, when set, is the base URL used for status/result links
	// instead of X-Forwarded-Url or the request host.
	HostProxy string

	// Pprof mounts net/http/pprof under /debug.
	Pprof bool
}

const defaultAddr = "127.0.0.1:8080"

type Server struct {
	cfg     Config
	exec    Backend
	log     logx.Logger
	limiter *rate.Limiter
	router  chi.Router

	// newID mints job ids. Tests may override it.
	newID func() (string, error)

	mu   sync.Mutex
	addr string
}

func New(cfg Config, exec Backend, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, exec: exec, log: log, newID: newJobID}
	if cfg.ExecuteRatePerSec > 0 {
		burst := cfg.ExecuteBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ExecuteRatePerSec), burst)
	}
	s.router = s.routes()
	return s
}

// newJobID returns a time-based (version 1) uuid.
func newJobID() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the bound listen address once Serve is running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.With(s.rateLimit).Post("/{id}/execute", s.handleExecute)
	})

	r.Route("/status", func(r chi.Router) {
		r.Get("/", s.handleListStatus)
		r.Get("/{uuid}", s.handleGetStatus)
		r.Delete("/{uuid}", s.handleDeleteStatus)
		r.Put("/{uuid}/pin", s.handlePin(true))
		r.Delete("/{uuid}/pin", s.handlePin(false))
	})

	r.Get("/results/{uuid}", s.handleResult)
	r.Get("/store/{uuid}/*", s.handleStoreFile)

	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many execute requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve listens on cfg.Addr and blocks until ctx is done or the listener fails.
// A clean shutdown returns context.Canceled so supervisors do not restart it.
func (s *Server) Serve(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("rate_limited", s.limiter != nil))
	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"pool":            s.exec.Pool(),
		"cached_contexts": s.exec.CachedSpecializations(),
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Kind: kind, Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}
