// Package httpapi exposes the decision manager and the tab outbox over HTTP
// for the browser extension.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"popupguard/internal/observability/pprof"
	"popupguard/internal/transport"
	logx "popupguard/pkg/logx"
)

// Config controls the HTTP server.
type Config struct {
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	// MaxPollWait caps the long-poll wait a tab may request.
	MaxPollWait time.Duration
	// PprofToken mounts /debug/pprof/ when non-empty.
	PprofToken string
}

const (
	defaultMaxPollWait = 25 * time.Second
	maxBodyBytes       = 1 << 20
)

type Server struct {
	cfg       Config
	log       logx.Logger
	decisions transport.Decisions
	tabs      transport.Tabs
	started   time.Time
	handler   http.Handler

	mu   sync.Mutex
	addr net.Addr
}

func New(cfg Config, decisions transport.Decisions, tabs transport.Tabs, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxPollWait <= 0 {
		cfg.MaxPollWait = defaultMaxPollWait
	}
	s := &Server{cfg: cfg, log: log, decisions: decisions, tabs: tabs, started: time.Now()}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped handler (routes, CORS, request logging).
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/decisions", s.requestDecision).Methods(http.MethodPost)
	api.HandleFunc("/decisions/pending", s.listPending).Methods(http.MethodGet)
	api.HandleFunc("/decisions/cleanup", s.cleanup).Methods(http.MethodPost)
	api.HandleFunc("/decisions/{popupId}/resolve", s.resolveDecision).Methods(http.MethodPost)

	api.HandleFunc("/history", s.queryHistory).Methods(http.MethodGet)
	api.HandleFunc("/history", s.clearHistory).Methods(http.MethodDelete)
	api.HandleFunc("/stats", s.stats).Methods(http.MethodGet)

	api.HandleFunc("/tabs", s.listTabs).Methods(http.MethodGet)
	api.HandleFunc("/tabs/{tabId}", s.openTab).Methods(http.MethodPost)
	api.HandleFunc("/tabs/{tabId}", s.closeTab).Methods(http.MethodDelete)
	api.HandleFunc("/tabs/{tabId}/messages", s.pollTab).Methods(http.MethodGet)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	if pprof.Mount(r, s.cfg.PprofToken) {
		s.log.Warn("pprof endpoints enabled", logx.String("prefix", pprof.Prefix))
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, transport.ErrorBody{Error: "Not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, transport.ErrorBody{Error: "Method not allowed"})
	})
	r.Use(s.logRequests)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"chrome-extension://*", "moz-extension://*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         600,
	})
	return c.Handler(r)
}

// Serve listens on cfg.Addr and serves until ctx is done, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http api shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("http api stopped")
	return nil
}

// Addr returns the bound address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", rec.status),
			logx.Duration("took", time.Since(start)),
		)
	})
}
