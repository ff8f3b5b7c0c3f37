// Package web serves the local control API: engine status, manual syncs,
// runtime configuration, the retry queue and a live event stream.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/engine"
	"github.com/dopejs/keepsync/internal/events"
	"github.com/dopejs/keepsync/internal/logging"
	"github.com/dopejs/keepsync/internal/orchestrator"
	"github.com/dopejs/keepsync/internal/queue"
)

// Controller is the engine surface the API drives.
type Controller interface {
	Status() engine.Status
	ForceSyncNow(ctx context.Context) orchestrator.Result
	CheckForCloudChanges(ctx context.Context) orchestrator.Probe
	PauseAutoSync()
	ResumeAutoSync()
	UpdateConfig(r config.Runtime) error
	Config() config.SyncConfig
	QueueItems() []queue.Item
	DrainQueue(ctx context.Context, force bool) (queue.DrainReport, error)
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Options configures a Server.
type Options struct {
	Addr    string
	Token   string // when set, every route but health requires it
	Version string
	Logger  *zap.SugaredLogger
}

// Server is the control API server.
type Server struct {
	engine     Controller
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *zap.SugaredLogger
	token      string
	version    string

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewServer builds the router. Call Start to listen.
func NewServer(eng Controller, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = config.DefaultWebAddr
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	s := &Server{
		engine:  eng,
		logger:  logging.Component(opts.Logger, "web"),
		token:   opts.Token,
		version: opts.Version,
		conns:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/sync/check", s.handleCheck).Methods(http.MethodPost)
	api.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handlePutConfig).Methods(http.MethodPut)
	api.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
	api.HandleFunc("/queue/drain", s.handleDrain).Methods(http.MethodPost)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.Use(s.securityHeaders, s.requestLog, s.authMiddleware)
	s.router = r

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening. It returns nil on graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.httpServer.Addr)
	}
	s.logger.Infow("control API listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and closes open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			logging.FieldDurationMS, time.Since(start).Milliseconds())
	})
}

// authMiddleware checks the bearer token. Browsers cannot set headers on a
// websocket handshake, so the token may also come as ?token=.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || r.URL.Path == "/api/v1/health" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			got = strings.TrimPrefix(h, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
