// Package api exposes the call engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"outdial/internal/auth"
	"outdial/internal/calls"
	"outdial/internal/engine"
	"outdial/internal/listener"
	"outdial/internal/logging"
	"outdial/internal/session"
)

// CallService is the engine surface used by the handlers.
type CallService interface {
	PlaceCall(ctx context.Context, req engine.PlaceCallRequest) (*engine.PlaceCallResult, error)
	GetCall(ctx context.Context, tenantID, id string) (*calls.CallRecord, error)
	ListCalls(ctx context.Context, f calls.Filter) ([]calls.CallRecord, int, error)
	SetCallStatus(ctx context.Context, id, tenantID, status string) (*calls.CallRecord, error)
	ActiveSessions(tenantID string) []session.Session
}

// ListenerStatuses reports the event listener state per switch.
type ListenerStatuses interface {
	Statuses() []listener.Status
}

// WebSocketHub upgrades authenticated clients.
type WebSocketHub interface {
	ServeClient(w http.ResponseWriter, r *http.Request, tenantID string, admin bool)
}

// Deps are the collaborators of Server. Listeners, Hub, Ping and Metrics may be nil.
type Deps struct {
	Calls     CallService
	Auth      *auth.Authenticator
	Listeners ListenerStatuses
	Hub       WebSocketHub
	// Ping checks the call store.
	Ping       func(ctx context.Context) error
	Metrics    http.Handler
	EnableCORS bool
	Logger     logrus.FieldLogger
}

// Server representa el servidor API REST
type Server struct {
	Deps
	router *chi.Mux
	log    *logrus.Entry
}

// NewServer crea un nuevo servidor API
func NewServer(d Deps) *Server {
	s := &Server{
		Deps:   d,
		router: chi.NewRouter(),
		log:    logging.Component(d.Logger, "API"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.EnableCORS {
		r.Use(cors)
	}

	r.Get("/health", s.handleHealth)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Post("/api/v1/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware)

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/calls", func(r chi.Router) {
				r.Post("/", s.handlePlaceCall)
				r.Get("/", s.handleListCalls)
				r.Get("/{id}", s.handleGetCall)
				r.Put("/{id}/status", s.handleSetCallStatus)
			})
			r.Get("/sessions", s.handleSessions)
		})
		if s.Hub != nil {
			r.Get("/ws", s.handleWebSocket)
		}
	})
}

// Run serves addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Debug("http request")
	})
}

// cors agrega headers CORS
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
