package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"incidentdesk/config"
	"incidentdesk/core/access"
	"incidentdesk/core/accounts"
	"incidentdesk/core/auth"
	"incidentdesk/core/incidents"
	"incidentdesk/core/rbac"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// BackgroundWorker is anything the server starts with itself and stops on shutdown.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context)
	StopWithContext(ctx context.Context) error
}

// Pinger reports database liveness for /healthz.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type ServerDeps struct {
	DB        Pinger
	Sessions  *auth.SessionManager
	Tokens    *auth.TokenIssuer
	Auth      *auth.Service
	Accounts  *accounts.Service
	Incidents *incidents.Service
	Audits    store.AuditStore
	Policy    *rbac.Policy
	Access    *access.Engine
}

type Server struct {
	cfg             *config.AppConfig
	db              Pinger
	sessions        *auth.SessionManager
	tokens          *auth.TokenIssuer
	authSvc         *auth.Service
	accountsSvc     *accounts.Service
	incidentsSvc    *incidents.Service
	audits          store.AuditStore
	policy          *rbac.Policy
	access          *access.Engine
	logger          *utils.Logger
	router          chi.Router
	handler         http.Handler
	activityTracker *sessionActivity
	loginLimiter    *requestLimiter
	workers         []BackgroundWorker

	mu         sync.Mutex
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, deps ServerDeps, workers []BackgroundWorker, logger *utils.Logger) *Server {
	s := &Server{
		cfg:             cfg,
		db:              deps.DB,
		sessions:        deps.Sessions,
		tokens:          deps.Tokens,
		authSvc:         deps.Auth,
		accountsSvc:     deps.Accounts,
		incidentsSvc:    deps.Incidents,
		audits:          deps.Audits,
		policy:          deps.Policy,
		access:          deps.Access,
		logger:          logger,
		activityTracker: newSessionActivity(),
		loginLimiter:    newLimiter(5, time.Minute),
		workers:         workers,
	}
	s.router = s.routes()
	s.handler = s.withCORS(s.router)
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	if s.cfg == nil || len(s.cfg.Security.CORSAllowedOrigins) == 0 {
		return next
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.Security.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler(next)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			if s.logger != nil {
				s.logger.Errorf("healthz db ping: %v", err)
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": "unreachable"})
			return
		}
		status["db"] = "ok"
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.Handler()
}

// Run starts the background workers, serves until ctx is cancelled and then
// shuts the listener and the workers down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	for _, w := range s.workers {
		if w != nil {
			w.StartWithContext(ctx)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if s.logger != nil {
			s.logger.Printf("listening on %s (tls=%v)", s.cfg.ListenAddr, s.cfg.TLSEnabled)
		}
		var err error
		if s.cfg.TLSEnabled {
			err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && s.logger != nil {
		s.logger.Errorf("http shutdown: %v", err)
	}
	for i := len(s.workers) - 1; i >= 0; i-- {
		if s.workers[i] == nil {
			continue
		}
		if err := s.workers[i].StopWithContext(shutdownCtx); err != nil && s.logger != nil {
			s.logger.Errorf("stop worker: %v", err)
		}
	}
	return serveErr
}
