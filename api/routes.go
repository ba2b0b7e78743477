package api

import (
	"net/http"

	"incidentdesk/api/handlers"
	"incidentdesk/api/routegroups"
	"incidentdesk/core/rbac"

	"github.com/go-chi/chi/v5"
)

type routeHandlers struct {
	auth      *handlers.AuthHandler
	accounts  *handlers.AccountsHandler
	incidents *handlers.IncidentsHandler
	audit     *handlers.AuditHandler
}

func (s *Server) newRouteHandlers() routeHandlers {
	return routeHandlers{
		auth:      handlers.NewAuthHandler(s.cfg, s.authSvc, s.policy, s.logger),
		accounts:  handlers.NewAccountsHandler(s.cfg, s.accountsSvc, s.logger),
		incidents: handlers.NewIncidentsHandler(s.cfg, s.incidentsSvc, s.logger),
		audit:     handlers.NewAuditHandler(s.audits, s.access, s.logger),
	}
}

func (s *Server) guards() routegroups.Guards {
	return routegroups.Guards{
		WithSession:       s.withSession,
		RequirePermission: func(p string) func(http.HandlerFunc) http.HandlerFunc { return s.requirePermission(rbac.Permission(p)) },
		RateLimit:         s.rateLimitMiddleware,
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.securityHeadersMiddleware)

	r.MethodFunc("GET", "/healthz", s.healthz)
	r.Method("GET", "/metrics", s.metricsHandler())

	h := s.newRouteHandlers()
	g := s.guards()
	r.Route("/api", func(apiRouter chi.Router) {
		apiRouter.Use(s.jsonMiddleware)
		routegroups.RegisterAuth(apiRouter, g, h.auth)
		routegroups.RegisterAccounts(apiRouter, g, h.accounts)
		routegroups.RegisterIncidents(apiRouter, g, h.incidents)
		routegroups.RegisterAudit(apiRouter, g, h.audit)
	})
	return r
}
