package routegroups

import (
	"incidentdesk/api/handlers"

	"github.com/go-chi/chi/v5"
)

func RegisterIncidents(apiRouter chi.Router, g Guards, incidents *handlers.IncidentsHandler) {
	apiRouter.Route("/incidents", func(incidentsRouter chi.Router) {
		incidentsRouter.MethodFunc("POST", "/", g.SessionPerm("incidents.submit", incidents.Submit))
		incidentsRouter.MethodFunc("GET", "/", g.Session(incidents.List))
		incidentsRouter.MethodFunc("GET", "/{id}", g.Session(incidents.Get))
		incidentsRouter.MethodFunc("PATCH", "/{id}", g.Session(incidents.Update))
		incidentsRouter.MethodFunc("GET", "/{id}/evidence", g.Session(incidents.ListEvidence))
		incidentsRouter.MethodFunc("POST", "/{id}/evidence", g.SessionPerm("evidence.attach_own", incidents.UploadEvidence))
		incidentsRouter.MethodFunc("GET", "/{id}/evidence/{evidence_id}/content", g.Session(incidents.DownloadEvidence))
	})

	apiRouter.Route("/triage", func(triageRouter chi.Router) {
		triageRouter.MethodFunc("GET", "/incidents", g.SessionPerm("incidents.triage", incidents.TriageList))
		triageRouter.MethodFunc("PATCH", "/incidents/{id}", g.SessionPerm("incidents.triage", incidents.Triage))
		triageRouter.MethodFunc("GET", "/stats", g.SessionPerm("incidents.triage", incidents.TriageStats))
	})
}

func RegisterAudit(apiRouter chi.Router, g Guards, audit *handlers.AuditHandler) {
	apiRouter.Route("/audit", func(auditRouter chi.Router) {
		auditRouter.MethodFunc("GET", "/", g.SessionPerm("audit.read", audit.List))
		auditRouter.MethodFunc("GET", "/export", g.SessionPerm("audit.read", audit.Export))
	})
}
