package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IncidentsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentdesk_incidents_submitted_total",
			Help: "Incidents filed, by incident type",
		},
		[]string{"type"},
	)

	IncidentsTriaged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentdesk_incidents_triaged_total",
			Help: "Triage updates, by resulting status",
		},
		[]string{"status"},
	)

	EvidenceUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentdesk_evidence_uploads_total",
			Help: "Evidence upload outcomes",
		},
		[]string{"result"},
	)

	EvidenceUploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "incidentdesk_evidence_upload_duration_seconds",
			Help:    "Time spent storing a single evidence blob, retries included",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	AuthorizationDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentdesk_authorization_denials_total",
			Help: "Row-level authorization denials",
		},
		[]string{"entity", "op"},
	)

	AnalysisApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentdesk_analysis_results_total",
			Help: "Analyzer results consumed from the queue",
		},
		[]string{"result"},
	)

	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentdesk_maintenance_runs_total",
			Help: "Scheduled maintenance job runs",
		},
		[]string{"job", "result"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incidentdesk_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
