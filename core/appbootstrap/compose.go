package appbootstrap

import (
	"context"
	"fmt"
	"time"

	"incidentdesk/api"
	"incidentdesk/config"
	"incidentdesk/core/access"
	"incidentdesk/core/accounts"
	"incidentdesk/core/auth"
	"incidentdesk/core/blob"
	"incidentdesk/core/events"
	"incidentdesk/core/incidents"
	"incidentdesk/core/maintenance"
	"incidentdesk/core/rbac"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"
)

type runtimeComposition struct {
	serverDeps api.ServerDeps
	publisher  events.Publisher
	workers    []api.BackgroundWorker
}

func composeRuntime(ctx context.Context, cfg *config.AppConfig, db *store.DB, logger *utils.Logger) (*runtimeComposition, error) {
	identities := store.NewIdentitiesStore(db)
	profiles := store.NewProfilesStore(db)
	roles := store.NewRolesStore(db)
	sessions := store.NewSessionsStore(db)
	audits := store.NewAuditStore(db)
	incidentsStore := store.NewIncidentsStore(db)
	evidenceStore := store.NewEvidenceStore(db)

	policy := rbac.NewPolicy(rbac.DefaultRoles())
	engine := access.NewEngine(policy)

	blobs, err := blob.NewFromConfig(ctx, cfg.Evidence, logger)
	if err != nil {
		return nil, fmt.Errorf("evidence store: %w", err)
	}

	sessionManager := auth.NewSessionManager(sessions, roles, cfg, logger)
	var tokens *auth.TokenIssuer
	if cfg.Security.BearerTokens && cfg.JWTSecret != "" {
		tokens = auth.NewTokenIssuer(cfg.JWTSecret)
	}

	var workers []api.BackgroundWorker
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Events.Enabled() {
		rabbit, err := events.NewRabbitPublisher(cfg.Events, logger)
		if err != nil {
			return nil, err
		}
		publisher = rabbit
		workers = append(workers, events.NewAnalysisConsumer(rabbit.Conn(), cfg.Events.AnalysisQueue, incidentsStore, audits, logger))
	} else if logger != nil {
		logger.Printf("events disabled: no amqp_url configured")
	}
	if cfg.Scheduler.Enabled {
		workers = append(workers, maintenance.NewScheduler(cfg.Scheduler, sessionManager, evidenceStore, blobs, logger))
	}

	incidentsSvc := incidents.NewService(cfg.Evidence, incidentsStore, evidenceStore, audits, blobs, engine, publisher, logger)
	incidentsSvc.SetRetryPolicy(blob.RetryPolicy{Retries: cfg.Evidence.UploadRetries, Timeout: cfg.Evidence.UploadTimeout, Backoff: 200 * time.Millisecond})

	return &runtimeComposition{
		serverDeps: api.ServerDeps{
			DB:        db,
			Sessions:  sessionManager,
			Tokens:    tokens,
			Auth:      auth.NewService(cfg, identities, profiles, roles, sessionManager, tokens, audits, logger),
			Accounts:  accounts.NewService(profiles, roles, audits, engine, logger),
			Incidents: incidentsSvc,
			Audits:    audits,
			Policy:    policy,
			Access:    engine,
		},
		publisher: publisher,
		workers:   workers,
	}, nil
}

// Open connects to the configured database and brings the schema up to date.
func Open(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) (*store.DB, error) {
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

// Run wires the service and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) error {
	db, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	rt, err := composeRuntime(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.publisher.Close(); err != nil && logger != nil {
			logger.Errorf("close publisher: %v", err)
		}
	}()
	return api.NewServer(cfg, rt.serverDeps, rt.workers, logger).Run(ctx)
}
