package store

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"incidentdesk/core/utils"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var gooseMigrations embed.FS

var gooseOnce sync.Mutex

// sqliteMigrations mirrors migrations/*.sql for the sqlite dev/test runtime.
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS identities (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		disabled INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_sign_in_at TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		full_name TEXT NOT NULL,
		rank TEXT,
		unit TEXT,
		phone TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY(id) REFERENCES identities(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user','admin','cert_admin')),
		assigned_at TIMESTAMP NOT NULL,
		assigned_by TEXT,
		UNIQUE(user_id, role),
		FOREIGN KEY(user_id) REFERENCES identities(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		incident_type TEXT NOT NULL CHECK (incident_type IN ('phishing','malware','fraud','espionage','data_breach','other')),
		status TEXT NOT NULL DEFAULT 'submitted' CHECK (status IN ('submitted','under_review','investigating','resolved','closed')),
		threat_level TEXT CHECK (threat_level IS NULL OR threat_level IN ('low','medium','high','critical')),
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		location TEXT,
		occurred_at TIMESTAMP,
		ai_analysis_result TEXT,
		recommendations TEXT,
		assigned_to TEXT,
		priority_score INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		FOREIGN KEY(user_id) REFERENCES identities(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_user ON incidents(user_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_priority ON incidents(priority_score, created_at);`,
	`CREATE TABLE IF NOT EXISTS evidence_files (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_path TEXT NOT NULL UNIQUE,
		file_type TEXT NOT NULL,
		file_size INTEGER,
		uploaded_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_incident ON evidence_files(incident_id);`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT,
		details TEXT,
		ip_address TEXT,
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs(created_at);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		email TEXT NOT NULL,
		csrf_token TEXT NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		FOREIGN KEY(user_id) REFERENCES identities(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);`,
}

func ApplyMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if db.Dialect() == DialectSQLite {
		return applySQLiteMigrations(ctx, db, logger)
	}
	return applyGooseMigrations(ctx, db, logger)
}

func applySQLiteMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	if logger != nil {
		logger.Printf("applying sqlite migrations")
	}
	for i, stmt := range sqliteMigrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration #%d failed: %w", i+1, err)
		}
	}
	if logger != nil {
		logger.Printf("sqlite migrations applied")
	}
	return nil
}

func applyGooseMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	gooseOnce.Lock()
	defer gooseOnce.Unlock()
	goose.SetBaseFS(gooseMigrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if logger != nil {
		logger.Printf("applying postgres migrations")
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, db.DB)
	if err == nil && logger != nil {
		logger.Printf("postgres schema at version %d", version)
	}
	return nil
}
