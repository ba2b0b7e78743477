package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"incidentdesk/core/apperr"
)

// DefaultFullName is stored when sign-up metadata carries no usable name.
const DefaultFullName = "User"

type Identity struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Disabled     bool       `json:"disabled"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSignInAt *time.Time `json:"last_sign_in_at,omitempty"`
}

type IdentitiesStore interface {
	Register(ctx context.Context, identity *Identity, fullName string) (*Profile, error)
	Get(ctx context.Context, id string) (*Identity, error)
	GetByEmail(ctx context.Context, email string) (*Identity, error)
	TouchSignIn(ctx context.Context, id string, at time.Time) error
}

type identitiesStore struct {
	db *DB
}

func NewIdentitiesStore(db *DB) IdentitiesStore {
	return &identitiesStore{db: db}
}

// Register creates the identity, its profile and the default user role in one transaction.
func (s *identitiesStore) Register(ctx context.Context, identity *Identity, fullName string) (*Profile, error) {
	if identity == nil {
		return nil, apperr.Invalid("identity", "required")
	}
	if strings.TrimSpace(identity.ID) == "" {
		identity.ID = NewID()
	}
	name := strings.TrimSpace(fullName)
	if name == "" {
		name = DefaultFullName
	}
	now := time.Now().UTC()
	identity.CreatedAt = now
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Persistence("begin registration", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identities(id, email, password_hash, disabled, created_at)
		VALUES(?,?,?,?,?)`, identity.ID, identity.Email, identity.PasswordHash, identity.Disabled, now); err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			return nil, apperr.ErrConflict
		}
		return nil, apperr.Persistence("insert identity", err)
	}
	profile := &Profile{ID: identity.ID, FullName: name, CreatedAt: now, UpdatedAt: now}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profiles(id, full_name, created_at, updated_at)
		VALUES(?,?,?,?)`, profile.ID, profile.FullName, now, now); err != nil {
		tx.Rollback()
		return nil, apperr.Persistence("insert profile", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_roles(id, user_id, role, assigned_at)
		VALUES(?,?,?,?)`, NewID(), identity.ID, string(RoleUser), now); err != nil {
		tx.Rollback()
		return nil, apperr.Persistence("insert default role", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Persistence("commit registration", err)
	}
	return profile, nil
}

func (s *identitiesStore) Get(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, disabled, created_at, last_sign_in_at
		FROM identities WHERE id=?`, id)
	return scanIdentity(row)
}

func (s *identitiesStore) GetByEmail(ctx context.Context, email string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, disabled, created_at, last_sign_in_at
		FROM identities WHERE email=?`, strings.ToLower(strings.TrimSpace(email)))
	return scanIdentity(row)
}

func (s *identitiesStore) TouchSignIn(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE identities SET last_sign_in_at=? WHERE id=?`, at.UTC(), id)
	return err
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	var ident Identity
	var lastSignIn sql.NullTime
	if err := row.Scan(&ident.ID, &ident.Email, &ident.PasswordHash, &ident.Disabled, &ident.CreatedAt, &lastSignIn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ident.CreatedAt = ident.CreatedAt.UTC()
	ident.LastSignInAt = timePtr(lastSignIn)
	return &ident, nil
}
