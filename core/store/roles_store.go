package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"incidentdesk/core/apperr"
)

type RoleAssignment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Role       AppRole   `json:"role"`
	AssignedAt time.Time `json:"assigned_at"`
	AssignedBy *string   `json:"assigned_by,omitempty"`
}

type RolesStore interface {
	ListForUser(ctx context.Context, userID string) ([]RoleAssignment, error)
	RolesOf(ctx context.Context, userID string) ([]AppRole, error)
	List(ctx context.Context) ([]RoleAssignment, error)
	Get(ctx context.Context, id string) (*RoleAssignment, error)
	Grant(ctx context.Context, a *RoleAssignment) error
	UpdateRole(ctx context.Context, id string, role AppRole) error
	Revoke(ctx context.Context, id string) error
}

type rolesStore struct {
	db *DB
}

func NewRolesStore(db *DB) RolesStore {
	return &rolesStore{db: db}
}

const roleColumns = `id, user_id, role, assigned_at, assigned_by`

func (s *rolesStore) ListForUser(ctx context.Context, userID string) ([]RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM user_roles WHERE user_id=? ORDER BY assigned_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoleRows(rows)
}

func (s *rolesStore) RolesOf(ctx context.Context, userID string) ([]AppRole, error) {
	items, err := s.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]AppRole, 0, len(items))
	for _, it := range items {
		out = append(out, it.Role)
	}
	return out, nil
}

func (s *rolesStore) List(ctx context.Context) ([]RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM user_roles ORDER BY user_id ASC, assigned_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoleRows(rows)
}

func (s *rolesStore) Get(ctx context.Context, id string) (*RoleAssignment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM user_roles WHERE id=?`, id)
	a, err := scanRole(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func (s *rolesStore) Grant(ctx context.Context, a *RoleAssignment) error {
	if _, err := ParseRole(string(a.Role)); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = NewID()
	}
	a.AssignedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles(id, user_id, role, assigned_at, assigned_by)
		VALUES(?,?,?,?,?)`, a.ID, a.UserID, string(a.Role), a.AssignedAt, nullableStringPtr(a.AssignedBy))
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return apperr.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *rolesStore) UpdateRole(ctx context.Context, id string, role AppRole) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE user_roles SET role=? WHERE id=?`, string(role), id)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.ErrConflict
		}
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *rolesStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_roles WHERE id=?`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func scanRoleRows(rows *sql.Rows) ([]RoleAssignment, error) {
	var res []RoleAssignment
	for rows.Next() {
		a, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *a)
	}
	return res, rows.Err()
}

func scanRole(row rowScanner) (*RoleAssignment, error) {
	var a RoleAssignment
	var role string
	var by sql.NullString
	if err := row.Scan(&a.ID, &a.UserID, &role, &a.AssignedAt, &by); err != nil {
		return nil, err
	}
	a.Role = AppRole(role)
	a.AssignedBy = stringPtr(by)
	a.AssignedAt = a.AssignedAt.UTC()
	return &a, nil
}
