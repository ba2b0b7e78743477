package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"incidentdesk/core/apperr"
)

type Profile struct {
	ID        string    `json:"id"`
	FullName  string    `json:"full_name"`
	Rank      *string   `json:"rank,omitempty"`
	Unit      *string   `json:"unit,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ProfilesStore interface {
	Get(ctx context.Context, id string) (*Profile, error)
	List(ctx context.Context, search string, limit, offset int) ([]Profile, error)
	Insert(ctx context.Context, p *Profile) error
	Update(ctx context.Context, p *Profile) error
}

type profilesStore struct {
	db *DB
}

func NewProfilesStore(db *DB) ProfilesStore {
	return &profilesStore{db: db}
}

const profileColumns = `id, full_name, rank, unit, phone, created_at, updated_at`

func (s *profilesStore) Get(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id=?`, id)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (s *profilesStore) List(ctx context.Context, search string, limit, offset int) ([]Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles`
	var args []any
	if q := strings.TrimSpace(search); q != "" {
		query += ` WHERE LOWER(full_name) LIKE ?`
		args = append(args, "%"+strings.ToLower(q)+"%")
	}
	query += ` ORDER BY full_name ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}
	return res, rows.Err()
}

// Insert covers identities that predate their profile row.
func (s *profilesStore) Insert(ctx context.Context, p *Profile) error {
	if strings.TrimSpace(p.FullName) == "" {
		p.FullName = DefaultFullName
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles(id, full_name, rank, unit, phone, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?)`,
		p.ID, p.FullName, nullableStringPtr(p.Rank), nullableStringPtr(p.Unit), nullableStringPtr(p.Phone), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.ErrConflict
		}
		return err
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// Update stamps the row with the current time, kept after the stored
// updated_at. The UpdatedAt carried by p is ignored.
func (s *profilesStore) Update(ctx context.Context, p *Profile) error {
	if strings.TrimSpace(p.FullName) == "" {
		return apperr.Invalid("full_name", "required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var stored time.Time
	if err := tx.QueryRowContext(ctx, `SELECT updated_at FROM profiles WHERE id=?`+tx.lockClause(), p.ID).Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrNotFound
		}
		return err
	}
	now := nextUpdatedAt(stored)
	if _, err := tx.ExecContext(ctx, `
		UPDATE profiles SET full_name=?, rank=?, unit=?, phone=?, updated_at=?
		WHERE id=?`,
		p.FullName, nullableStringPtr(p.Rank), nullableStringPtr(p.Unit), nullableStringPtr(p.Phone), now, p.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.UpdatedAt = now
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var rank, unit, phone sql.NullString
	if err := row.Scan(&p.ID, &p.FullName, &rank, &unit, &phone, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Rank = stringPtr(rank)
	p.Unit = stringPtr(unit)
	p.Phone = stringPtr(phone)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
