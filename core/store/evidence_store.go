package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"incidentdesk/core/apperr"
)

type EvidenceFile struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	FileName   string    `json:"file_name"`
	FilePath   string    `json:"file_path"`
	FileType   string    `json:"file_type"`
	FileSize   *int64    `json:"file_size,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type EvidenceStore interface {
	AddEvidence(ctx context.Context, ev *EvidenceFile) error
	ListEvidence(ctx context.Context, incidentID string) ([]EvidenceFile, error)
	GetEvidence(ctx context.Context, incidentID, evidenceID string) (*EvidenceFile, error)
	ExistsByPath(ctx context.Context, path string) (bool, error)
}

type evidenceStore struct {
	db *DB
}

func NewEvidenceStore(db *DB) EvidenceStore {
	return &evidenceStore{db: db}
}

const evidenceColumns = `id, incident_id, file_name, file_path, file_type, file_size, uploaded_at`

func (s *evidenceStore) AddEvidence(ctx context.Context, ev *EvidenceFile) error {
	if ev.ID == "" {
		ev.ID = NewID()
	}
	ev.UploadedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_files(id, incident_id, file_name, file_path, file_type, file_size, uploaded_at)
		VALUES(?,?,?,?,?,?,?)`,
		ev.ID, ev.IncidentID, ev.FileName, ev.FilePath, ev.FileType, nullableInt64(ev.FileSize), ev.UploadedAt)
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

func (s *evidenceStore) ListEvidence(ctx context.Context, incidentID string) ([]EvidenceFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+evidenceColumns+` FROM evidence_files WHERE incident_id=? ORDER BY uploaded_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EvidenceFile
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *ev)
	}
	return res, rows.Err()
}

func (s *evidenceStore) GetEvidence(ctx context.Context, incidentID, evidenceID string) (*EvidenceFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence_files WHERE incident_id=? AND id=?`, incidentID, evidenceID)
	ev, err := scanEvidence(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ev, nil
}

func (s *evidenceStore) ExistsByPath(ctx context.Context, path string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence_files WHERE file_path=?`, path).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanEvidence(row rowScanner) (*EvidenceFile, error) {
	var ev EvidenceFile
	var size sql.NullInt64
	if err := row.Scan(&ev.ID, &ev.IncidentID, &ev.FileName, &ev.FilePath, &ev.FileType, &size, &ev.UploadedAt); err != nil {
		return nil, err
	}
	if size.Valid {
		v := size.Int64
		ev.FileSize = &v
	}
	ev.UploadedAt = ev.UploadedAt.UTC()
	return &ev, nil
}
