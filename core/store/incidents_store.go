package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"incidentdesk/core/apperr"
)

type Incident struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	IncidentType     IncidentType    `json:"incident_type"`
	Status           IncidentStatus  `json:"status"`
	ThreatLevel      *ThreatLevel    `json:"threat_level"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Location         *string         `json:"location,omitempty"`
	OccurredAt       *time.Time      `json:"occurred_at,omitempty"`
	AIAnalysisResult json.RawMessage `json:"ai_analysis_result,omitempty"`
	Recommendations  []string        `json:"recommendations,omitempty"`
	AssignedTo       *string         `json:"assigned_to,omitempty"`
	PriorityScore    int             `json:"priority_score"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}

type IncidentFilter struct {
	UserID          string
	Statuses        []IncidentStatus
	ThreatLevels    []ThreatLevel
	IncidentType    IncidentType
	AssignedTo      string
	Search          string
	OrderByPriority bool
	Limit           int
	Offset          int
}

// AnalysisUpdate carries the fields written by the external analyzer.
type AnalysisUpdate struct {
	Result          json.RawMessage
	Recommendations []string
	PriorityScore   int
	ThreatLevel     *ThreatLevel
}

type IncidentsStore interface {
	CreateIncident(ctx context.Context, incident *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	CountIncidents(ctx context.Context, filter IncidentFilter) (int, error)
	UpdateIncident(ctx context.Context, incident *Incident, fields ...string) error
	ApplyAnalysis(ctx context.Context, id string, upd AnalysisUpdate) (*Incident, error)
}

type incidentsStore struct {
	db *DB
}

func NewIncidentsStore(db *DB) IncidentsStore {
	return &incidentsStore{db: db}
}

const incidentColumns = `id, user_id, incident_type, status, threat_level, title, description, location, occurred_at, ai_analysis_result, recommendations, assigned_to, priority_score, created_at, updated_at, resolved_at`

// CreateIncident stores a fresh submission: status submitted, no threat level, zero priority.
func (s *incidentsStore) CreateIncident(ctx context.Context, incident *Incident) error {
	if incident.ID == "" {
		incident.ID = NewID()
	}
	now := time.Now().UTC()
	incident.Status = StatusSubmitted
	incident.ThreatLevel = nil
	incident.PriorityScore = 0
	incident.AIAnalysisResult = nil
	incident.Recommendations = nil
	incident.AssignedTo = nil
	incident.ResolvedAt = nil
	incident.CreatedAt = now
	incident.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents(id, user_id, incident_type, status, threat_level, title, description, location, occurred_at, priority_score, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		incident.ID, incident.UserID, string(incident.IncidentType), string(incident.Status), nil,
		incident.Title, incident.Description, nullableStringPtr(incident.Location), nullableTime(incident.OccurredAt),
		incident.PriorityScore, now, now)
	if err != nil {
		if isForeignKeyViolation(err) {
			return apperr.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return inc, nil
}

func buildIncidentWhere(filter IncidentFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(filter.Statuses)), ",")
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(filter.ThreatLevels) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(filter.ThreatLevels)), ",")
		clauses = append(clauses, fmt.Sprintf("threat_level IN (%s)", placeholders))
		for _, lvl := range filter.ThreatLevels {
			args = append(args, string(lvl))
		}
	}
	if filter.IncidentType != "" {
		clauses = append(clauses, "incident_type=?")
		args = append(args, string(filter.IncidentType))
	}
	if filter.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, filter.AssignedTo)
	}
	if q := strings.TrimSpace(filter.Search); q != "" {
		clauses = append(clauses, "(LOWER(title) LIKE ? OR LOWER(description) LIKE ? OR LOWER(COALESCE(location,'')) LIKE ?)")
		like := "%" + strings.ToLower(q) + "%"
		args = append(args, like, like, like)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *incidentsStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	where, args := buildIncidentWhere(filter)
	query := `SELECT ` + incidentColumns + ` FROM incidents` + where
	if filter.OrderByPriority {
		query += " ORDER BY priority_score DESC, created_at DESC"
	} else {
		query += " ORDER BY created_at DESC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *inc)
	}
	return res, rows.Err()
}

func (s *incidentsStore) CountIncidents(ctx context.Context, filter IncidentFilter) (int, error) {
	where, args := buildIncidentWhere(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents`+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateIncident writes the named columns of incident, or every mutable column
// when none are named, then reloads the row into incident. updated_at is taken
// from the stored row and never moves backwards; resolved_at follows the status.
func (s *incidentsStore) UpdateIncident(ctx context.Context, incident *Incident, fields ...string) error {
	if len(fields) == 0 {
		fields = mutableIncidentColumns
	}
	return s.mutate(ctx, incident.ID, func(tx *Tx, stored *Incident, now time.Time) error {
		var sets []string
		var args []any
		for _, f := range fields {
			val, ok := incidentColumnValue(incident, f)
			if !ok {
				return fmt.Errorf("unknown incident column %q", f)
			}
			sets = append(sets, f+"=?")
			args = append(args, val)
			if f == "status" {
				sets = append(sets, "resolved_at=?")
				args = append(args, nullableTime(resolvedAtFor(incident.Status, stored.ResolvedAt, now)))
			}
		}
		sets = append(sets, "updated_at=?")
		args = append(args, now, incident.ID)
		_, err := tx.ExecContext(ctx, `UPDATE incidents SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
		return err
	}, incident)
}

// ApplyAnalysis sets the analyzer output; a threat level is only filled when none was assigned yet.
func (s *incidentsStore) ApplyAnalysis(ctx context.Context, id string, upd AnalysisUpdate) (*Incident, error) {
	out := &Incident{}
	err := s.mutate(ctx, id, func(tx *Tx, stored *Incident, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE incidents SET ai_analysis_result=?, recommendations=?, priority_score=?,
				threat_level=COALESCE(threat_level, ?), updated_at=?
			WHERE id=?`,
			rawJSONArg(upd.Result), recommendationsArg(upd.Recommendations), upd.PriorityScore,
			threatArg(upd.ThreatLevel), now, id)
		return err
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

var mutableIncidentColumns = []string{
	"incident_type", "status", "threat_level", "title", "description", "location", "occurred_at",
	"ai_analysis_result", "recommendations", "assigned_to", "priority_score",
}

func incidentColumnValue(inc *Incident, column string) (any, bool) {
	switch column {
	case "incident_type":
		return string(inc.IncidentType), true
	case "status":
		return string(inc.Status), true
	case "threat_level":
		return threatArg(inc.ThreatLevel), true
	case "title":
		return inc.Title, true
	case "description":
		return inc.Description, true
	case "location":
		return nullableStringPtr(inc.Location), true
	case "occurred_at":
		return nullableTime(inc.OccurredAt), true
	case "ai_analysis_result":
		return rawJSONArg(inc.AIAnalysisResult), true
	case "recommendations":
		return recommendationsArg(inc.Recommendations), true
	case "assigned_to":
		return nullableStringPtr(inc.AssignedTo), true
	case "priority_score":
		return inc.PriorityScore, true
	}
	return nil, false
}

// mutate runs write inside a transaction holding the stored row, stamps it with
// a fresh updated_at and copies the committed row into out.
func (s *incidentsStore) mutate(ctx context.Context, id string, write func(tx *Tx, stored *Incident, now time.Time) error, out *Incident) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stored, err := scanIncident(tx.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`+tx.lockClause(), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrNotFound
		}
		return err
	}
	if err := write(tx, stored, nextUpdatedAt(stored.UpdatedAt)); err != nil {
		return err
	}
	current, err := scanIncident(tx.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	*out = *current
	return nil
}

// nextUpdatedAt returns the current time, or just after stored when the clock
// has not moved past it.
func nextUpdatedAt(stored time.Time) time.Time {
	now := time.Now().UTC()
	if !stored.IsZero() && !now.After(stored) {
		return stored.UTC().Add(time.Microsecond)
	}
	return now
}

func resolvedAtFor(status IncidentStatus, current *time.Time, now time.Time) *time.Time {
	if !status.IsFinal() {
		return nil
	}
	if current != nil {
		return current
	}
	t := now
	return &t
}

func threatArg(l *ThreatLevel) any {
	if l == nil || *l == "" {
		return nil
	}
	return string(*l)
}

func rawJSONArg(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func recommendationsArg(items []string) any {
	if items == nil {
		return nil
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var incType, status string
	var threat, location, analysis, recs, assigned sql.NullString
	var occurred, resolved sql.NullTime
	if err := row.Scan(&inc.ID, &inc.UserID, &incType, &status, &threat, &inc.Title, &inc.Description, &location, &occurred,
		&analysis, &recs, &assigned, &inc.PriorityScore, &inc.CreatedAt, &inc.UpdatedAt, &resolved); err != nil {
		return nil, err
	}
	inc.IncidentType = IncidentType(incType)
	inc.Status = IncidentStatus(status)
	if threat.Valid && threat.String != "" {
		lvl := ThreatLevel(threat.String)
		inc.ThreatLevel = &lvl
	}
	inc.Location = stringPtr(location)
	inc.OccurredAt = timePtr(occurred)
	if analysis.Valid && analysis.String != "" {
		inc.AIAnalysisResult = json.RawMessage(analysis.String)
	}
	if recs.Valid && recs.String != "" {
		_ = json.Unmarshal([]byte(recs.String), &inc.Recommendations)
	}
	inc.AssignedTo = stringPtr(assigned)
	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	inc.ResolvedAt = timePtr(resolved)
	return &inc, nil
}
