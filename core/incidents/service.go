package incidents

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"incidentdesk/config"
	"incidentdesk/core/access"
	"incidentdesk/core/apperr"
	"incidentdesk/core/blob"
	"incidentdesk/core/events"
	"incidentdesk/core/metrics"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"
)

const (
	maxTitleLen       = 300
	maxDescriptionLen = 20000
	maxLocationLen    = 500
	defaultListLimit  = 100
	maxListLimit      = 500
)

type Service struct {
	incidents store.IncidentsStore
	evidence  store.EvidenceStore
	audits    store.AuditStore
	blobs     blob.Store
	access    *access.Engine
	validator *blob.Validator
	retry     blob.RetryPolicy
	publisher events.Publisher
	logger    *utils.Logger
	now       func() time.Time
}

func NewService(cfg config.EvidenceConfig, incidents store.IncidentsStore, evidence store.EvidenceStore, audits store.AuditStore, blobs blob.Store, engine *access.Engine, publisher events.Publisher, logger *utils.Logger) *Service {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{
		incidents: incidents,
		evidence:  evidence,
		audits:    audits,
		blobs:     blobs,
		access:    engine,
		validator: blob.NewValidator(cfg.MaxBytes, cfg.EffectiveAllowedTypes()),
		retry:     blob.RetryPolicy{Retries: cfg.UploadRetries, Timeout: cfg.UploadTimeout, Backoff: 500 * time.Millisecond},
		publisher: publisher,
		logger:    logger,
		now:       utils.NowUTC,
	}
}

// SetRetryPolicy overrides the upload retry settings.
func (s *Service) SetRetryPolicy(p blob.RetryPolicy) {
	s.retry = p
}

type SubmitInput struct {
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	IncidentType string  `json:"incident_type"`
	Location     *string `json:"location"`
	OccurredAt   string  `json:"occurred_at"`
}

func (in SubmitInput) validate() (*store.Incident, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.Invalid("title", "required")
	}
	if len([]rune(title)) > maxTitleLen {
		return nil, apperr.Invalid("title", "too long")
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return nil, apperr.Invalid("description", "required")
	}
	if len([]rune(desc)) > maxDescriptionLen {
		return nil, apperr.Invalid("description", "too long")
	}
	typ, err := store.ParseIncidentType(in.IncidentType)
	if err != nil {
		return nil, err
	}
	inc := &store.Incident{Title: title, Description: desc, IncidentType: typ}
	if inc.Location, err = cleanLocation(in.Location); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.OccurredAt) != "" {
		ts, err := parseISOTime(in.OccurredAt)
		if err != nil {
			return nil, apperr.Invalid("occurred_at", "unparseable time")
		}
		inc.OccurredAt = &ts
	}
	return inc, nil
}

func cleanLocation(raw *string) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*raw)
	if v == "" {
		return nil, nil
	}
	if len([]rune(v)) > maxLocationLen {
		return nil, apperr.Invalid("location", "too long")
	}
	return &v, nil
}

func parseISOTime(val string) (time.Time, error) {
	clean := strings.TrimSpace(val)
	if clean == "" {
		return time.Time{}, errors.New("empty time")
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02"}
	var lastErr error
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, clean); err == nil {
			return ts.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// Get returns the incident when the actor may see it. Rows the actor cannot
// see are reported as not found.
func (s *Service) Get(ctx context.Context, actor access.Actor, id string) (*store.Incident, error) {
	if !actor.Authenticated() {
		return nil, apperr.ErrAuthRequired
	}
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.access.Authorize(actor, access.EntityIncident, access.OpSelect, access.Resource{OwnerID: inc.UserID}); err != nil {
		return nil, hideForbidden(err)
	}
	return inc, nil
}

func (s *Service) load(ctx context.Context, id string) (*store.Incident, error) {
	if !store.IsValidID(id) {
		return nil, apperr.ErrNotFound
	}
	inc, err := s.incidents.GetIncident(ctx, id)
	if err != nil {
		return nil, apperr.Persistence("load incident", err)
	}
	if inc == nil {
		return nil, apperr.ErrNotFound
	}
	return inc, nil
}

func hideForbidden(err error) error {
	if errors.Is(err, apperr.ErrForbidden) {
		return apperr.ErrNotFound
	}
	return err
}

// ListMine returns the actor's own incidents, newest first.
func (s *Service) ListMine(ctx context.Context, actor access.Actor, limit, offset int) ([]store.Incident, error) {
	if !actor.Authenticated() {
		return nil, apperr.ErrAuthRequired
	}
	items, err := s.incidents.ListIncidents(ctx, store.IncidentFilter{UserID: actor.UserID, Limit: clampLimit(limit), Offset: max(offset, 0)})
	if err != nil {
		return nil, apperr.Persistence("list incidents", err)
	}
	return nonNil(items), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func nonNil(items []store.Incident) []store.Incident {
	if items == nil {
		return []store.Incident{}
	}
	return items
}

// IncidentPatch carries optional changes. A nil field is left untouched; an
// empty string clears a nullable column.
type IncidentPatch struct {
	Title         *string `json:"title"`
	Description   *string `json:"description"`
	Location      *string `json:"location"`
	OccurredAt    *string `json:"occurred_at"`
	IncidentType  *string `json:"incident_type"`
	Status        *string `json:"status"`
	ThreatLevel   *string `json:"threat_level"`
	AssignedTo    *string `json:"assigned_to"`
	PriorityScore *int    `json:"priority_score"`
}

type fieldChange struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

// apply validates the patch and writes it onto inc, returning the columns that changed.
func (p IncidentPatch) apply(inc *store.Incident) ([]fieldChange, error) {
	var changes []fieldChange
	record := func(field string, from, to any) {
		changes = append(changes, fieldChange{Field: field, From: from, To: to})
	}
	if p.Title != nil {
		v := strings.TrimSpace(*p.Title)
		if v == "" {
			return nil, apperr.Invalid("title", "required")
		}
		if len([]rune(v)) > maxTitleLen {
			return nil, apperr.Invalid("title", "too long")
		}
		if v != inc.Title {
			record("title", inc.Title, v)
			inc.Title = v
		}
	}
	if p.Description != nil {
		v := strings.TrimSpace(*p.Description)
		if v == "" {
			return nil, apperr.Invalid("description", "required")
		}
		if len([]rune(v)) > maxDescriptionLen {
			return nil, apperr.Invalid("description", "too long")
		}
		if v != inc.Description {
			record("description", nil, nil)
			inc.Description = v
		}
	}
	if p.Location != nil {
		loc, err := cleanLocation(p.Location)
		if err != nil {
			return nil, err
		}
		if derefString(loc) != derefString(inc.Location) {
			record("location", derefString(inc.Location), derefString(loc))
			inc.Location = loc
		}
	}
	if p.OccurredAt != nil {
		var at *time.Time
		if strings.TrimSpace(*p.OccurredAt) != "" {
			ts, err := parseISOTime(*p.OccurredAt)
			if err != nil {
				return nil, apperr.Invalid("occurred_at", "unparseable time")
			}
			at = &ts
		}
		if !sameTime(at, inc.OccurredAt) {
			record("occurred_at", inc.OccurredAt, at)
			inc.OccurredAt = at
		}
	}
	if p.IncidentType != nil {
		typ, err := store.ParseIncidentType(*p.IncidentType)
		if err != nil {
			return nil, err
		}
		if typ != inc.IncidentType {
			record("incident_type", inc.IncidentType, typ)
			inc.IncidentType = typ
		}
	}
	if p.Status != nil {
		st, err := store.ParseIncidentStatus(*p.Status)
		if err != nil {
			return nil, err
		}
		if st != inc.Status {
			record("status", inc.Status, st)
			inc.Status = st
		}
	}
	if p.ThreatLevel != nil {
		var lvl *store.ThreatLevel
		if strings.TrimSpace(*p.ThreatLevel) != "" {
			parsed, err := store.ParseThreatLevel(*p.ThreatLevel)
			if err != nil {
				return nil, err
			}
			lvl = &parsed
		}
		if threatString(lvl) != threatString(inc.ThreatLevel) {
			record("threat_level", threatString(inc.ThreatLevel), threatString(lvl))
			inc.ThreatLevel = lvl
		}
	}
	if p.AssignedTo != nil {
		var assignee *string
		if v := strings.TrimSpace(*p.AssignedTo); v != "" {
			if !store.IsValidID(v) {
				return nil, apperr.Invalid("assigned_to", "must be a user id")
			}
			v = strings.ToLower(v)
			assignee = &v
		}
		if derefString(assignee) != derefString(inc.AssignedTo) {
			record("assigned_to", derefString(inc.AssignedTo), derefString(assignee))
			inc.AssignedTo = assignee
		}
	}
	if p.PriorityScore != nil {
		if *p.PriorityScore < 0 {
			return nil, apperr.Invalid("priority_score", "must not be negative")
		}
		if *p.PriorityScore != inc.PriorityScore {
			record("priority_score", inc.PriorityScore, *p.PriorityScore)
			inc.PriorityScore = *p.PriorityScore
		}
	}
	return changes, nil
}

// fields lists the columns the patch touches, changed or not.
func (p IncidentPatch) fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(p.Title != nil, "title")
	add(p.Description != nil, "description")
	add(p.Location != nil, "location")
	add(p.OccurredAt != nil, "occurred_at")
	add(p.IncidentType != nil, "incident_type")
	add(p.Status != nil, "status")
	add(p.ThreatLevel != nil, "threat_level")
	add(p.AssignedTo != nil, "assigned_to")
	add(p.PriorityScore != nil, "priority_score")
	return out
}

// Update applies a patch through the row policy: the filer may change the
// descriptive fields of their own incident; triage fields need triage rights.
func (s *Service) Update(ctx context.Context, actor access.Actor, id string, patch IncidentPatch, ip string) (*store.Incident, error) {
	if !actor.Authenticated() {
		return nil, apperr.ErrAuthRequired
	}
	inc, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := s.access.Authorize(actor, access.EntityIncident, access.OpUpdate, access.Resource{OwnerID: inc.UserID}); err != nil {
		return nil, err
	}
	if err := s.access.CheckIncidentFields(actor, patch.fields()); err != nil {
		return nil, err
	}
	return s.save(ctx, actor, inc, patch, ip)
}

func (s *Service) save(ctx context.Context, actor access.Actor, inc *store.Incident, patch IncidentPatch, ip string) (*store.Incident, error) {
	prevStatus := inc.Status
	changes, err := patch.apply(inc)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return inc, nil
	}
	fields := make([]string, 0, len(changes))
	for _, ch := range changes {
		fields = append(fields, ch.Field)
	}
	if err := s.incidents.UpdateIncident(ctx, inc, fields...); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Persistence("update incident", err)
	}
	triaged := false
	for _, ch := range changes {
		s.audit(ctx, store.NewAuditEntry(actor.UserID, "incident.update."+ch.Field, "incident", inc.ID, ch).WithIP(ip))
		if _, filer := access.FilerFields[ch.Field]; !filer {
			triaged = true
		}
	}
	if triaged {
		metrics.IncidentsTriaged.WithLabelValues(string(inc.Status)).Inc()
		events.PublishQuietly(ctx, s.publisher, s.logger, events.RoutingIncidentTriaged, s.event(inc, actor.UserID, changes))
	}
	if s.logger != nil && prevStatus != inc.Status {
		s.logger.Printf("incident %s status %s -> %s by %s", inc.ID, prevStatus, inc.Status, actor.UserID)
	}
	return inc, nil
}

func (s *Service) event(inc *store.Incident, by string, changes []fieldChange) events.IncidentEvent {
	ev := events.IncidentEvent{
		IncidentID:    inc.ID,
		UserID:        inc.UserID,
		IncidentType:  string(inc.IncidentType),
		Status:        string(inc.Status),
		ThreatLevel:   threatString(inc.ThreatLevel),
		PriorityScore: inc.PriorityScore,
		ChangedBy:     by,
		OccurredAt:    s.now(),
	}
	for _, ch := range changes {
		ev.Changed = append(ev.Changed, ch.Field)
	}
	sort.Strings(ev.Changed)
	return ev
}

func (s *Service) audit(ctx context.Context, e *store.AuditEntry) {
	if s.audits == nil {
		return
	}
	if err := s.access.Authorize(access.Actor{UserID: derefString(e.UserID)}, access.EntityAudit, access.OpInsert, access.Resource{}); err != nil {
		return
	}
	if err := s.audits.Append(ctx, e); err != nil && s.logger != nil {
		s.logger.Errorf("audit %s: %v", e.Action, err)
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func threatString(l *store.ThreatLevel) string {
	if l == nil {
		return ""
	}
	return string(*l)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
