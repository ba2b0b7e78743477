package incidents

import (
	"context"
	"strings"

	"incidentdesk/core/access"
	"incidentdesk/core/apperr"
	"incidentdesk/core/rbac"
	"incidentdesk/core/store"
)

const (
	ViewAll      = "all"
	ViewCritical = "critical"
	ViewHigh     = "high"
	ViewPending  = "pending"
)

type TriageQuery struct {
	View         string
	Status       string
	ThreatLevel  string
	IncidentType string
	AssignedTo   string
	Search       string
	Limit        int
	Offset       int
}

// TriagePatch holds the fields an administrator changes while triaging.
type TriagePatch struct {
	Status        *string `json:"status"`
	ThreatLevel   *string `json:"threat_level"`
	AssignedTo    *string `json:"assigned_to"`
	PriorityScore *int    `json:"priority_score"`
}

// TriagePage is one window of the triage list. Total counts every match.
type TriagePage struct {
	Items  []store.Incident `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type Stats struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Pending  int `json:"pending"`
	Resolved int `json:"resolved"`
}

func (s *Service) requireTriage(actor access.Actor) error {
	if !actor.Authenticated() {
		return apperr.ErrAuthRequired
	}
	if !s.access.HasPermission(actor, rbac.PermIncidentsTriage) {
		return apperr.ErrForbidden
	}
	return nil
}

// triageFilter turns a view plus optional narrowing filters into a store
// filter. ok is false when the filters cannot match anything.
func triageFilter(q TriageQuery) (filter store.IncidentFilter, ok bool, err error) {
	filter = store.IncidentFilter{
		OrderByPriority: true,
		Search:          strings.TrimSpace(q.Search),
		Limit:           clampLimit(q.Limit),
		Offset:          max(q.Offset, 0),
	}
	switch strings.ToLower(strings.TrimSpace(q.View)) {
	case "", ViewAll:
	case ViewCritical:
		filter.ThreatLevels = []store.ThreatLevel{store.ThreatCritical}
	case ViewHigh:
		filter.ThreatLevels = []store.ThreatLevel{store.ThreatHigh}
	case ViewPending:
		filter.Statuses = append([]store.IncidentStatus(nil), store.PendingStatuses...)
	default:
		return filter, false, apperr.Invalid("view", "unknown view")
	}
	if strings.TrimSpace(q.Status) != "" {
		st, err := store.ParseIncidentStatus(q.Status)
		if err != nil {
			return filter, false, err
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, st) {
			return filter, false, nil
		}
		filter.Statuses = []store.IncidentStatus{st}
	}
	if strings.TrimSpace(q.ThreatLevel) != "" {
		lvl, err := store.ParseThreatLevel(q.ThreatLevel)
		if err != nil {
			return filter, false, err
		}
		if len(filter.ThreatLevels) > 0 && filter.ThreatLevels[0] != lvl {
			return filter, false, nil
		}
		filter.ThreatLevels = []store.ThreatLevel{lvl}
	}
	if strings.TrimSpace(q.IncidentType) != "" {
		typ, err := store.ParseIncidentType(q.IncidentType)
		if err != nil {
			return filter, false, err
		}
		filter.IncidentType = typ
	}
	if v := strings.TrimSpace(q.AssignedTo); v != "" {
		if !store.IsValidID(v) {
			return filter, false, apperr.Invalid("assigned_to", "must be a user id")
		}
		filter.AssignedTo = strings.ToLower(v)
	}
	return filter, true, nil
}

func containsStatus(items []store.IncidentStatus, st store.IncidentStatus) bool {
	for _, it := range items {
		if it == st {
			return true
		}
	}
	return false
}

// ListForTriage lists every incident by priority then recency, narrowed by view.
func (s *Service) ListForTriage(ctx context.Context, actor access.Actor, q TriageQuery) (*TriagePage, error) {
	if err := s.requireTriage(actor); err != nil {
		return nil, err
	}
	filter, ok, err := triageFilter(q)
	if err != nil {
		return nil, err
	}
	page := &TriagePage{Items: []store.Incident{}, Limit: filter.Limit, Offset: filter.Offset}
	if !ok {
		return page, nil
	}
	items, err := s.incidents.ListIncidents(ctx, filter)
	if err != nil {
		return nil, apperr.Persistence("list triage", err)
	}
	page.Items = nonNil(items)
	if page.Total, err = s.incidents.CountIncidents(ctx, filter); err != nil {
		return nil, apperr.Persistence("count triage", err)
	}
	return page, nil
}

// Triage updates any incident regardless of filer.
func (s *Service) Triage(ctx context.Context, actor access.Actor, id string, patch TriagePatch, ip string) (*store.Incident, error) {
	if err := s.requireTriage(actor); err != nil {
		return nil, err
	}
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.access.Authorize(actor, access.EntityIncident, access.OpUpdate, access.Resource{OwnerID: inc.UserID}); err != nil {
		return nil, err
	}
	return s.save(ctx, actor, inc, IncidentPatch{
		Status:        patch.Status,
		ThreatLevel:   patch.ThreatLevel,
		AssignedTo:    patch.AssignedTo,
		PriorityScore: patch.PriorityScore,
	}, ip)
}

func (s *Service) Stats(ctx context.Context, actor access.Actor) (*Stats, error) {
	if err := s.requireTriage(actor); err != nil {
		return nil, err
	}
	out := &Stats{}
	counts := []struct {
		dst    *int
		filter store.IncidentFilter
	}{
		{&out.Total, store.IncidentFilter{}},
		{&out.Critical, store.IncidentFilter{ThreatLevels: []store.ThreatLevel{store.ThreatCritical}}},
		{&out.High, store.IncidentFilter{ThreatLevels: []store.ThreatLevel{store.ThreatHigh}}},
		{&out.Pending, store.IncidentFilter{Statuses: store.PendingStatuses}},
		{&out.Resolved, store.IncidentFilter{Statuses: []store.IncidentStatus{store.StatusResolved, store.StatusClosed}}},
	}
	for _, c := range counts {
		n, err := s.incidents.CountIncidents(ctx, c.filter)
		if err != nil {
			return nil, apperr.Persistence("count incidents", err)
		}
		*c.dst = n
	}
	return out, nil
}
