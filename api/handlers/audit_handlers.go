package handlers

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"incidentdesk/core/access"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"
)

type AuditHandler struct {
	audits store.AuditStore
	access *access.Engine
	logger *utils.Logger
}

func NewAuditHandler(audits store.AuditStore, engine *access.Engine, logger *utils.Logger) *AuditHandler {
	return &AuditHandler{audits: audits, access: engine, logger: logger}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	items, ok := h.filteredEntries(w, r, parseAuditFilter(r, 500))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	items, ok := h.filteredEntries(w, r, parseAuditFilter(r, 5000))
	if !ok {
		return
	}
	filename := "audit_" + time.Now().UTC().Format("20060102_150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"time", "user_id", "action", "entity_type", "entity_id", "ip_address", "details"})
	for i := range items {
		_ = writer.Write([]string{
			items[i].CreatedAt.UTC().Format(time.RFC3339),
			deref(items[i].UserID),
			items[i].Action,
			items[i].EntityType,
			deref(items[i].EntityID),
			deref(items[i].IPAddress),
			string(items[i].Details),
		})
	}
	writer.Flush()
}

func (h *AuditHandler) filteredEntries(w http.ResponseWriter, r *http.Request, filter store.AuditFilter) ([]store.AuditEntry, bool) {
	if err := h.access.Authorize(actorFrom(r), access.EntityAudit, access.OpSelect, access.Resource{}); err != nil {
		writeServiceError(w, r, h.logger, err)
		return nil, false
	}
	items, err := h.audits.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return nil, false
	}
	if items == nil {
		items = []store.AuditEntry{}
	}
	return items, true
}

func parseAuditFilter(r *http.Request, maxLimit int) store.AuditFilter {
	q := r.URL.Query()
	filter := store.AuditFilter{
		Action:     strings.ToLower(strings.TrimSpace(q.Get("action"))),
		EntityType: strings.ToLower(strings.TrimSpace(q.Get("entity_type"))),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
		UserID:     strings.ToLower(strings.TrimSpace(q.Get("user_id"))),
		Limit:      100,
		Offset:     max(parseIntDefault(q.Get("offset"), 0), 0),
	}
	if rawSince := strings.TrimSpace(q.Get("since")); rawSince != "" {
		if parsed, err := parseDateTime(rawSince); err == nil && !parsed.IsZero() {
			since := parsed.UTC()
			filter.Since = &since
		}
	}
	if n := parseIntDefault(q.Get("limit"), 0); n > 0 {
		filter.Limit = n
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	return filter
}

func parseDateTime(raw string) (time.Time, error) {
	val := strings.TrimSpace(raw)
	if val == "" {
		return time.Time{}, nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, val); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, strconv.ErrSyntax
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
