package handlers

import (
	"net/http"

	"incidentdesk/config"
	"incidentdesk/core/accounts"
	"incidentdesk/core/utils"
)

// AccountsHandler serves profiles and role assignments.
type AccountsHandler struct {
	cfg    *config.AppConfig
	svc    *accounts.Service
	logger *utils.Logger
}

func NewAccountsHandler(cfg *config.AppConfig, svc *accounts.Service, logger *utils.Logger) *AccountsHandler {
	return &AccountsHandler{cfg: cfg, svc: svc, logger: logger}
}

func (h *AccountsHandler) OwnProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.OwnProfile(r.Context(), actorFrom(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *AccountsHandler) UpdateOwnProfile(w http.ResponseWriter, r *http.Request) {
	var in accounts.ProfileInput
	if !decodeJSON(w, r, &in) {
		return
	}
	p, err := h.svc.UpdateOwnProfile(r.Context(), actorFrom(r), in, ClientIP(r, h.cfg))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *AccountsHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.svc.ListProfiles(r.Context(), actorFrom(r), q.Get("q"), parseIntDefault(q.Get("limit"), 0), parseIntDefault(q.Get("offset"), 0))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *AccountsHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Profile(r.Context(), actorFrom(r), pathParams(r)["id"])
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *AccountsHandler) MyRoles(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.MyRoles(r.Context(), actorFrom(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *AccountsHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListRoles(r.Context(), actorFrom(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type roleRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (h *AccountsHandler) GrantRole(w http.ResponseWriter, r *http.Request) {
	var in roleRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	a, err := h.svc.GrantRole(r.Context(), actorFrom(r), in.UserID, in.Role, ClientIP(r, h.cfg))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *AccountsHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	var in roleRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	a, err := h.svc.ChangeRole(r.Context(), actorFrom(r), pathParams(r)["id"], in.Role, ClientIP(r, h.cfg))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *AccountsHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RevokeRole(r.Context(), actorFrom(r), pathParams(r)["id"], ClientIP(r, h.cfg)); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
