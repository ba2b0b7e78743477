package handlers

import (
	"errors"
	"net/http"

	"incidentdesk/config"
	"incidentdesk/core/apperr"
	"incidentdesk/core/auth"
	"incidentdesk/core/rbac"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"
)

type AuthHandler struct {
	cfg    *config.AppConfig
	svc    *auth.Service
	policy *rbac.Policy
	logger *utils.Logger
}

func NewAuthHandler(cfg *config.AppConfig, svc *auth.Service, policy *rbac.Policy, logger *utils.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, svc: svc, policy: policy, logger: logger}
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var in auth.SignUpInput
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := h.svc.SignUp(r.Context(), in, ClientIP(r, h.cfg), r.UserAgent())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.setSessionCookies(w, r, res.Session)
	writeJSON(w, http.StatusCreated, h.sessionPayload(res))
}

func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var cred signInRequest
	if !decodeJSON(w, r, &cred) {
		return
	}
	res, err := h.svc.SignIn(r.Context(), cred.Email, cred.Password, ClientIP(r, h.cfg), r.UserAgent())
	if err != nil {
		if errors.Is(err, apperr.ErrAuthRequired) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.setSessionCookies(w, r, res.Session)
	writeJSON(w, http.StatusOK, h.sessionPayload(res))
}

func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	sess := auth.SessionFromContext(r.Context())
	if err := h.svc.SignOut(r.Context(), sess, ClientIP(r, h.cfg)); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.clearSessionCookies(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Current(r.Context(), auth.SessionFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionPayload(res))
}

func (h *AuthHandler) sessionPayload(res *auth.SignInResult) map[string]any {
	out := map[string]any{
		"identity":    res.Identity,
		"profile":     res.Profile,
		"roles":       res.Roles,
		"permissions": []string{},
	}
	if h.policy != nil {
		out["permissions"] = h.policy.Permissions(res.Roles)
	}
	if res.Session != nil {
		out["csrf_token"] = res.Session.CSRFToken
		out["expires_at"] = res.Session.ExpiresAt
	}
	if res.Token != "" {
		out["access_token"] = res.Token
		out["token_type"] = "Bearer"
	}
	return out
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, r *http.Request, sess *store.SessionRecord) {
	if sess == nil {
		return
	}
	cookieSecure := IsSecureRequest(r, h.cfg)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   cookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    sess.CSRFToken,
		Path:     "/",
		HttpOnly: false,
		Secure:   cookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter, r *http.Request) {
	cookieSecure := IsSecureRequest(r, h.cfg)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
