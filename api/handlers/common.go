package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"incidentdesk/config"
	"incidentdesk/core/access"
	"incidentdesk/core/apperr"
	"incidentdesk/core/auth"
	"incidentdesk/core/utils"
)

const (
	SessionCookieName = "incidentdesk_session"
	CSRFCookieName    = "incidentdesk_csrf"

	jsonBodyMaxBytes = 1 << 20
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps the service error taxonomy onto HTTP. Unknown errors
// are logged and reported as a bare 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *utils.Logger, err error) {
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]string{
				"code":   "validation",
				"field":  ve.Field,
				"reason": ve.Reason,
			},
		})
	case errors.Is(err, apperr.ErrAuthRequired):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, apperr.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, apperr.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, apperr.ErrConflict):
		http.Error(w, "conflict", http.StatusConflict)
	default:
		if logger != nil {
			logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		}
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}

// decodeJSON reads a bounded JSON body into out.
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, jsonBodyMaxBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return false
		}
		if errors.Is(err, io.EOF) {
			http.Error(w, "empty body", http.StatusBadRequest)
			return false
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

func parseIntDefault(val string, def int) int {
	if val == "" {
		return def
	}
	if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
		return n
	}
	return def
}

func actorFrom(r *http.Request) access.Actor {
	return auth.ActorFromContext(r.Context())
}

func attachmentDisposition(name string) string {
	fallback := safeFileName(name)
	if fallback == "" {
		fallback = "evidence"
	}
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": fallback}); v != "" {
		return v + "; filename*=UTF-8''" + url.PathEscape(name)
	}
	return "attachment; filename*=UTF-8''" + url.PathEscape(name)
}

func safeFileName(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_", "\"", "_")
	out := make([]rune, 0, len(name))
	for _, r := range replacer.Replace(name) {
		if r < 0x20 || r > 0x7e {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// ClientIP returns the caller address, honouring X-Forwarded-For and X-Real-IP
// only when the direct peer is a trusted proxy.
func ClientIP(r *http.Request, cfg *config.AppConfig) string {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	ip = strings.TrimSpace(ip)
	if cfg == nil || !isTrustedProxy(ip, cfg.Security.TrustedProxies) {
		return ip
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if candidate := extractClientIPFromXFF(xff, cfg.Security.TrustedProxies); candidate != "" {
			return candidate
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		if parsed := net.ParseIP(realIP); parsed != nil {
			return parsed.String()
		}
	}
	return ip
}

func IsSecureRequest(r *http.Request, cfg *config.AppConfig) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if cfg == nil {
		return false
	}
	if cfg.TLSEnabled {
		return true
	}
	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = strings.TrimSpace(r.RemoteAddr)
	}
	remoteIP = strings.TrimSpace(remoteIP)
	if !isTrustedProxy(remoteIP, cfg.Security.TrustedProxies) {
		return false
	}
	xffProto := strings.ToLower(strings.TrimSpace(strings.SplitN(r.Header.Get("X-Forwarded-Proto"), ",", 2)[0]))
	return xffProto == "https"
}

func extractClientIPFromXFF(xff string, trusted []string) string {
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(parts[i])
		parsed := net.ParseIP(candidate)
		if parsed == nil {
			continue
		}
		val := parsed.String()
		if !isTrustedProxy(val, trusted) {
			return val
		}
	}
	return ""
}

func isTrustedProxy(ip string, trusted []string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, raw := range trusted {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if strings.Contains(val, "/") {
			if _, block, err := net.ParseCIDR(val); err == nil && block.Contains(parsed) {
				return true
			}
			continue
		}
		if parsed.Equal(net.ParseIP(val)) {
			return true
		}
	}
	return false
}
