package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"incidentdesk/api/handlers"
	"incidentdesk/config"
	"incidentdesk/core/auth"
	"incidentdesk/core/metrics"
	"incidentdesk/core/rbac"
	"incidentdesk/core/store"

	"github.com/go-chi/chi/v5"
)

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if s.logger != nil {
					s.logger.Errorf("PANIC %s %s: %v\n%s", r.Method, r.URL.Path, rec, string(debug.Stack()))
				}
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

const (
	sessionActivityInterval = 30 * time.Second
	loginPayloadMaxBytes    = 64 * 1024
)

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if isHTTPSRequest(r, s.cfg) {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.logger != nil {
			s.logger.Debugf("REQ %s %s", r.Method, r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		holder := &sessionHolder{}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), sessionHolderKey{}, holder)))
		dur := time.Since(start)
		route := routePattern(r)
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(dur.Seconds())
		if s.logger != nil {
			user := "-"
			if holder.sess != nil {
				user = holder.sess.Email
			}
			s.logger.Printf("RESP %s %s user=%s status=%d dur=%s bytes=%d", r.Method, r.URL.Path, user, rec.status, dur, rec.size)
		}
	})
}

// sessionHolder lets withSession report the authenticated session back to the
// logging middleware, which runs outside the request context it enriches.
type sessionHolder struct {
	sess *store.SessionRecord
}

type sessionHolderKey struct{}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// credentialsFromRequest returns the session id carried by a bearer token or
// the session cookie. Bearer requests report the token subject too.
func (s *Server) credentialsFromRequest(r *http.Request) (sessID, subject string, bearer bool, err error) {
	if raw := strings.TrimSpace(r.Header.Get("Authorization")); raw != "" {
		const prefix = "bearer "
		if s.tokens == nil || len(raw) <= len(prefix) || strings.ToLower(raw[:len(prefix)]) != prefix {
			return "", "", true, auth.ErrInvalidToken
		}
		sid, sub, err := s.tokens.Parse(strings.TrimSpace(raw[len(prefix):]))
		return sid, sub, true, err
	}
	cookie, cerr := r.Cookie(handlers.SessionCookieName)
	if cerr != nil || cookie.Value == "" {
		return "", "", false, nil
	}
	return cookie.Value, "", false, nil
}

// authenticate resolves the caller's session. A non-empty reason explains a
// failure for the AUTH log line.
func (s *Server) authenticate(r *http.Request) (sr *store.SessionRecord, bearer bool, reason string) {
	sessID, subject, bearer, err := s.credentialsFromRequest(r)
	switch {
	case err != nil:
		return nil, bearer, "bad token: " + err.Error()
	case sessID == "" || s.sessions == nil:
		return nil, bearer, "missing credentials"
	}
	sr, err = s.sessions.Load(r.Context(), sessID)
	if err != nil || sr == nil {
		return nil, bearer, "session not found"
	}
	if bearer && subject != sr.UserID {
		return nil, bearer, "token subject mismatch"
	}
	return sr, bearer, ""
}

// csrfValid applies the double-submit check to state-changing cookie requests.
func csrfValid(r *http.Request, sr *store.SessionRecord) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	header := r.Header.Get("X-CSRF-Token")
	cookie, err := r.Cookie(handlers.CSRFCookieName)
	return header != "" && err == nil && header == cookie.Value && header == sr.CSRFToken
}

// activityInterval is half the online window, kept between 30s and a minute.
func (s *Server) activityInterval() time.Duration {
	if s.cfg == nil || s.cfg.Security.OnlineWindowSec <= 0 {
		return sessionActivityInterval
	}
	d := time.Duration(s.cfg.Security.OnlineWindowSec/2) * time.Second
	return min(max(d, sessionActivityInterval), time.Minute)
}

func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sr, bearer, reason := s.authenticate(r)
		if sr == nil {
			if s.logger != nil {
				s.logger.Printf("AUTH fail (%s) %s %s", reason, r.Method, r.URL.Path)
			}
			s.respondUnauthorized(w, r)
			return
		}
		if !bearer && !csrfValid(r, sr) {
			if s.logger != nil {
				s.logger.Printf("AUTH fail (csrf) %s %s user=%s", r.Method, r.URL.Path, sr.Email)
			}
			http.Error(w, "csrf invalid", http.StatusForbidden)
			return
		}
		if holder, ok := r.Context().Value(sessionHolderKey{}).(*sessionHolder); ok {
			holder.sess = sr
		}
		if s.activityTracker == nil || s.activityTracker.shouldUpdate(sr.ID, time.Now().UTC(), s.activityInterval()) {
			if err := s.sessions.Refresh(r.Context(), sr.ID); err != nil && s.logger != nil {
				s.logger.Errorf("session activity %s: %v", sr.ID, err)
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), auth.SessionContextKey, sr)))
	}
}

func (s *Server) respondUnauthorized(w http.ResponseWriter, r *http.Request) {
	if shouldRedirectToLogin(r) {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func shouldRedirectToLogin(r *http.Request) bool {
	if r == nil || r.URL == nil || r.Method != http.MethodGet {
		return false
	}
	path := strings.TrimSpace(r.URL.Path)
	if path == "" {
		return false
	}
	if strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/static/") {
		return false
	}
	accept := strings.ToLower(strings.TrimSpace(r.Header.Get("Accept")))
	if accept == "" {
		return true
	}
	return strings.Contains(accept, "text/html") || strings.Contains(accept, "*/*")
}

func (s *Server) requirePermission(perm rbac.Permission) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			sess := auth.SessionFromContext(r.Context())
			if sess == nil {
				if s.logger != nil {
					s.logger.Printf("PERM fail (no session) %s %s need=%s", r.Method, r.URL.Path, perm)
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if s.policy == nil || !s.policy.Allowed(sess.Roles, perm) {
				if s.logger != nil {
					s.logger.Printf("PERM fail %s %s user=%s roles=%v need=%s", r.Method, r.URL.Path, sess.Email, sess.Roles, perm)
				}
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}
	}
}

var loginLimiter = newLimiter(5, time.Minute)

// rateLimitMiddleware throttles sign-in and sign-up per client address and per email.
func (s *Server) rateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := s.clientIP(r)
		r.Body = http.MaxBytesReader(w, r.Body, loginPayloadMaxBytes+1)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var cred struct {
			Email string `json:"email"`
		}
		_ = json.Unmarshal(body, &cred)
		email := strings.ToLower(strings.TrimSpace(cred.Email))
		limiter := s.loginLimiter
		if limiter == nil {
			limiter = loginLimiter
		}
		if !limiter.allow(strings.ToLower(ip)) {
			http.Error(w, "too many attempts", http.StatusTooManyRequests)
			return
		}
		if email != "" && !limiter.allow("email|"+email) {
			http.Error(w, "too many attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) clientIP(r *http.Request) string {
	if s == nil {
		return handlers.ClientIP(r, nil)
	}
	return handlers.ClientIP(r, s.cfg)
}

func isHTTPSRequest(r *http.Request, cfg *config.AppConfig) bool {
	return handlers.IsSecureRequest(r, cfg)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
