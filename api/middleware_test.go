package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"incidentdesk/api/handlers"
	"incidentdesk/config"
	"incidentdesk/core/auth"
	"incidentdesk/core/rbac"
	"incidentdesk/core/store"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func withSessionRecord(r *http.Request, roles ...string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), auth.SessionContextKey, &store.SessionRecord{
		Email: "someone@example.com",
		Roles: roles,
	}))
}

func TestRequirePermission(t *testing.T) {
	s := &Server{policy: rbac.NewPolicy(rbac.DefaultRoles())}
	cases := []struct {
		roles []string
		want  int
	}{
		{[]string{"user"}, http.StatusForbidden},
		{[]string{"user", "admin"}, http.StatusOK},
		{[]string{"user", "cert_admin"}, http.StatusOK},
	}
	for _, tc := range cases {
		h := s.requirePermission(rbac.PermIncidentsTriage)(okHandler)
		rr := httptest.NewRecorder()
		h(rr, withSessionRecord(httptest.NewRequest(http.MethodGet, "/api/triage/incidents", nil), tc.roles...))
		if rr.Code != tc.want {
			t.Fatalf("roles %v: expected %d, got %d", tc.roles, tc.want, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	s.requirePermission(rbac.PermAuditRead)(okHandler)(rr, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no session must be unauthorized, got %d", rr.Code)
	}
}

// proxyServer trusts the reverse proxies at 10.0.0.10 and 10.0.0.11.
func proxyServer() *Server {
	return &Server{cfg: &config.AppConfig{Security: config.SecurityConfig{TrustedProxies: []string{"10.0.0.10", "10.0.0.11"}}}}
}

func TestForwardedProtoTrust(t *testing.T) {
	s := proxyServer()
	cases := []struct {
		name   string
		remote string
		tls    bool
		https  bool
	}{
		{"direct tls", "192.168.1.20:1000", true, true},
		{"trusted proxy", "10.0.0.10:1000", false, true},
		{"untrusted source", "192.168.1.20:1000", false, false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		req.Header.Set("X-Forwarded-Proto", "https")
		if tc.tls {
			req.TLS = &tls.ConnectionState{}
		}
		if got := isHTTPSRequest(req, s.cfg); got != tc.https {
			t.Fatalf("%s: isHTTPSRequest=%v, want %v", tc.name, got, tc.https)
		}
		rr := httptest.NewRecorder()
		s.securityHeadersMiddleware(http.HandlerFunc(okHandler)).ServeHTTP(rr, req)
		if hsts := rr.Header().Get("Strict-Transport-Security") != ""; hsts != tc.https {
			t.Fatalf("%s: HSTS present=%v, want %v", tc.name, hsts, tc.https)
		}
		if rr.Header().Get("X-Frame-Options") != "DENY" {
			t.Fatalf("%s: frame options missing", tc.name)
		}
	}
}

func TestClientIPResolution(t *testing.T) {
	s := proxyServer()
	cases := []struct {
		remote, xff, realIP, want string
	}{
		{"10.0.0.10:5000", "203.0.113.9, 10.0.0.11", "", "203.0.113.9"},
		{"192.168.1.20:5000", "203.0.113.9, 10.0.0.10", "", "192.168.1.20"},
		{"10.0.0.10:5000", "garbage,not-an-ip", "198.51.100.8", "198.51.100.8"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/signin", nil)
		req.RemoteAddr = tc.remote
		req.Header.Set("X-Forwarded-For", tc.xff)
		if tc.realIP != "" {
			req.Header.Set("X-Real-IP", tc.realIP)
		}
		if got := s.clientIP(req); got != tc.want {
			t.Fatalf("remote %s xff %q: got %s, want %s", tc.remote, tc.xff, got, tc.want)
		}
	}
}

func TestWithSessionUnauthorized(t *testing.T) {
	s := &Server{}
	h := s.withSession(okHandler)

	page := httptest.NewRequest(http.MethodGet, "/incidents/10", nil)
	page.Header.Set("Accept", "text/html")
	rr := httptest.NewRecorder()
	h(rr, page)
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/login" {
		t.Fatalf("page request must redirect to /login, got %d %q", rr.Code, rr.Header().Get("Location"))
	}

	apiReq := httptest.NewRequest(http.MethodGet, "/api/incidents", nil)
	apiReq.Header.Set("Accept", "application/json")
	rr = httptest.NewRecorder()
	h(rr, apiReq)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("api request must get 401, got %d", rr.Code)
	}

	basic := httptest.NewRequest(http.MethodGet, "/api/incidents", nil)
	basic.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	rr = httptest.NewRecorder()
	h(rr, basic)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("non-bearer authorization must get 401, got %d", rr.Code)
	}
}

func TestCSRFValid(t *testing.T) {
	sr := &store.SessionRecord{CSRFToken: "tok"}
	build := func(method, header, cookie string) *http.Request {
		req := httptest.NewRequest(method, "/api/incidents", nil)
		if header != "" {
			req.Header.Set("X-CSRF-Token", header)
		}
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: handlers.CSRFCookieName, Value: cookie})
		}
		return req
	}
	if !csrfValid(build(http.MethodGet, "", ""), sr) {
		t.Fatalf("safe methods skip the check")
	}
	if !csrfValid(build(http.MethodPost, "tok", "tok"), sr) {
		t.Fatalf("matching header and cookie must pass")
	}
	if csrfValid(build(http.MethodPost, "tok", ""), sr) {
		t.Fatalf("missing cookie must fail")
	}
	if csrfValid(build(http.MethodPatch, "other", "other"), sr) {
		t.Fatalf("token not bound to the session must fail")
	}
}

func TestLimiterRefillsOverWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := newLimiter(2, time.Minute)
	l.now = func() time.Time { return now }
	if !l.allow("k") || !l.allow("k") {
		t.Fatalf("first two attempts must pass")
	}
	if l.allow("k") {
		t.Fatalf("third attempt within the window must be refused")
	}
	if !l.allow("other") {
		t.Fatalf("buckets are per key")
	}
	now = now.Add(31 * time.Second)
	if !l.allow("k") {
		t.Fatalf("half a window restores one attempt")
	}
	if l.allow("k") {
		t.Fatalf("only one attempt was restored")
	}
}

func TestSessionActivityThrottles(t *testing.T) {
	sa := newSessionActivity()
	now := time.Now()
	if !sa.shouldUpdate("s1", now, time.Minute) {
		t.Fatalf("first touch must update")
	}
	if sa.shouldUpdate("s1", now.Add(10*time.Second), time.Minute) {
		t.Fatalf("touch inside the interval must be skipped")
	}
	if !sa.shouldUpdate("s1", now.Add(2*time.Minute), time.Minute) {
		t.Fatalf("touch after the interval must update")
	}
}

func TestActivityIntervalBounds(t *testing.T) {
	for window, want := range map[int]time.Duration{0: 30 * time.Second, 20: 30 * time.Second, 90: 45 * time.Second, 600: time.Minute} {
		s := &Server{cfg: &config.AppConfig{Security: config.SecurityConfig{OnlineWindowSec: window}}}
		if got := s.activityInterval(); got != want {
			t.Fatalf("window %ds: got %s, want %s", window, got, want)
		}
	}
}
