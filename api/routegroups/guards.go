package routegroups

import "net/http"

// Guards wraps handlers with the server's session, permission and rate-limit checks.
type Guards struct {
	WithSession       func(http.HandlerFunc) http.HandlerFunc
	RequirePermission func(string) func(http.HandlerFunc) http.HandlerFunc
	RateLimit         func(http.HandlerFunc) http.HandlerFunc
}

func (g Guards) Session(h http.HandlerFunc) http.HandlerFunc {
	return g.WithSession(h)
}

func (g Guards) SessionPerm(perm string, h http.HandlerFunc) http.HandlerFunc {
	return g.WithSession(g.RequirePermission(perm)(h))
}

// Limited is for the unauthenticated sign-in and sign-up endpoints.
func (g Guards) Limited(h http.HandlerFunc) http.HandlerFunc {
	return g.RateLimit(h)
}
