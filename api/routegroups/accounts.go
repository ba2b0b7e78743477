package routegroups

import (
	"incidentdesk/api/handlers"

	"github.com/go-chi/chi/v5"
)

func RegisterAuth(apiRouter chi.Router, g Guards, auth *handlers.AuthHandler) {
	apiRouter.Route("/auth", func(authRouter chi.Router) {
		authRouter.MethodFunc("POST", "/signup", g.Limited(auth.SignUp))
		authRouter.MethodFunc("POST", "/signin", g.Limited(auth.SignIn))
		authRouter.MethodFunc("POST", "/signout", g.Session(auth.SignOut))
		authRouter.MethodFunc("GET", "/session", g.Session(auth.Session))
	})
}

func RegisterAccounts(apiRouter chi.Router, g Guards, accounts *handlers.AccountsHandler) {
	apiRouter.MethodFunc("GET", "/profile", g.Session(accounts.OwnProfile))
	apiRouter.MethodFunc("PUT", "/profile", g.SessionPerm("profile.self", accounts.UpdateOwnProfile))

	apiRouter.Route("/profiles", func(profilesRouter chi.Router) {
		profilesRouter.MethodFunc("GET", "/", g.SessionPerm("profiles.read_any", accounts.ListProfiles))
		profilesRouter.MethodFunc("GET", "/{id}", g.Session(accounts.GetProfile))
	})

	apiRouter.Route("/roles", func(rolesRouter chi.Router) {
		rolesRouter.MethodFunc("GET", "/me", g.Session(accounts.MyRoles))
		rolesRouter.MethodFunc("GET", "/", g.SessionPerm("roles.manage", accounts.ListRoles))
		rolesRouter.MethodFunc("POST", "/", g.SessionPerm("roles.manage", accounts.GrantRole))
		rolesRouter.MethodFunc("PUT", "/{id}", g.SessionPerm("roles.manage", accounts.ChangeRole))
		rolesRouter.MethodFunc("DELETE", "/{id}", g.SessionPerm("roles.manage", accounts.RevokeRole))
	})
}
