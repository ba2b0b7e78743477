package auth

import (
	"context"

	"incidentdesk/core/access"
	"incidentdesk/core/store"
)

type ctxKey string

const SessionContextKey ctxKey = "session"

func SessionFromContext(ctx context.Context) *store.SessionRecord {
	if ctx == nil {
		return nil
	}
	sess, _ := ctx.Value(SessionContextKey).(*store.SessionRecord)
	return sess
}

// ActorFromContext returns the zero Actor for anonymous requests.
func ActorFromContext(ctx context.Context) access.Actor {
	sess := SessionFromContext(ctx)
	if sess == nil {
		return access.Actor{}
	}
	return access.Actor{UserID: sess.UserID, Roles: sess.Roles}
}
