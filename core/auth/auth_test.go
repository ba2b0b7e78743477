package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"incidentdesk/config"
	"incidentdesk/core/apperr"
	"incidentdesk/core/store"
	"incidentdesk/core/store/storetest"
	"incidentdesk/core/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, *store.DB) {
	t.Helper()
	db := storetest.Open(t)
	cfg := &config.AppConfig{Pepper: "pepper", SessionTTL: time.Hour, Security: config.SecurityConfig{BearerTokens: true}}
	roles := store.NewRolesStore(db)
	sm := NewSessionManager(store.NewSessionsStore(db), roles, cfg, utils.NewNopLogger())
	svc := NewService(cfg, store.NewIdentitiesStore(db), store.NewProfilesStore(db), roles, sm,
		NewTokenIssuer("jwt-secret"), store.NewAuditStore(db), utils.NewNopLogger())
	return svc, db
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse", "pep")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("correct horse", "pep", hash))
	assert.False(t, VerifyPassword("correct horse", "other", hash))
	assert.False(t, VerifyPassword("wrong", "pep", hash))
	_, err = HashPassword("short", "pep")
	assert.ErrorIs(t, err, ErrWeakPassword)
}

func TestTokenIssueAndParse(t *testing.T) {
	issuer := NewTokenIssuer("secret")
	now := time.Now().UTC()
	sess := &store.SessionRecord{ID: "sid-1", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	tok, err := issuer.Issue(sess)
	require.NoError(t, err)
	sid, sub, err := issuer.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "sid-1", sid)
	assert.Equal(t, "user-1", sub)

	_, _, err = NewTokenIssuer("other").Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := &store.SessionRecord{ID: "sid-2", UserID: "user-1", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	tok, err = issuer.Issue(expired)
	require.NoError(t, err)
	_, _, err = issuer.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.Nil(t, NewTokenIssuer(""))
}

func TestSignUpBootstrapsAccount(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	res, err := svc.SignUp(ctx, SignUpInput{Email: " New@Example.com ", Password: "password123", FullName: "Jane Doe"}, "127.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", res.Identity.Email)
	assert.Equal(t, "Jane Doe", res.Profile.FullName)
	assert.Equal(t, []string{"user"}, res.Roles)
	assert.NotEmpty(t, res.Token)
	require.NotNil(t, res.Session)

	loaded, err := svc.sessions.Load(ctx, res.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, []string{"user"}, loaded.Roles)

	entries, err := store.NewAuditStore(db).List(ctx, store.AuditFilter{Action: "auth.signup"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSignUpValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, SignUpInput{Email: "not-an-email", Password: "password123"}, "", "")
	assert.True(t, apperr.IsValidation(err))
	_, err = svc.SignUp(ctx, SignUpInput{Email: "a@example.com", Password: "123"}, "", "")
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.SignUp(ctx, SignUpInput{Email: "a@example.com", Password: "password123"}, "", "")
	require.NoError(t, err)
	_, err = svc.SignUp(ctx, SignUpInput{Email: "A@example.com", Password: "password123"}, "", "")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestSignInAndSignOut(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, SignUpInput{Email: "b@example.com", Password: "password123"}, "", "")
	require.NoError(t, err)

	_, err = svc.SignIn(ctx, "b@example.com", "wrong-password", "", "")
	assert.ErrorIs(t, err, apperr.ErrAuthRequired)

	res, err := svc.SignIn(ctx, "B@example.com", "password123", "10.0.0.1", "ua")
	require.NoError(t, err)
	assert.Equal(t, store.DefaultFullName, res.Profile.FullName)
	require.NotNil(t, res.Identity.LastSignInAt)

	cur, err := svc.Current(ctx, res.Session)
	require.NoError(t, err)
	assert.Equal(t, res.Identity.ID, cur.Identity.ID)

	require.NoError(t, svc.SignOut(ctx, res.Session, ""))
	loaded, err := svc.sessions.Load(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSessionRolesReflectGrants(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	res, err := svc.SignUp(ctx, SignUpInput{Email: "c@example.com", Password: "password123"}, "", "")
	require.NoError(t, err)
	require.NoError(t, store.NewRolesStore(db).Grant(ctx, &store.RoleAssignment{UserID: res.Identity.ID, Role: store.RoleAdmin}))
	loaded, err := svc.sessions.Load(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user", "admin"}, loaded.Roles)
}
