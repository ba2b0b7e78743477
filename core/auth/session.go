package auth

import (
	"context"

	"incidentdesk/config"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"

	"github.com/gofrs/uuid/v5"
)

type SessionManager struct {
	store  store.SessionStore
	roles  store.RolesStore
	cfg    *config.AppConfig
	logger *utils.Logger
}

func NewSessionManager(sessions store.SessionStore, roles store.RolesStore, cfg *config.AppConfig, logger *utils.Logger) *SessionManager {
	return &SessionManager{store: sessions, roles: roles, cfg: cfg, logger: logger}
}

func (m *SessionManager) Create(ctx context.Context, ident *store.Identity, roles []string, ip, userAgent string) (*store.SessionRecord, error) {
	id := uuid.Must(uuid.NewV4()).String()
	csrf, err := utils.RandString(32)
	if err != nil {
		return nil, err
	}
	now := utils.NowUTC()
	sess := &store.SessionRecord{
		ID:         id,
		UserID:     ident.ID,
		Email:      ident.Email,
		Roles:      roles,
		CSRFToken:  csrf,
		IP:         ip,
		UserAgent:  userAgent,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(m.cfg.EffectiveSessionTTL()),
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load returns the live session with its current role set, or nil.
// Roles are read on every request so grants and revocations apply immediately.
func (m *SessionManager) Load(ctx context.Context, sessID string) (*store.SessionRecord, error) {
	sess, err := m.store.GetSession(ctx, sessID)
	if err != nil || sess == nil {
		return nil, err
	}
	roles, err := m.roles.RolesOf(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	sess.Roles = store.RolesToStrings(roles)
	return sess, nil
}

func (m *SessionManager) Refresh(ctx context.Context, sessID string) error {
	return m.store.UpdateActivity(ctx, sessID, utils.NowUTC(), m.cfg.EffectiveSessionTTL())
}

func (m *SessionManager) Delete(ctx context.Context, sessID string) error {
	return m.store.DeleteSession(ctx, sessID)
}

func (m *SessionManager) PurgeExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, utils.NowUTC())
}
