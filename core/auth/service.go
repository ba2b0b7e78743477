package auth

import (
	"context"
	"errors"
	"strings"

	"incidentdesk/config"
	"incidentdesk/core/apperr"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"
)

type SignUpInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type SignInResult struct {
	Identity *store.Identity      `json:"identity"`
	Profile  *store.Profile       `json:"profile,omitempty"`
	Roles    []string             `json:"roles"`
	Session  *store.SessionRecord `json:"-"`
	Token    string               `json:"access_token,omitempty"`
}

type Service struct {
	cfg        *config.AppConfig
	identities store.IdentitiesStore
	profiles   store.ProfilesStore
	roles      store.RolesStore
	sessions   *SessionManager
	tokens     *TokenIssuer
	audits     store.AuditStore
	logger     *utils.Logger
}

func NewService(cfg *config.AppConfig, identities store.IdentitiesStore, profiles store.ProfilesStore, roles store.RolesStore, sessions *SessionManager, tokens *TokenIssuer, audits store.AuditStore, logger *utils.Logger) *Service {
	return &Service{cfg: cfg, identities: identities, profiles: profiles, roles: roles, sessions: sessions, tokens: tokens, audits: audits, logger: logger}
}

// SignUp registers the identity with its profile and default role, then opens a session.
func (s *Service) SignUp(ctx context.Context, in SignUpInput, ip, userAgent string) (*SignInResult, error) {
	email := utils.NormalizeEmail(in.Email)
	if err := utils.ValidateEmail(email); err != nil {
		return nil, apperr.Invalid("email", "invalid email")
	}
	hash, err := HashPassword(in.Password, s.cfg.Pepper)
	if err != nil {
		if errors.Is(err, ErrWeakPassword) {
			return nil, apperr.Invalid("password", "must be 8 to 256 characters")
		}
		return nil, err
	}
	ident := &store.Identity{Email: email, PasswordHash: hash}
	profile, err := s.identities.Register(ctx, ident, in.FullName)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, store.NewAuditEntry(ident.ID, "auth.signup", "identity", ident.ID, nil).WithIP(ip))
	res, err := s.openSession(ctx, ident, ip, userAgent)
	if err != nil {
		return nil, err
	}
	res.Profile = profile
	return res, nil
}

func (s *Service) SignIn(ctx context.Context, email, password, ip, userAgent string) (*SignInResult, error) {
	email = utils.NormalizeEmail(email)
	ident, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		return nil, apperr.Persistence("load identity", err)
	}
	if ident == nil || ident.Disabled || !VerifyPassword(password, s.cfg.Pepper, ident.PasswordHash) {
		s.audit(ctx, store.NewAuditEntry("", "auth.signin_failed", "identity", "", map[string]string{"email": email}).WithIP(ip))
		return nil, apperr.ErrAuthRequired
	}
	now := utils.NowUTC()
	if err := s.identities.TouchSignIn(ctx, ident.ID, now); err != nil && s.logger != nil {
		s.logger.Errorf("touch sign-in for %s: %v", ident.ID, err)
	}
	ident.LastSignInAt = &now
	res, err := s.openSession(ctx, ident, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if profile, err := s.profiles.Get(ctx, ident.ID); err == nil {
		res.Profile = profile
	}
	s.audit(ctx, store.NewAuditEntry(ident.ID, "auth.signin", "identity", ident.ID, nil).WithIP(ip))
	return res, nil
}

func (s *Service) SignOut(ctx context.Context, sess *store.SessionRecord, ip string) error {
	if sess == nil {
		return apperr.ErrAuthRequired
	}
	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		return apperr.Persistence("delete session", err)
	}
	s.audit(ctx, store.NewAuditEntry(sess.UserID, "auth.signout", "identity", sess.UserID, nil).WithIP(ip))
	return nil
}

// Current reports the identity behind a live session.
func (s *Service) Current(ctx context.Context, sess *store.SessionRecord) (*SignInResult, error) {
	if sess == nil {
		return nil, apperr.ErrAuthRequired
	}
	ident, err := s.identities.Get(ctx, sess.UserID)
	if err != nil {
		return nil, apperr.Persistence("load identity", err)
	}
	if ident == nil {
		return nil, apperr.ErrAuthRequired
	}
	profile, err := s.profiles.Get(ctx, ident.ID)
	if err != nil {
		return nil, apperr.Persistence("load profile", err)
	}
	return &SignInResult{Identity: ident, Profile: profile, Roles: sess.Roles, Session: sess}, nil
}

func (s *Service) openSession(ctx context.Context, ident *store.Identity, ip, userAgent string) (*SignInResult, error) {
	roles, err := s.roles.RolesOf(ctx, ident.ID)
	if err != nil {
		return nil, apperr.Persistence("load roles", err)
	}
	names := store.RolesToStrings(roles)
	sess, err := s.sessions.Create(ctx, ident, names, ip, strings.TrimSpace(userAgent))
	if err != nil {
		return nil, apperr.Persistence("create session", err)
	}
	res := &SignInResult{Identity: ident, Roles: names, Session: sess}
	if s.tokens != nil && s.cfg.Security.BearerTokens {
		token, err := s.tokens.Issue(sess)
		if err != nil {
			return nil, err
		}
		res.Token = token
	}
	return res, nil
}

func (s *Service) audit(ctx context.Context, e *store.AuditEntry) {
	if s.audits == nil {
		return
	}
	if err := s.audits.Append(ctx, e); err != nil && s.logger != nil {
		s.logger.Errorf("audit %s: %v", e.Action, err)
	}
}
