// Package accounts manages profiles and role assignments on behalf of a caller.
package accounts

import (
	"context"
	"errors"
	"strings"

	"incidentdesk/core/access"
	"incidentdesk/core/apperr"
	"incidentdesk/core/rbac"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"
)

const (
	maxNameLen  = 200
	maxFieldLen = 120
)

type Service struct {
	profiles store.ProfilesStore
	roles    store.RolesStore
	audits   store.AuditStore
	access   *access.Engine
	logger   *utils.Logger
}

func NewService(profiles store.ProfilesStore, roles store.RolesStore, audits store.AuditStore, engine *access.Engine, logger *utils.Logger) *Service {
	return &Service{profiles: profiles, roles: roles, audits: audits, access: engine, logger: logger}
}

type ProfileInput struct {
	FullName *string `json:"full_name"`
	Rank     *string `json:"rank"`
	Unit     *string `json:"unit"`
	Phone    *string `json:"phone"`
}

func optionalField(name string, raw *string, current *string) (*string, error) {
	if raw == nil {
		return current, nil
	}
	v := strings.TrimSpace(*raw)
	if v == "" {
		return nil, nil
	}
	if len([]rune(v)) > maxFieldLen {
		return nil, apperr.Invalid(name, "too long")
	}
	return &v, nil
}

func (in ProfileInput) applyTo(p *store.Profile) error {
	if in.FullName != nil {
		name := strings.TrimSpace(*in.FullName)
		if name == "" {
			return apperr.Invalid("full_name", "required")
		}
		if len([]rune(name)) > maxNameLen {
			return apperr.Invalid("full_name", "too long")
		}
		p.FullName = name
	}
	var err error
	if p.Rank, err = optionalField("rank", in.Rank, p.Rank); err != nil {
		return err
	}
	if p.Unit, err = optionalField("unit", in.Unit, p.Unit); err != nil {
		return err
	}
	if p.Phone, err = optionalField("phone", in.Phone, p.Phone); err != nil {
		return err
	}
	return nil
}

func (s *Service) OwnProfile(ctx context.Context, actor access.Actor) (*store.Profile, error) {
	if !actor.Authenticated() {
		return nil, apperr.ErrAuthRequired
	}
	p, err := s.profiles.Get(ctx, actor.UserID)
	if err != nil {
		return nil, apperr.Persistence("load profile", err)
	}
	if p == nil {
		return nil, apperr.ErrNotFound
	}
	return p, nil
}

// UpdateOwnProfile updates the caller's profile, creating it when missing.
func (s *Service) UpdateOwnProfile(ctx context.Context, actor access.Actor, in ProfileInput, ip string) (*store.Profile, error) {
	if !actor.Authenticated() {
		return nil, apperr.ErrAuthRequired
	}
	res := access.Resource{OwnerID: actor.UserID}
	current, err := s.profiles.Get(ctx, actor.UserID)
	if err != nil {
		return nil, apperr.Persistence("load profile", err)
	}
	if current == nil {
		if err := s.access.Authorize(actor, access.EntityProfile, access.OpInsert, res); err != nil {
			return nil, err
		}
		p := &store.Profile{ID: actor.UserID}
		if err := in.applyTo(p); err != nil {
			return nil, err
		}
		if err := s.profiles.Insert(ctx, p); err != nil {
			return nil, apperr.Persistence("insert profile", err)
		}
		s.audit(ctx, store.NewAuditEntry(actor.UserID, "profile.create", "profile", p.ID, nil).WithIP(ip))
		return p, nil
	}
	if err := s.access.Authorize(actor, access.EntityProfile, access.OpUpdate, res); err != nil {
		return nil, err
	}
	if err := in.applyTo(current); err != nil {
		return nil, err
	}
	if err := s.profiles.Update(ctx, current); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Persistence("update profile", err)
	}
	s.audit(ctx, store.NewAuditEntry(actor.UserID, "profile.update", "profile", current.ID, nil).WithIP(ip))
	return current, nil
}

// Profile returns another identity's profile when the caller may see it.
func (s *Service) Profile(ctx context.Context, actor access.Actor, id string) (*store.Profile, error) {
	if !actor.Authenticated() {
		return nil, apperr.ErrAuthRequired
	}
	if !store.IsValidID(id) {
		return nil, apperr.ErrNotFound
	}
	if err := s.access.Authorize(actor, access.EntityProfile, access.OpSelect, access.Resource{OwnerID: id}); err != nil {
		if errors.Is(err, apperr.ErrForbidden) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	p, err := s.profiles.Get(ctx, id)
	if err != nil {
		return nil, apperr.Persistence("load profile", err)
	}
	if p == nil {
		return nil, apperr.ErrNotFound
	}
	return p, nil
}

func (s *Service) ListProfiles(ctx context.Context, actor access.Actor, search string, limit, offset int) ([]store.Profile, error) {
	if !actor.Authenticated() {
		return nil, apperr.ErrAuthRequired
	}
	if !s.access.HasPermission(actor, rbac.PermProfilesReadAny) {
		return nil, apperr.ErrForbidden
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	items, err := s.profiles.List(ctx, strings.TrimSpace(search), limit, max(offset, 0))
	if err != nil {
		return nil, apperr.Persistence("list profiles", err)
	}
	if items == nil {
		items = []store.Profile{}
	}
	return items, nil
}

func (s *Service) MyRoles(ctx context.Context, actor access.Actor) ([]store.RoleAssignment, error) {
	if !actor.Authenticated() {
		return nil, apperr.ErrAuthRequired
	}
	if err := s.access.Authorize(actor, access.EntityRoleAssignment, access.OpSelect, access.Resource{OwnerID: actor.UserID}); err != nil {
		return nil, err
	}
	items, err := s.roles.ListForUser(ctx, actor.UserID)
	if err != nil {
		return nil, apperr.Persistence("list roles", err)
	}
	return nonNilRoles(items), nil
}

func (s *Service) ListRoles(ctx context.Context, actor access.Actor) ([]store.RoleAssignment, error) {
	if err := s.access.Authorize(actor, access.EntityRoleAssignment, access.OpSelect, access.Resource{}); err != nil {
		return nil, err
	}
	items, err := s.roles.List(ctx)
	if err != nil {
		return nil, apperr.Persistence("list roles", err)
	}
	return nonNilRoles(items), nil
}

func nonNilRoles(items []store.RoleAssignment) []store.RoleAssignment {
	if items == nil {
		return []store.RoleAssignment{}
	}
	return items
}

func (s *Service) GrantRole(ctx context.Context, actor access.Actor, userID, role, ip string) (*store.RoleAssignment, error) {
	userID = strings.ToLower(strings.TrimSpace(userID))
	if err := s.access.Authorize(actor, access.EntityRoleAssignment, access.OpInsert, access.Resource{OwnerID: userID}); err != nil {
		return nil, err
	}
	if !store.IsValidID(userID) {
		return nil, apperr.Invalid("user_id", "must be a user id")
	}
	parsed, err := store.ParseRole(role)
	if err != nil {
		return nil, err
	}
	a := &store.RoleAssignment{UserID: userID, Role: parsed}
	if actor.UserID != "" {
		by := actor.UserID
		a.AssignedBy = &by
	}
	if err := s.roles.Grant(ctx, a); err != nil {
		if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Persistence("grant role", err)
	}
	s.audit(ctx, store.NewAuditEntry(actor.UserID, "role.grant", "role_assignment", a.ID, map[string]string{
		"user_id": userID,
		"role":    string(parsed),
	}).WithIP(ip))
	if s.logger != nil {
		s.logger.Printf("role %s granted to %s by %s", parsed, userID, actor.UserID)
	}
	return a, nil
}

func (s *Service) ChangeRole(ctx context.Context, actor access.Actor, id, role, ip string) (*store.RoleAssignment, error) {
	current, err := s.loadAssignment(ctx, actor, id, access.OpUpdate)
	if err != nil {
		return nil, err
	}
	parsed, err := store.ParseRole(role)
	if err != nil {
		return nil, err
	}
	if parsed == current.Role {
		return current, nil
	}
	if err := s.guardLastCertAdmin(ctx, current); err != nil {
		return nil, err
	}
	if err := s.roles.UpdateRole(ctx, current.ID, parsed); err != nil {
		if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Persistence("update role", err)
	}
	s.audit(ctx, store.NewAuditEntry(actor.UserID, "role.change", "role_assignment", current.ID, map[string]string{
		"user_id": current.UserID,
		"from":    string(current.Role),
		"to":      string(parsed),
	}).WithIP(ip))
	current.Role = parsed
	return current, nil
}

func (s *Service) RevokeRole(ctx context.Context, actor access.Actor, id, ip string) error {
	current, err := s.loadAssignment(ctx, actor, id, access.OpDelete)
	if err != nil {
		return err
	}
	if err := s.guardLastCertAdmin(ctx, current); err != nil {
		return err
	}
	if err := s.roles.Revoke(ctx, current.ID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return apperr.Persistence("revoke role", err)
	}
	s.audit(ctx, store.NewAuditEntry(actor.UserID, "role.revoke", "role_assignment", current.ID, map[string]string{
		"user_id": current.UserID,
		"role":    string(current.Role),
	}).WithIP(ip))
	return nil
}

func (s *Service) loadAssignment(ctx context.Context, actor access.Actor, id string, op access.Operation) (*store.RoleAssignment, error) {
	if !actor.Authenticated() {
		return nil, apperr.ErrAuthRequired
	}
	if !store.IsValidID(id) {
		return nil, apperr.ErrNotFound
	}
	current, err := s.roles.Get(ctx, id)
	if err != nil {
		return nil, apperr.Persistence("load role", err)
	}
	if current == nil {
		return nil, apperr.ErrNotFound
	}
	if err := s.access.Authorize(actor, access.EntityRoleAssignment, op, access.Resource{OwnerID: current.UserID}); err != nil {
		return nil, err
	}
	return current, nil
}

// guardLastCertAdmin refuses to remove the only remaining cert_admin assignment.
func (s *Service) guardLastCertAdmin(ctx context.Context, a *store.RoleAssignment) error {
	if a.Role != store.RoleCertAdmin {
		return nil
	}
	all, err := s.roles.List(ctx)
	if err != nil {
		return apperr.Persistence("list roles", err)
	}
	count := 0
	for _, it := range all {
		if it.Role == store.RoleCertAdmin {
			count++
		}
	}
	if count <= 1 {
		s.audit(ctx, store.NewAuditEntry("", "role.last_cert_admin_blocked", "role_assignment", a.ID, nil))
		return errors.Join(apperr.ErrConflict, errors.New("last cert_admin"))
	}
	return nil
}

func (s *Service) audit(ctx context.Context, e *store.AuditEntry) {
	if s.audits == nil {
		return
	}
	if err := s.audits.Append(ctx, e); err != nil && s.logger != nil {
		s.logger.Errorf("audit %s: %v", e.Action, err)
	}
}
