package rbac

import (
	"sort"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

type Permission string

const (
	PermProfilesReadAny     Permission = "profiles.read_any"
	PermRolesManage         Permission = "roles.manage"
	PermIncidentsReadAny    Permission = "incidents.read_any"
	PermIncidentsUpdateAny  Permission = "incidents.update_any"
	PermIncidentsTriage     Permission = "incidents.triage"
	PermEvidenceReadAny     Permission = "evidence.read_any"
	PermBlobsReadAny        Permission = "blobs.read_any"
	PermAuditRead           Permission = "audit.read"
	PermIncidentsSubmit     Permission = "incidents.submit"
	PermProfileSelf         Permission = "profile.self"
	PermEvidenceAttachOwned Permission = "evidence.attach_own"
)

var AllPermissions = []Permission{
	PermProfilesReadAny,
	PermRolesManage,
	PermIncidentsReadAny,
	PermIncidentsUpdateAny,
	PermIncidentsTriage,
	PermEvidenceReadAny,
	PermBlobsReadAny,
	PermAuditRead,
	PermIncidentsSubmit,
	PermProfileSelf,
	PermEvidenceAttachOwned,
}

// Role binds a role name to its direct permissions. Inherits lists roles whose
// permissions are granted as well.
type Role struct {
	Name        string
	Inherits    []string
	Permissions []Permission
}

func DefaultRoles() []Role {
	return []Role{
		{
			Name:        "user",
			Permissions: []Permission{PermIncidentsSubmit, PermProfileSelf, PermEvidenceAttachOwned},
		},
		{
			Name: "admin",
			Permissions: []Permission{
				PermProfilesReadAny,
				PermIncidentsReadAny,
				PermIncidentsUpdateAny,
				PermIncidentsTriage,
				PermEvidenceReadAny,
				PermBlobsReadAny,
			},
		},
		{
			Name:        "cert_admin",
			Inherits:    []string{"admin"},
			Permissions: []Permission{PermRolesManage, PermAuditRead},
		},
	}
}

const modelText = `
[request_definition]
r = sub, perm

[policy_definition]
p = sub, perm

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.perm == p.perm
`

type Policy struct {
	mu       sync.RWMutex
	enforcer *casbin.SyncedEnforcer
	roles    map[string]Role
}

func NewPolicy(roles []Role) *Policy {
	p := &Policy{}
	if err := p.Replace(roles); err != nil {
		panic(err)
	}
	return p
}

// Replace rebuilds the enforcer from the given role set.
func (p *Policy) Replace(roles []Role) error {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return err
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return err
	}
	index := make(map[string]Role, len(roles))
	for _, r := range roles {
		name := normalize(r.Name)
		if name == "" {
			continue
		}
		index[name] = r
		for _, perm := range r.Permissions {
			if _, err := e.AddPolicy(name, string(perm)); err != nil {
				return err
			}
		}
		for _, parent := range r.Inherits {
			if _, err := e.AddGroupingPolicy(name, normalize(parent)); err != nil {
				return err
			}
		}
	}
	p.mu.Lock()
	p.enforcer = e
	p.roles = index
	p.mu.Unlock()
	return nil
}

func (p *Policy) Allowed(roles []string, perm Permission) bool {
	if p == nil || perm == "" {
		return false
	}
	p.mu.RLock()
	e := p.enforcer
	p.mu.RUnlock()
	if e == nil {
		return false
	}
	for _, role := range roles {
		ok, err := e.Enforce(normalize(role), string(perm))
		if err == nil && ok {
			return true
		}
	}
	return false
}

// Permissions lists the effective permissions for a role set, sorted.
func (p *Policy) Permissions(roles []string) []string {
	seen := map[string]struct{}{}
	for _, perm := range AllPermissions {
		if p.Allowed(roles, perm) {
			seen[string(perm)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for perm := range seen {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

func (p *Policy) KnownRole(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.roles[normalize(name)]
	return ok
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
