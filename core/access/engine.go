// Package access evaluates row-level rules before any store read or write.
// Each (entity, operation) pair owns a list of predicates; a request is allowed
// when at least one predicate grants it and denied otherwise.
package access

import (
	"fmt"
	"sort"
	"strings"

	"incidentdesk/core/apperr"
	"incidentdesk/core/metrics"
	"incidentdesk/core/rbac"
)

type Entity string

const (
	EntityProfile        Entity = "profile"
	EntityRoleAssignment Entity = "role_assignment"
	EntityIncident       Entity = "incident"
	EntityEvidence       Entity = "evidence"
	EntityAudit          Entity = "audit"
	EntityBlob           Entity = "blob"
)

type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type Actor struct {
	UserID string
	Roles  []string
}

func (a Actor) Authenticated() bool {
	return strings.TrimSpace(a.UserID) != ""
}

// Resource carries the owner the predicates compare against: the profile id,
// the assignment's user, the incident filer, the parent incident's filer for
// evidence, or the first key segment for blobs.
type Resource struct {
	OwnerID string
}

type Predicate func(actor Actor, res Resource) bool

type rule struct {
	name string
	pred Predicate
}

type ruleKey struct {
	entity Entity
	op     Operation
}

type Engine struct {
	policy *rbac.Policy
	rules  map[ruleKey][]rule
	// rules that also apply to anonymous callers
	public map[ruleKey]bool
}

func NewEngine(policy *rbac.Policy) *Engine {
	e := &Engine{policy: policy, rules: map[ruleKey][]rule{}, public: map[ruleKey]bool{}}
	e.registerDefaults()
	return e
}

// Register adds a predicate for the pair.
func (e *Engine) Register(entity Entity, op Operation, name string, pred Predicate) {
	k := ruleKey{entity, op}
	e.rules[k] = append(e.rules[k], rule{name: name, pred: pred})
}

func (e *Engine) registerDefaults() {
	self := func(a Actor, r Resource) bool { return r.OwnerID != "" && r.OwnerID == a.UserID }
	perm := func(p rbac.Permission) Predicate {
		return func(a Actor, _ Resource) bool { return e.policy.Allowed(a.Roles, p) }
	}

	e.Register(EntityProfile, OpSelect, "own profile", self)
	e.Register(EntityProfile, OpSelect, "profiles.read_any", perm(rbac.PermProfilesReadAny))
	e.Register(EntityProfile, OpUpdate, "own profile", self)
	e.Register(EntityProfile, OpInsert, "own profile", self)

	e.Register(EntityRoleAssignment, OpSelect, "own roles", self)
	for _, op := range []Operation{OpSelect, OpInsert, OpUpdate, OpDelete} {
		e.Register(EntityRoleAssignment, op, "roles.manage", perm(rbac.PermRolesManage))
	}

	e.Register(EntityIncident, OpInsert, "file as self", self)
	e.Register(EntityIncident, OpSelect, "filer", self)
	e.Register(EntityIncident, OpSelect, "incidents.read_any", perm(rbac.PermIncidentsReadAny))
	e.Register(EntityIncident, OpUpdate, "filer", self)
	e.Register(EntityIncident, OpUpdate, "incidents.update_any", perm(rbac.PermIncidentsUpdateAny))

	e.Register(EntityEvidence, OpSelect, "incident filer", self)
	e.Register(EntityEvidence, OpSelect, "evidence.read_any", perm(rbac.PermEvidenceReadAny))
	e.Register(EntityEvidence, OpInsert, "incident filer", self)

	e.Register(EntityAudit, OpSelect, "audit.read", perm(rbac.PermAuditRead))
	e.Register(EntityAudit, OpInsert, "open write", func(Actor, Resource) bool { return true })
	e.public[ruleKey{EntityAudit, OpInsert}] = true

	e.Register(EntityBlob, OpInsert, "own prefix", self)
	e.Register(EntityBlob, OpSelect, "own prefix", self)
	e.Register(EntityBlob, OpSelect, "blobs.read_any", perm(rbac.PermBlobsReadAny))
}

// Authorize returns nil when some predicate grants the operation. Anonymous
// callers get ErrAuthRequired, everyone else ErrForbidden.
func (e *Engine) Authorize(actor Actor, entity Entity, op Operation, res Resource) error {
	k := ruleKey{entity, op}
	if !actor.Authenticated() && !e.public[k] {
		metrics.AuthorizationDenials.WithLabelValues(string(entity), string(op)).Inc()
		return apperr.ErrAuthRequired
	}
	for _, r := range e.rules[k] {
		if r.pred(actor, res) {
			return nil
		}
	}
	metrics.AuthorizationDenials.WithLabelValues(string(entity), string(op)).Inc()
	return fmt.Errorf("%s %s: %w", op, entity, apperr.ErrForbidden)
}

func (e *Engine) Can(actor Actor, entity Entity, op Operation, res Resource) bool {
	return e.Authorize(actor, entity, op, res) == nil
}

func (e *Engine) HasPermission(actor Actor, perm rbac.Permission) bool {
	return actor.Authenticated() && e.policy.Allowed(actor.Roles, perm)
}

// FilerFields are the incident columns a filer may change without triage rights.
var FilerFields = map[string]struct{}{
	"title":         {},
	"description":   {},
	"location":      {},
	"occurred_at":   {},
	"incident_type": {},
}

// CheckIncidentFields enforces the column-level rule on incident updates.
// Triage-capable callers may change anything; others only FilerFields.
func (e *Engine) CheckIncidentFields(actor Actor, fields []string) error {
	if e.HasPermission(actor, rbac.PermIncidentsTriage) {
		return nil
	}
	var blocked []string
	for _, f := range fields {
		if _, ok := FilerFields[f]; !ok {
			blocked = append(blocked, f)
		}
	}
	if len(blocked) == 0 {
		return nil
	}
	sort.Strings(blocked)
	metrics.AuthorizationDenials.WithLabelValues(string(EntityIncident), "update_fields").Inc()
	return fmt.Errorf("fields %s: %w", strings.Join(blocked, ","), apperr.ErrForbidden)
}

// BlobOwner returns the first path segment of an object key.
func BlobOwner(key string) string {
	key = strings.TrimLeft(key, "/")
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return ""
}
