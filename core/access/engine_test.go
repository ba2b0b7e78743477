package access

import (
	"errors"
	"testing"

	"incidentdesk/core/apperr"
	"incidentdesk/core/rbac"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine() *Engine {
	return NewEngine(rbac.NewPolicy(rbac.DefaultRoles()))
}

var (
	owner     = Actor{UserID: "u-owner", Roles: []string{"user"}}
	other     = Actor{UserID: "u-other", Roles: []string{"user"}}
	admin     = Actor{UserID: "u-admin", Roles: []string{"user", "admin"}}
	certAdmin = Actor{UserID: "u-cert", Roles: []string{"user", "cert_admin"}}
	anonymous = Actor{}
)

func TestIncidentVisibility(t *testing.T) {
	e := newEngine()
	res := Resource{OwnerID: owner.UserID}
	assert.True(t, e.Can(owner, EntityIncident, OpSelect, res))
	assert.False(t, e.Can(other, EntityIncident, OpSelect, res))
	assert.True(t, e.Can(admin, EntityIncident, OpSelect, res))
	assert.True(t, e.Can(certAdmin, EntityIncident, OpSelect, res))

	assert.True(t, e.Can(owner, EntityIncident, OpUpdate, res))
	assert.False(t, e.Can(other, EntityIncident, OpUpdate, res))
	assert.True(t, e.Can(admin, EntityIncident, OpUpdate, res))
}

func TestIncidentDeleteAlwaysDenied(t *testing.T) {
	e := newEngine()
	res := Resource{OwnerID: owner.UserID}
	for _, a := range []Actor{owner, admin, certAdmin} {
		err := e.Authorize(a, EntityIncident, OpDelete, res)
		assert.True(t, errors.Is(err, apperr.ErrForbidden), "actor %s", a.UserID)
	}
}

func TestIncidentInsertOnlyForSelf(t *testing.T) {
	e := newEngine()
	assert.True(t, e.Can(owner, EntityIncident, OpInsert, Resource{OwnerID: owner.UserID}))
	assert.False(t, e.Can(admin, EntityIncident, OpInsert, Resource{OwnerID: owner.UserID}))
}

func TestAnonymousDenied(t *testing.T) {
	e := newEngine()
	err := e.Authorize(anonymous, EntityIncident, OpSelect, Resource{OwnerID: ""})
	require.True(t, errors.Is(err, apperr.ErrAuthRequired))
	assert.NoError(t, e.Authorize(anonymous, EntityAudit, OpInsert, Resource{}))
}

func TestRoleManagementOnlyCertAdmin(t *testing.T) {
	e := newEngine()
	res := Resource{OwnerID: owner.UserID}
	for _, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
		assert.False(t, e.Can(owner, EntityRoleAssignment, op, res), "owner %s", op)
		assert.False(t, e.Can(admin, EntityRoleAssignment, op, res), "admin %s", op)
		assert.True(t, e.Can(certAdmin, EntityRoleAssignment, op, res), "cert_admin %s", op)
	}
	assert.True(t, e.Can(owner, EntityRoleAssignment, OpSelect, res))
	assert.False(t, e.Can(other, EntityRoleAssignment, OpSelect, res))
}

func TestProfileRules(t *testing.T) {
	e := newEngine()
	res := Resource{OwnerID: owner.UserID}
	assert.True(t, e.Can(owner, EntityProfile, OpUpdate, res))
	assert.False(t, e.Can(admin, EntityProfile, OpUpdate, res))
	assert.True(t, e.Can(admin, EntityProfile, OpSelect, res))
	assert.False(t, e.Can(other, EntityProfile, OpSelect, res))
	assert.False(t, e.Can(owner, EntityProfile, OpDelete, res))
}

func TestEvidenceRules(t *testing.T) {
	e := newEngine()
	res := Resource{OwnerID: owner.UserID}
	assert.True(t, e.Can(owner, EntityEvidence, OpInsert, res))
	assert.False(t, e.Can(admin, EntityEvidence, OpInsert, res))
	assert.True(t, e.Can(admin, EntityEvidence, OpSelect, res))
	assert.False(t, e.Can(other, EntityEvidence, OpSelect, res))
}

func TestAuditReadOnlyCertAdmin(t *testing.T) {
	e := newEngine()
	assert.False(t, e.Can(admin, EntityAudit, OpSelect, Resource{}))
	assert.True(t, e.Can(certAdmin, EntityAudit, OpSelect, Resource{}))
}

func TestBlobRules(t *testing.T) {
	e := newEngine()
	key := owner.UserID + "/inc/1700000000000.png"
	res := Resource{OwnerID: BlobOwner(key)}
	assert.Equal(t, owner.UserID, res.OwnerID)
	assert.True(t, e.Can(owner, EntityBlob, OpInsert, res))
	assert.False(t, e.Can(other, EntityBlob, OpInsert, res))
	assert.True(t, e.Can(admin, EntityBlob, OpSelect, res))
	assert.False(t, e.Can(admin, EntityBlob, OpInsert, res))
	assert.Equal(t, "", BlobOwner("noslash"))
}

func TestCheckIncidentFields(t *testing.T) {
	e := newEngine()
	assert.NoError(t, e.CheckIncidentFields(owner, []string{"title", "description"}))
	err := e.CheckIncidentFields(owner, []string{"title", "threat_level", "status"})
	require.True(t, errors.Is(err, apperr.ErrForbidden))
	assert.Contains(t, err.Error(), "status,threat_level")
	assert.NoError(t, e.CheckIncidentFields(admin, []string{"threat_level"}))
}
