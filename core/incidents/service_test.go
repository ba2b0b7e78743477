package incidents

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"incidentdesk/config"
	"incidentdesk/core/access"
	"incidentdesk/core/apperr"
	"incidentdesk/core/blob"
	"incidentdesk/core/events"
	"incidentdesk/core/rbac"
	"incidentdesk/core/store"
	"incidentdesk/core/store/storetest"
	"incidentdesk/core/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc       *Service
	incidents store.IncidentsStore
	evidence  store.EvidenceStore
	audits    store.AuditStore
	blobs     *blob.MemoryStore
	events    *events.MemoryPublisher
	filer     access.Actor
	other     access.Actor
	admin     access.Actor
	cert      access.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	f := &fixture{
		incidents: store.NewIncidentsStore(db),
		evidence:  store.NewEvidenceStore(db),
		audits:    store.NewAuditStore(db),
		blobs:     blob.NewMemoryStore(),
		events:    &events.MemoryPublisher{},
	}
	actor := func(email string, roles ...store.AppRole) access.Actor {
		ident := storetest.Register(t, db, email, roles...)
		return access.Actor{UserID: ident.ID, Roles: store.RolesToStrings(append([]store.AppRole{store.RoleUser}, roles...))}
	}
	f.filer = actor("filer@example.com")
	f.other = actor("other@example.com")
	f.admin = actor("admin@example.com", store.RoleAdmin)
	f.cert = actor("cert@example.com", store.RoleCertAdmin)

	engine := access.NewEngine(rbac.NewPolicy(rbac.DefaultRoles()))
	cfg := config.EvidenceConfig{MaxBytes: 1024}
	f.svc = NewService(cfg, f.incidents, f.evidence, f.audits, f.blobs, engine, f.events, utils.NewNopLogger())
	f.svc.SetRetryPolicy(blob.RetryPolicy{Retries: 1})
	return f
}

func (f *fixture) submit(t *testing.T, actor access.Actor, title string, files ...FileUpload) *SubmitResult {
	t.Helper()
	res, err := f.svc.Submit(context.Background(), actor, SubmitInput{
		Title:        title,
		Description:  "details",
		IncidentType: "phishing",
	}, files, "127.0.0.1")
	require.NoError(t, err)
	return res
}

func strPtr(v string) *string { return &v }
func intPtr(v int) *int       { return &v }

func TestSubmitCreatesIncidentWithDefaults(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t, f.filer, "Suspicious login")
	inc := res.Incident
	assert.Equal(t, store.StatusSubmitted, inc.Status)
	assert.Nil(t, inc.ThreatLevel)
	assert.Equal(t, 0, inc.PriorityScore)
	assert.Equal(t, f.filer.UserID, inc.UserID)
	assert.False(t, res.Partial)
	assert.Empty(t, res.Evidence)

	msgs := f.events.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, events.RoutingIncidentSubmitted, msgs[0].RoutingKey)
}

func TestSubmitRequiresAuthAndValidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Submit(ctx, access.Actor{}, SubmitInput{Title: "t", Description: "d", IncidentType: "fraud"}, nil, "")
	assert.ErrorIs(t, err, apperr.ErrAuthRequired)

	cases := []SubmitInput{
		{Description: "d", IncidentType: "fraud"},
		{Title: "t", IncidentType: "fraud"},
		{Title: "t", Description: "d", IncidentType: "ransomware"},
		{Title: "t", Description: "d", IncidentType: "fraud", OccurredAt: "yesterday"},
	}
	for _, in := range cases {
		_, err := f.svc.Submit(ctx, f.filer, in, nil, "")
		assert.True(t, apperr.IsValidation(err), "%+v: %v", in, err)
	}
	n, err := f.incidents.CountIncidents(ctx, store.IncidentFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitSkipsInvalidFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, f.filer, "With files",
		NewFileUpload("a.png", "image/png", []byte("png")),
		NewFileUpload("virus.exe", "application/x-msdownload", []byte("MZ")),
		NewFileUpload("b.txt", "text/plain", []byte("note")),
		NewFileUpload("huge.pdf", "application/pdf", make([]byte, 2048)),
	)
	assert.True(t, res.Partial)
	require.Len(t, res.Evidence, 2)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "virus.exe", res.Failed[0].FileName)
	assert.Equal(t, "huge.pdf", res.Failed[1].FileName)
	assert.NotEqual(t, res.Evidence[0].FilePath, res.Evidence[1].FilePath)
	assert.True(t, strings.HasPrefix(res.Evidence[0].FilePath, f.filer.UserID+"/"+res.Incident.ID+"/"))

	rows, err := f.evidence.ListEvidence(ctx, res.Incident.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 2, f.blobs.Len())

	got, err := f.incidents.GetIncident(ctx, res.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSubmitted, got.Status)

	failures, err := f.audits.List(ctx, store.AuditFilter{Action: "evidence.upload_failed"})
	require.NoError(t, err)
	assert.Len(t, failures, 2)
}

func TestSubmitUploadFailureLeavesNoMetadata(t *testing.T) {
	f := newFixture(t)
	f.blobs.FailPut = func(key string) error { return errors.New("backend down") }
	res := f.submit(t, f.filer, "Upload down", NewFileUpload("a.png", "image/png", []byte("x")))
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[0].Err(), apperr.ErrUploadFailed)
	assert.Empty(t, res.Evidence)
	rows, err := f.evidence.ListEvidence(context.Background(), res.Incident.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, f.blobs.Len())
}

func TestSubmitCancelledContextReportsFiles(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.blobs.FailPut = func(string) error {
		cancel()
		return errors.New("connection reset")
	}
	res, err := f.svc.Submit(ctx, f.filer, SubmitInput{Title: "t", Description: "d", IncidentType: "other"}, []FileUpload{
		NewFileUpload("a.txt", "text/plain", []byte("x")),
		NewFileUpload("b.txt", "text/plain", []byte("y")),
	}, "")
	require.NoError(t, err)
	require.Len(t, res.Failed, 2)
	for _, failure := range res.Failed {
		assert.Equal(t, "cancelled", failure.Reason)
	}
	got, err := f.incidents.GetIncident(context.Background(), res.Incident.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestVisibilityAndUpdateRights(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inc := f.submit(t, f.filer, "Suspicious login").Incident

	_, err := f.svc.Get(ctx, f.other, inc.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	for _, a := range []access.Actor{f.filer, f.admin, f.cert} {
		got, err := f.svc.Get(ctx, a, inc.ID)
		require.NoError(t, err)
		assert.Equal(t, inc.ID, got.ID)
	}

	mine, err := f.svc.ListMine(ctx, f.other, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, mine)

	_, err = f.svc.Update(ctx, f.other, inc.ID, IncidentPatch{Title: strPtr("hijack")}, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	updated, err := f.svc.Update(ctx, f.filer, inc.ID, IncidentPatch{Title: strPtr("Suspicious login (VPN)"), Location: strPtr("HQ")}, "")
	require.NoError(t, err)
	assert.Equal(t, "Suspicious login (VPN)", updated.Title)
	assert.True(t, updated.UpdatedAt.After(inc.UpdatedAt))

	_, err = f.svc.Update(ctx, f.filer, inc.ID, IncidentPatch{ThreatLevel: strPtr("low")}, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Triage(ctx, f.filer, inc.ID, TriagePatch{ThreatLevel: strPtr("low")}, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Triage(ctx, f.admin, inc.ID, TriagePatch{ThreatLevel: strPtr("critical")}, "")
	require.NoError(t, err)

	seen, err := f.svc.Get(ctx, f.filer, inc.ID)
	require.NoError(t, err)
	require.NotNil(t, seen.ThreatLevel)
	assert.Equal(t, store.ThreatCritical, *seen.ThreatLevel)
	assert.Equal(t, "Suspicious login (VPN)", seen.Title)
}

// interleavedStore runs afterGet once, right after the next incident read.
type interleavedStore struct {
	store.IncidentsStore
	afterGet func()
}

func (s *interleavedStore) GetIncident(ctx context.Context, id string) (*store.Incident, error) {
	inc, err := s.IncidentsStore.GetIncident(ctx, id)
	if hook := s.afterGet; hook != nil {
		s.afterGet = nil
		hook()
	}
	return inc, err
}

func TestFilerEditKeepsConcurrentTriage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inc := f.submit(t, f.filer, "Phishing wave").Incident

	wrapped := &interleavedStore{IncidentsStore: f.incidents}
	engine := access.NewEngine(rbac.NewPolicy(rbac.DefaultRoles()))
	svc := NewService(config.EvidenceConfig{MaxBytes: 1024}, wrapped, f.evidence, f.audits, f.blobs, engine, f.events, utils.NewNopLogger())
	wrapped.afterGet = func() {
		_, err := f.svc.Triage(ctx, f.admin, inc.ID, TriagePatch{
			Status:      strPtr("investigating"),
			ThreatLevel: strPtr("critical"),
		}, "")
		require.NoError(t, err)
	}

	edited, err := svc.Update(ctx, f.filer, inc.ID, IncidentPatch{Title: strPtr("Phishing wave (finance)")}, "")
	require.NoError(t, err)
	assert.Equal(t, "Phishing wave (finance)", edited.Title)
	assert.Equal(t, store.StatusInvestigating, edited.Status)

	got, err := f.incidents.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Phishing wave (finance)", got.Title)
	assert.Equal(t, store.StatusInvestigating, got.Status)
	require.NotNil(t, got.ThreatLevel)
	assert.Equal(t, store.ThreatCritical, *got.ThreatLevel)
}

func TestTriageAuditsEachFieldAndTracksResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inc := f.submit(t, f.filer, "Malware beacon").Incident

	got, err := f.svc.Triage(ctx, f.cert, inc.ID, TriagePatch{
		Status:        strPtr("resolved"),
		AssignedTo:    strPtr(f.admin.UserID),
		PriorityScore: intPtr(70),
	}, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, 70, got.PriorityScore)

	for _, action := range []string{"incident.update.status", "incident.update.assigned_to", "incident.update.priority_score"} {
		entries, err := f.audits.List(ctx, store.AuditFilter{Action: action, EntityID: inc.ID})
		require.NoError(t, err)
		assert.Len(t, entries, 1, action)
	}

	reopened, err := f.svc.Triage(ctx, f.admin, inc.ID, TriagePatch{Status: strPtr("investigating")}, "")
	require.NoError(t, err)
	assert.Nil(t, reopened.ResolvedAt)

	_, err = f.svc.Triage(ctx, f.admin, inc.ID, TriagePatch{Status: strPtr("done")}, "")
	assert.True(t, apperr.IsValidation(err))
	_, err = f.svc.Triage(ctx, f.admin, inc.ID, TriagePatch{AssignedTo: strPtr("bob")}, "")
	assert.True(t, apperr.IsValidation(err))

	var triaged int
	for _, m := range f.events.Messages() {
		if m.RoutingKey == events.RoutingIncidentTriaged {
			triaged++
		}
	}
	assert.Equal(t, 2, triaged)
}

func TestTriageViewsAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mk := func(title, level, status string, prio int) string {
		inc := f.submit(t, f.filer, title).Incident
		patch := TriagePatch{PriorityScore: intPtr(prio)}
		if level != "" {
			patch.ThreatLevel = strPtr(level)
		}
		if status != "" {
			patch.Status = strPtr(status)
		}
		_, err := f.svc.Triage(ctx, f.admin, inc.ID, patch, "")
		require.NoError(t, err)
		return inc.ID
	}
	crit := mk("crit", "critical", "investigating", 90)
	high := mk("high", "high", "under_review", 50)
	low := mk("low", "low", "closed", 10)
	fresh := mk("fresh", "", "", 0)

	ids := func(view string) []string {
		page, err := f.svc.ListForTriage(ctx, f.admin, TriageQuery{View: view})
		require.NoError(t, err)
		assert.Equal(t, len(page.Items), page.Total, view)
		var out []string
		for _, it := range page.Items {
			out = append(out, it.ID)
		}
		return out
	}
	assert.Equal(t, []string{crit, high, low, fresh}, ids(ViewAll))
	assert.Equal(t, []string{crit}, ids(ViewCritical))
	assert.Equal(t, []string{high}, ids(ViewHigh))
	assert.ElementsMatch(t, []string{high, fresh}, ids(ViewPending))

	page, err := f.svc.ListForTriage(ctx, f.admin, TriageQuery{View: ViewAll, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, high, page.Items[0].ID)

	page, err = f.svc.ListForTriage(ctx, f.admin, TriageQuery{View: ViewPending, Status: "closed"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Zero(t, page.Total)
	_, err = f.svc.ListForTriage(ctx, f.admin, TriageQuery{View: "urgent"})
	assert.True(t, apperr.IsValidation(err))
	_, err = f.svc.ListForTriage(ctx, f.filer, TriageQuery{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	stats, err := f.svc.Stats(ctx, f.cert)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 4, Critical: 1, High: 1, Pending: 2, Resolved: 1}, *stats)
}

func TestEvidenceAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, f.filer, "Evidence", NewFileUpload("log.txt", "text/plain", []byte("line")))
	require.Len(t, res.Evidence, 1)
	ev := res.Evidence[0]

	for _, a := range []access.Actor{f.filer, f.admin} {
		meta, rc, err := f.svc.OpenEvidence(ctx, a, res.Incident.ID, ev.ID, "")
		require.NoError(t, err)
		data, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, "line", string(data))
		assert.Equal(t, "log.txt", meta.FileName)
	}
	_, _, err := f.svc.OpenEvidence(ctx, f.other, res.Incident.ID, ev.ID, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.ListEvidence(ctx, f.other, res.Incident.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	items, err := f.svc.ListEvidence(ctx, f.admin, res.Incident.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = f.svc.AttachEvidence(ctx, f.admin, res.Incident.ID, []FileUpload{NewFileUpload("x.txt", "text/plain", []byte("x"))}, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	more, err := f.svc.AttachEvidence(ctx, f.filer, res.Incident.ID, []FileUpload{NewFileUpload("y.txt", "text/plain", []byte("y"))}, "")
	require.NoError(t, err)
	assert.Len(t, more.Evidence, 1)
}

func TestSameMillisecondAttachKeepsBothBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inc := f.submit(t, f.filer, "Shared drive").Incident
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }

	var inner *SubmitResult
	f.blobs.FailPut = func(string) error {
		if inner != nil {
			return nil
		}
		inner = &SubmitResult{}
		res, err := f.svc.AttachEvidence(ctx, f.filer, inc.ID, []FileUpload{NewFileUpload("b.txt", "text/plain", []byte("inner"))}, "")
		require.NoError(t, err)
		inner = res
		return nil
	}

	outer, err := f.svc.AttachEvidence(ctx, f.filer, inc.ID, []FileUpload{NewFileUpload("a.txt", "text/plain", []byte("outer"))}, "")
	require.NoError(t, err)
	require.Len(t, inner.Evidence, 1)
	require.Len(t, outer.Evidence, 1)
	assert.Empty(t, outer.Failed)
	assert.NotEqual(t, inner.Evidence[0].FilePath, outer.Evidence[0].FilePath)

	items, err := f.svc.ListEvidence(ctx, f.filer, inc.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	want := map[string]string{"a.txt": "outer", "b.txt": "inner"}
	for _, ev := range items {
		_, rc, err := f.svc.OpenEvidence(ctx, f.filer, inc.ID, ev.ID, "")
		require.NoError(t, err, ev.FilePath)
		data, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, want[ev.FileName], string(data))
	}
}
