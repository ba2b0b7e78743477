package maintenance

import (
	"context"
	"strings"
	"testing"
	"time"

	"incidentdesk/config"
	"incidentdesk/core/auth"
	"incidentdesk/core/blob"
	"incidentdesk/core/store"
	"incidentdesk/core/store/storetest"
	"incidentdesk/core/utils"
)

func TestSweepOrphansKeepsReferencedAndRecentBlobs(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	ident := storetest.Register(t, db, "filer@example.com")
	incidents := store.NewIncidentsStore(db)
	evidence := store.NewEvidenceStore(db)
	inc := &store.Incident{UserID: ident.ID, IncidentType: store.TypeMalware, Title: "t", Description: "d"}
	if err := incidents.CreateIncident(ctx, inc); err != nil {
		t.Fatalf("create incident: %v", err)
	}

	blobs := blob.NewMemoryStore()
	prefix := ident.ID + "/" + inc.ID + "/"
	for _, k := range []string{"1.txt", "2.txt", "3.txt"} {
		if err := blobs.Put(ctx, prefix+k, strings.NewReader("x"), 1, "text/plain"); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	old := time.Now().UTC().Add(-3 * time.Hour)
	blobs.SetModTime(prefix+"1.txt", old)
	blobs.SetModTime(prefix+"2.txt", old)
	if err := evidence.AddEvidence(ctx, &store.EvidenceFile{IncidentID: inc.ID, FileName: "1.txt", FilePath: prefix + "1.txt", FileType: "text/plain"}); err != nil {
		t.Fatalf("add evidence: %v", err)
	}

	s := NewScheduler(config.SchedulerConfig{OrphanGrace: time.Hour}, nil, evidence, blobs, utils.NewNopLogger())
	removed, err := s.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one orphan removed, got %d", removed)
	}
	if _, _, err := blobs.Get(ctx, prefix+"2.txt"); err != blob.ErrNotFound {
		t.Fatalf("orphan still present: %v", err)
	}
	for _, k := range []string{"1.txt", "3.txt"} {
		if _, _, err := blobs.Get(ctx, prefix+k); err != nil {
			t.Fatalf("%s should be kept: %v", k, err)
		}
	}
}

func TestPurgeSessions(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	ident := storetest.Register(t, db, "s@example.com")
	sessions := store.NewSessionsStore(db)
	now := time.Now().UTC()
	for i, exp := range []time.Time{now.Add(-time.Minute), now.Add(time.Hour)} {
		rec := &store.SessionRecord{
			ID:         store.NewID(),
			UserID:     ident.ID,
			Email:      ident.Email,
			CSRFToken:  "csrf",
			CreatedAt:  now.Add(-2 * time.Hour),
			LastSeenAt: now.Add(-time.Duration(i) * time.Minute),
			ExpiresAt:  exp,
		}
		if err := sessions.SaveSession(ctx, rec); err != nil {
			t.Fatalf("save session: %v", err)
		}
	}
	cfg := &config.AppConfig{SessionTTL: time.Hour}
	manager := auth.NewSessionManager(sessions, store.NewRolesStore(db), cfg, utils.NewNopLogger())
	s := NewScheduler(config.SchedulerConfig{}, manager, nil, nil, nil)
	n, err := s.PurgeSessions(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired session, got %d", n)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(config.SchedulerConfig{Enabled: true, SessionPurgeSpec: "@every 1h", OrphanSweepSpec: "@hourly"}, nil, nil, nil, utils.NewNopLogger())
	s.StartWithContext(context.Background())
	s.StartWithContext(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.StopWithContext(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.StopWithContext(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
