package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"incidentdesk/core/apperr"
	"incidentdesk/core/store"
	"incidentdesk/core/store/storetest"
	"incidentdesk/core/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConsumer(t *testing.T) (*AnalysisConsumer, store.IncidentsStore, store.AuditStore, *store.Incident) {
	t.Helper()
	db := storetest.Open(t)
	filer := storetest.Register(t, db, "filer@example.com")
	incidents := store.NewIncidentsStore(db)
	audits := store.NewAuditStore(db)
	inc := &store.Incident{UserID: filer.ID, IncidentType: store.TypePhishing, Title: "t", Description: "d"}
	require.NoError(t, incidents.CreateIncident(context.Background(), inc))
	return NewAnalysisConsumer(nil, "q", incidents, audits, utils.NewNopLogger()), incidents, audits, inc
}

func TestAnalysisConsumerAppliesResult(t *testing.T) {
	c, incidents, audits, inc := newConsumer(t)
	ctx := context.Background()
	body, _ := json.Marshal(AnalysisMessage{
		IncidentID:      inc.ID,
		Result:          json.RawMessage(`{"score":0.9}`),
		Recommendations: []string{"reset passwords"},
		PriorityScore:   80,
		ThreatLevel:     "high",
	})
	require.NoError(t, c.Handle(ctx, body))

	got, err := incidents.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 80, got.PriorityScore)
	assert.Equal(t, []string{"reset passwords"}, got.Recommendations)
	require.NotNil(t, got.ThreatLevel)
	assert.Equal(t, store.ThreatHigh, *got.ThreatLevel)
	assert.Equal(t, store.StatusSubmitted, got.Status)

	entries, err := audits.List(ctx, store.AuditFilter{Action: "incident.analysis_applied"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].UserID)
}

func TestAnalysisConsumerKeepsAssignedThreatLevel(t *testing.T) {
	c, incidents, _, inc := newConsumer(t)
	ctx := context.Background()
	lvl := store.ThreatCritical
	inc.ThreatLevel = &lvl
	require.NoError(t, incidents.UpdateIncident(ctx, inc))

	body, _ := json.Marshal(AnalysisMessage{IncidentID: inc.ID, PriorityScore: 5, ThreatLevel: "low"})
	require.NoError(t, c.Handle(ctx, body))
	got, err := incidents.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ThreatCritical, *got.ThreatLevel)
	assert.Equal(t, 5, got.PriorityScore)
}

func TestAnalysisConsumerRejectsBadMessages(t *testing.T) {
	c, _, _, inc := newConsumer(t)
	ctx := context.Background()

	err := c.Handle(ctx, []byte("{not json"))
	assert.True(t, apperr.IsValidation(err))
	assert.True(t, permanent(err))

	body, _ := json.Marshal(AnalysisMessage{IncidentID: inc.ID, ThreatLevel: "apocalyptic"})
	assert.True(t, apperr.IsValidation(c.Handle(ctx, body)))

	body, _ = json.Marshal(AnalysisMessage{IncidentID: store.NewID()})
	err = c.Handle(ctx, body)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.True(t, permanent(err))
}

func TestMemoryPublisher(t *testing.T) {
	p := &MemoryPublisher{}
	PublishQuietly(context.Background(), p, nil, RoutingIncidentSubmitted, IncidentEvent{IncidentID: "x", Status: "submitted"})
	msgs := p.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoutingIncidentSubmitted, msgs[0].RoutingKey)
	assert.Contains(t, string(msgs[0].Body), `"incident_id":"x"`)
}

func TestConsumerWithoutConnectionIsInert(t *testing.T) {
	c := NewAnalysisConsumer(nil, "q", nil, nil, nil)
	c.StartWithContext(context.Background())
	assert.NoError(t, c.StopWithContext(context.Background()))
}

func TestConsumerStopTimeoutAllowsRestart(t *testing.T) {
	c := NewAnalysisConsumer(nil, "q", nil, nil, nil)
	cancelled := false
	c.running = true
	c.cancel = func() { cancelled = true }
	c.wg.Add(1)
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.StopWithContext(ctx), context.Canceled)
	assert.True(t, cancelled)
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	assert.False(t, running, "a timed out stop must leave the consumer restartable")
}
