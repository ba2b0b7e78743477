package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"incidentdesk/core/apperr"
	"incidentdesk/core/metrics"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AnalysisMessage is what the external analyzer publishes to the analysis queue.
type AnalysisMessage struct {
	IncidentID      string          `json:"incident_id"`
	Result          json.RawMessage `json:"result"`
	Recommendations []string        `json:"recommendations"`
	PriorityScore   int             `json:"priority_score"`
	ThreatLevel     string          `json:"threat_level"`
}

func (m AnalysisMessage) toUpdate() (store.AnalysisUpdate, error) {
	upd := store.AnalysisUpdate{Result: m.Result, Recommendations: m.Recommendations, PriorityScore: m.PriorityScore}
	if !store.IsValidID(m.IncidentID) {
		return upd, apperr.Invalid("incident_id", "must be a uuid")
	}
	if m.PriorityScore < 0 {
		return upd, apperr.Invalid("priority_score", "must not be negative")
	}
	if len(m.Result) > 0 && !json.Valid(m.Result) {
		return upd, apperr.Invalid("result", "must be json")
	}
	if strings.TrimSpace(m.ThreatLevel) != "" {
		lvl, err := store.ParseThreatLevel(m.ThreatLevel)
		if err != nil {
			return upd, err
		}
		upd.ThreatLevel = &lvl
	}
	return upd, nil
}

// AnalysisConsumer applies analyzer output to incidents as a system writer.
type AnalysisConsumer struct {
	conn      *amqp.Connection
	queue     string
	incidents store.IncidentsStore
	audits    store.AuditStore
	logger    *utils.Logger

	mu      sync.Mutex
	channel *amqp.Channel
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewAnalysisConsumer(conn *amqp.Connection, queue string, incidents store.IncidentsStore, audits store.AuditStore, logger *utils.Logger) *AnalysisConsumer {
	return &AnalysisConsumer{conn: conn, queue: queue, incidents: incidents, audits: audits, logger: logger}
}

// Handle processes one message body. Errors marked as validation or not-found
// are permanent; anything else may succeed on redelivery.
func (c *AnalysisConsumer) Handle(ctx context.Context, body []byte) error {
	var msg AnalysisMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		metrics.AnalysisApplied.WithLabelValues("invalid").Inc()
		return apperr.Invalid("body", "malformed json")
	}
	upd, err := msg.toUpdate()
	if err != nil {
		metrics.AnalysisApplied.WithLabelValues("invalid").Inc()
		return err
	}
	inc, err := c.incidents.ApplyAnalysis(ctx, msg.IncidentID, upd)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			metrics.AnalysisApplied.WithLabelValues("unknown_incident").Inc()
			return err
		}
		metrics.AnalysisApplied.WithLabelValues("error").Inc()
		return apperr.Persistence("apply analysis", err)
	}
	metrics.AnalysisApplied.WithLabelValues("applied").Inc()
	details := map[string]any{"priority_score": inc.PriorityScore, "recommendations": len(inc.Recommendations)}
	if inc.ThreatLevel != nil {
		details["threat_level"] = string(*inc.ThreatLevel)
	}
	if c.audits != nil {
		if err := c.audits.Append(ctx, store.NewAuditEntry("", "incident.analysis_applied", "incident", inc.ID, details)); err != nil && c.logger != nil {
			c.logger.Errorf("audit analysis %s: %v", inc.ID, err)
		}
	}
	return nil
}

func permanent(err error) bool {
	return apperr.IsValidation(err) || errors.Is(err, apperr.ErrNotFound)
}

func (c *AnalysisConsumer) StartWithContext(ctx context.Context) {
	if c == nil || c.conn == nil {
		return
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ch, deliveries, err := c.open()
	if err != nil {
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Errorf("analysis consumer: %v", err)
		}
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.channel = ch
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				c.deliver(runCtx, d)
			}
		}
	}()
}

func (c *AnalysisConsumer) open() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(8, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, "incidentdesk-analysis", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	return ch, deliveries, nil
}

func (c *AnalysisConsumer) deliver(ctx context.Context, d amqp.Delivery) {
	err := c.Handle(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case permanent(err):
		if c.logger != nil {
			c.logger.Warnf("analysis message dropped: %v", err)
		}
		_ = d.Nack(false, false)
	default:
		if c.logger != nil {
			c.logger.Errorf("analysis message failed: %v", err)
		}
		_ = d.Nack(false, !d.Redelivered)
	}
}

func (c *AnalysisConsumer) StopWithContext(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	ch := c.channel
	c.cancel = nil
	c.channel = nil
	wasRunning := c.running
	c.running = false
	c.mu.Unlock()
	if !wasRunning || cancel == nil {
		return nil
	}
	cancel()
	if ch != nil {
		_ = ch.Close()
	}
	waitDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
