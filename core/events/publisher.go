package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"incidentdesk/config"
	"incidentdesk/core/utils"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	RoutingIncidentSubmitted = "incident.submitted"
	RoutingIncidentTriaged   = "incident.triaged"
)

// IncidentEvent is the payload published for incident lifecycle changes.
type IncidentEvent struct {
	IncidentID    string    `json:"incident_id"`
	UserID        string    `json:"user_id"`
	IncidentType  string    `json:"incident_type"`
	Status        string    `json:"status"`
	ThreatLevel   string    `json:"threat_level,omitempty"`
	PriorityScore int       `json:"priority_score"`
	EvidenceCount int       `json:"evidence_count,omitempty"`
	ChangedBy     string    `json:"changed_by,omitempty"`
	Changed       []string  `json:"changed,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) error { return nil }
func (NoopPublisher) Close() error                               { return nil }

// Published is one message captured by MemoryPublisher.
type Published struct {
	RoutingKey string
	Body       []byte
}

// MemoryPublisher keeps messages in memory. Used by tests and by deployments
// without a broker that still want the events visible in logs.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Published
}

func (p *MemoryPublisher) Publish(_ context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.messages = append(p.messages, Published{RoutingKey: routingKey, Body: body})
	p.mu.Unlock()
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

func (p *MemoryPublisher) Messages() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Published, len(p.messages))
	copy(out, p.messages)
	return out
}

type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *utils.Logger

	mu sync.Mutex
}

// NewRabbitPublisher dials the broker and declares the durable topic exchange
// and the analysis queue.
func NewRabbitPublisher(cfg config.EventsConfig, logger *utils.Logger) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.AnalysisQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.AnalysisQueue, err)
	}
	return &RabbitPublisher{conn: conn, channel: ch, exchange: cfg.Exchange, logger: logger}, nil
}

// Conn exposes the connection so a consumer can share it.
func (r *RabbitPublisher) Conn() *amqp.Connection {
	return r.conn
}

func (r *RabbitPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel.PublishWithContext(ctx,
		r.exchange,
		routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			DeliveryMode: amqp.Persistent,
		},
	)
}

func (r *RabbitPublisher) Close() error {
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// PublishQuietly logs instead of failing; events never block the request path.
func PublishQuietly(ctx context.Context, p Publisher, logger *utils.Logger, routingKey string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, routingKey, payload); err != nil && logger != nil {
		logger.Errorf("publish %s: %v", routingKey, err)
	}
}
