// Package events publishes pledge domain events for downstream consumers
// (escrow, notifications, analytics).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/poolbuy/pledge-engine/internal/model"
)

// Event types
const (
	TypePledgeAuthorized   = "pledge.authorized"
	TypePledgeUnreconciled = "pledge.unreconciled"
	TypePoolLocked         = "pool.locked"
)

// Event is the envelope published on the bus.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	PoolID    string          `json:"pool_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// PledgeEvent carries a recorded (or orphaned) pledge.
type PledgeEvent struct {
	PledgeID         string `json:"pledge_id,omitempty"`
	BuyerRef         string `json:"buyer_ref"`
	Units            string `json:"units"`
	Total            string `json:"total"`
	AuthorizedAmount string `json:"authorized_amount"`
	Currency         string `json:"currency"`
	AuthorizationRef string `json:"authorization_ref"`
	Reason           string `json:"reason,omitempty"`
}

// PoolLockedEvent is emitted once when a pool passes its deadline.
type PoolLockedEvent struct {
	CommittedUnits string    `json:"committed_units"`
	MOQTarget      string    `json:"moq_target"`
	MOQReached     bool      `json:"moq_reached"`
	Deadline       time.Time `json:"deadline"`
}

// NewEvent wraps data in an envelope.
func NewEvent(eventType, poolID string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		PoolID:    poolID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// NewPledgeEvent builds the payload for a pledge record.
func NewPledgeEvent(rec model.PledgeRecord) PledgeEvent {
	return PledgeEvent{
		PledgeID:         rec.ID,
		BuyerRef:         rec.BuyerRef,
		Units:            rec.Units.String(),
		Total:            rec.Cost.Total.String(),
		AuthorizedAmount: rec.AuthorizedAmount.String(),
		Currency:         rec.Cost.Currency,
		AuthorizationRef: rec.AuthorizationRef,
	}
}

// Publisher sends events to the bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// NATSPublisher publishes events as JSON on "<prefix>.<type>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials NATS and returns a publisher.
func Connect(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("pledge-engine"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Subject returns the NATS subject for an event type.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	if p.conn == nil {
		return fmt.Errorf("not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.conn.Publish(p.Subject(ev.Type), payload)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}

// Recorder keeps published events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
