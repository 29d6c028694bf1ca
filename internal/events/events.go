// Package events carries tenant lifecycle notifications between instances
// over NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectPrefix prefixes every lifecycle subject.
const SubjectPrefix = "tenants."

// Type is a lifecycle transition.
type Type string

const (
	TypeRegistered Type = "registered"
	TypeOffboarded Type = "offboarded"
	TypeRefreshed  Type = "refreshed"
)

// Subject returns the NATS subject of t.
func (t Type) Subject() string {
	return SubjectPrefix + string(t)
}

// Event is the message body. It never carries credentials.
type Event struct {
	Type     Type      `json:"type"`
	ClientID int64     `json:"client_id"`
	Username string    `json:"username,omitempty"`
	Alias    string    `json:"alias"`
	Origin   string    `json:"origin"`
	At       time.Time `json:"at"`
}

// Publisher announces lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Conn is the subset of *nats.Conn used here.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// NATSPublisher publishes events on NATS.
type NATSPublisher struct {
	conn   Conn
	origin string
}

// NewNATSPublisher creates a publisher that stamps events with origin.
func NewNATSPublisher(conn Conn, origin string) *NATSPublisher {
	return &NATSPublisher{conn: conn, origin: origin}
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	ev.Origin = p.origin
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(ev.Type.Subject(), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type.Subject(), err)
	}

	log.Debug().
		Str("subject", ev.Type.Subject()).
		Int64("client_id", ev.ClientID).
		Str("alias", ev.Alias).
		Msg("Tenant event published")
	return nil
}
