package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/directory"
)

// Invalidator drops cached state of a tenant.
type Invalidator interface {
	Invalidate(ctx context.Context, l directory.Lookup) error
}

// Subscriber applies lifecycle events published by other instances.
type Subscriber struct {
	conn   Conn
	origin string
	dir    Invalidator
	subs   []*nats.Subscription
}

// NewSubscriber creates a subscriber. Events stamped with origin are ignored.
func NewSubscriber(conn Conn, origin string, dir Invalidator) *Subscriber {
	return &Subscriber{
		conn:   conn,
		origin: origin,
		dir:    dir,
		subs:   make([]*nats.Subscription, 0),
	}
}

// Start subscribes and blocks until ctx is done.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.conn.Subscribe(SubjectPrefix+"*", s.handle)
	if err != nil {
		return fmt.Errorf("subscribe tenant events: %w", err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("Tenant event subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}

	return ctx.Err()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal tenant event")
		return
	}
	if ev.Origin != "" && ev.Origin == s.origin {
		return
	}

	log.Debug().
		Str("subject", msg.Subject).
		Int64("client_id", ev.ClientID).
		Str("origin", ev.Origin).
		Msg("Received tenant event")

	switch ev.Type {
	case TypeOffboarded, TypeRefreshed:
		l := directory.Lookup{ClientID: ev.ClientID, Username: ev.Username}
		if !l.Valid() {
			return
		}
		if err := s.dir.Invalidate(context.Background(), l); err != nil {
			log.Error().Err(err).Int64("client_id", ev.ClientID).Msg("Failed to invalidate tenant")
			return
		}
		log.Info().Int64("client_id", ev.ClientID).Str("type", string(ev.Type)).Msg("Tenant invalidated by peer")
	case TypeRegistered:
		log.Info().Int64("client_id", ev.ClientID).Str("alias", ev.Alias).Msg("Tenant registered by peer")
	}
}
