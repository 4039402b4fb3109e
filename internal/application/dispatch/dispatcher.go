package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/diary-hub/diary-hub/internal/application/session"
	"github.com/diary-hub/diary-hub/internal/domain/event"
)

const queueDepth = 256

// Dispatcher routes typed events to the sessions of the target user, minus
// the exclusion set. A single delivery goroutine drains the queue, which
// gives every session the publish order for its user's events, and keeps
// transport hand-off out of the callers' critical sections: Publish never
// performs I/O.
type Dispatcher struct {
	registry *session.Registry
	events   chan *event.Event
	logger   zerolog.Logger
}

func New(registry *session.Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		events:   make(chan *event.Event, queueDepth),
		logger:   logger.With().Str("service", "dispatch").Logger(),
	}
}

// Publish queues an event for delivery to the sessions of event.UserID.
func (d *Dispatcher) Publish(ev *event.Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: %q", event.ErrUnknownKind, ev.Kind)
	}
	if ev.UserID == "" {
		return fmt.Errorf("publish: event %s has no target user", ev.Kind)
	}
	d.events <- ev
	return nil
}

// BroadcastSystem queues an event for every connected session regardless of
// user, used for process-wide notices.
func (d *Dispatcher) BroadcastSystem(ev *event.Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: %q", event.ErrUnknownKind, ev.Kind)
	}
	ev.UserID = ""
	d.events <- ev
	return nil
}

// SessionGone emits the derived client-disconnected event for a purged
// session, excluding no one.
func (d *Dispatcher) SessionGone(c *session.Client) {
	ev, err := event.New(event.KindClientDisconnected, c.UserID,
		event.ClientPayload{SessionID: c.SessionID.String()})
	if err != nil {
		return
	}
	ev.WithSource(c.SessionID).Excluding(c.SessionID)
	d.events <- ev
}

// Run drains the event queue until the context is cancelled. Exactly one
// Run loop must be active per dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) deliver(ev *event.Event) {
	frame, err := json.Marshal(ev.Envelope())
	if err != nil {
		d.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to encode event")
		return
	}

	var targets []*session.Client
	if ev.UserID == "" {
		targets = d.registry.All()
	} else {
		targets = d.registry.ClientsOf(ev.UserID)
	}

	for _, c := range targets {
		if ev.Excluded(c.SessionID) {
			continue
		}
		if c.TrySend(frame) {
			continue
		}
		// Dead or saturated transport: purge this session only and let the
		// user's remaining sessions know. Delivery to the others proceeds.
		d.logger.Warn().
			Str("user_id", c.UserID).
			Str("session_id", c.SessionID.String()).
			Str("kind", string(ev.Kind)).
			Msg("delivery failed, purging session")
		if removed := d.registry.Unregister(c.SessionID); removed != nil {
			gone, err := event.New(event.KindClientDisconnected, removed.UserID,
				event.ClientPayload{SessionID: removed.SessionID.String()})
			if err == nil {
				gone.WithSource(removed.SessionID)
				// Delivered inline to preserve per-user ordering.
				d.deliver(gone)
			}
		}
	}

	d.logger.Debug().
		Str("kind", string(ev.Kind)).
		Str("user_id", ev.UserID).
		Int("targets", len(targets)).
		Msg("event dispatched")
}
