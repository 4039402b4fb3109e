package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags the variants of the notification event union. The dispatcher
// refuses kinds it does not know, so adding one is a compile-visible change
// here plus a case there.
type Kind string

const (
	KindClientConnected        Kind = "client-connected"
	KindClientDisconnected     Kind = "client-disconnected"
	KindPollReminderDue        Kind = "poll-reminder-due"
	KindPollCancelledByTimeout Kind = "poll-cancelled-by-timeout"
	KindRecordChanged          Kind = "record-changed"
	KindConfigChanged          Kind = "config-changed"
	KindSystemNotice           Kind = "system-notice"
)

// Kinds lists every known event kind.
func Kinds() []Kind {
	return []Kind{
		KindClientConnected,
		KindClientDisconnected,
		KindPollReminderDue,
		KindPollCancelledByTimeout,
		KindRecordChanged,
		KindConfigChanged,
		KindSystemNotice,
	}
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindClientConnected, KindClientDisconnected, KindPollReminderDue,
		KindPollCancelledByTimeout, KindRecordChanged, KindConfigChanged,
		KindSystemNotice:
		return true
	}
	return false
}

var ErrUnknownKind = errors.New("unknown event kind")

// Event is one typed notification routed to a subset of a user's sessions.
// UserID empty means a process-wide system broadcast. Source records the
// session that caused the event (uuid.Nil for system-originated ones) and is
// informational; only Exclude suppresses delivery.
type Event struct {
	Kind    Kind            `json:"kind"`
	UserID  string          `json:"userId,omitempty"`
	Source  uuid.UUID       `json:"source,omitempty"`
	Exclude []uuid.UUID     `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// New builds an event for one user's sessions, marshaling the payload.
func New(kind Kind, userID string, payload interface{}) (*Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = b
	}
	return &Event{Kind: kind, UserID: userID, Payload: raw, At: time.Now().UTC()}, nil
}

// WithSource records the originating session.
func (e *Event) WithSource(id uuid.UUID) *Event {
	e.Source = id
	return e
}

// Excluding adds session ids that must not receive the event, typically the
// source itself to suppress echo.
func (e *Event) Excluding(ids ...uuid.UUID) *Event {
	e.Exclude = append(e.Exclude, ids...)
	return e
}

// Excluded reports whether the session id is in the exclusion set.
func (e *Event) Excluded(id uuid.UUID) bool {
	for _, x := range e.Exclude {
		if x == id {
			return true
		}
	}
	return false
}

// Envelope is the push-channel frame: a typed event name plus payload, no id.
type Envelope struct {
	Event   Kind            `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope renders the event for delivery.
func (e *Event) Envelope() Envelope {
	return Envelope{Event: e.Kind, Payload: e.Payload}
}

// ClientPayload accompanies client-connected / client-disconnected events.
type ClientPayload struct {
	SessionID string `json:"sessionId"`
}

// ReminderPayload accompanies poll-reminder-due events.
type ReminderPayload struct {
	ChatID   string `json:"chatId"`
	PollID   string `json:"pollId"`
	PollName string `json:"pollName,omitempty"`
}

// TimeoutPayload accompanies poll-cancelled-by-timeout events.
type TimeoutPayload struct {
	ChatID string `json:"chatId"`
	PollID string `json:"pollId"`
	RunID  string `json:"runId"`
}

// RecordChangedPayload accompanies record-changed events.
type RecordChangedPayload struct {
	PollID  string `json:"pollId"`
	DateKey string `json:"dateKey"`
	Edited  bool   `json:"edited,omitempty"`
}

// ConfigChangedPayload accompanies config-changed events.
type ConfigChangedPayload struct {
	Generation int64 `json:"generation"`
}

// NoticePayload accompanies system-notice broadcasts.
type NoticePayload struct {
	Message string `json:"message"`
}
