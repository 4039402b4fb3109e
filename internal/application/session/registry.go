package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultQueueSize = 64

// Transport is the opaque client channel handle held by a session. The core
// only ever closes it; writes happen in the transport's own pump, which
// drains the session queue.
type Transport interface {
	Close() error
}

// Client is one connected session. The session identifier is process-unique
// for the process lifetime and never reused; a purged id can never re-enter
// a session set or exclusion set.
type Client struct {
	SessionID   uuid.UUID
	UserID      string
	ConnectedAt time.Time

	transport Transport

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
	queue    chan []byte
}

// Queue exposes the ordered outbound frame channel for the transport pump.
func (c *Client) Queue() <-chan []byte { return c.queue }

// TrySend enqueues an outbound frame without blocking. It fails when the
// session is closed or its queue is full; callers treat failure as a dead
// transport.
func (c *Client) TrySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.queue <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.queue)
	if c.transport != nil {
		_ = c.transport.Close()
	}
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

func (c *Client) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Registry tracks connected client sessions per user. Registration and
// removal from many goroutines are safe; readers observe consistent
// snapshots, never a half-updated set.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Client
	byUser map[string]map[uuid.UUID]*Client

	queueSize int
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byID:      make(map[uuid.UUID]*Client),
		byUser:    make(map[string]map[uuid.UUID]*Client),
		queueSize: defaultQueueSize,
		logger:    logger.With().Str("service", "session").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the registry clock, for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Register allocates a fresh session for an authenticated user.
func (r *Registry) Register(userID string, transport Transport) *Client {
	now := r.now().UTC()
	c := &Client{
		SessionID:   uuid.New(),
		UserID:      userID,
		ConnectedAt: now,
		transport:   transport,
		lastSeen:    now,
		queue:       make(chan []byte, r.queueSize),
	}
	r.mu.Lock()
	r.byID[c.SessionID] = c
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[uuid.UUID]*Client)
	}
	r.byUser[userID][c.SessionID] = c
	r.mu.Unlock()

	r.logger.Info().Str("user_id", userID).Str("session_id", c.SessionID.String()).Msg("session registered")
	return c
}

// Heartbeat refreshes a session's liveness. A no-op if the session was
// already purged; callers must tolerate an id resolving to nothing.
func (r *Registry) Heartbeat(id uuid.UUID) {
	r.mu.RLock()
	c := r.byID[id]
	r.mu.RUnlock()
	if c != nil {
		c.touch(r.now().UTC())
	}
}

// Unregister removes a session immediately and closes its transport.
// Returns the removed client, or nil if the id was unknown.
func (r *Registry) Unregister(id uuid.UUID) *Client {
	r.mu.Lock()
	c := r.byID[id]
	if c != nil {
		delete(r.byID, id)
		if set := r.byUser[c.UserID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, c.UserID)
			}
		}
	}
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	c.close()
	r.logger.Info().Str("user_id", c.UserID).Str("session_id", id.String()).Msg("session unregistered")
	return c
}

// SweepStale purges sessions idle longer than maxIdle and returns the
// removed set so the dispatcher can emit disconnect events for them.
func (r *Registry) SweepStale(maxIdle time.Duration) []*Client {
	cutoff := r.now().UTC().Add(-maxIdle)
	var stale []*Client
	r.mu.RLock()
	for _, c := range r.byID {
		if c.seen().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range stale {
		r.Unregister(c.SessionID)
	}
	return stale
}

// Get returns the session for an id, or nil.
func (r *Registry) Get(id uuid.UUID) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// SessionsOf returns a snapshot of the user's session ids.
func (r *Registry) SessionsOf(userID string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ClientsOf returns a snapshot of the user's sessions.
func (r *Registry) ClientsOf(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every connected session.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
