package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/diary-hub/diary-hub/internal/domain/event"
	"github.com/diary-hub/diary-hub/internal/domain/poll"
	"github.com/diary-hub/diary-hub/internal/domain/record"
	"github.com/diary-hub/diary-hub/internal/domain/reminder"
	"github.com/diary-hub/diary-hub/internal/domain/user"
	"github.com/diary-hub/diary-hub/internal/domain/workflow"
)

var (
	ErrConflict    = errors.New("another poll is already active in this chat")
	ErrUnknownUser = errors.New("unknown user")
	ErrUnknownPoll = errors.New("unknown poll")
	ErrNoActive    = errors.New("no active poll in this chat")
)

// Publisher is the slice of the dispatcher the manager needs.
type Publisher interface {
	Publish(ev *event.Event) error
}

// chatContext owns the zero-or-one active workflow slot and the pending
// reminder handles for one (user, chat) pair. Created lazily, never deleted,
// only emptied. Its mutex serializes every operation on the slot.
type chatContext struct {
	mu        sync.Mutex
	active    *workflow.Workflow
	reminders []reminder.Handle
}

// Manager mediates start/resume/cancel requests, enforces the one active
// workflow per chat invariant and bridges workflow transitions to reminders
// and notifications.
type Manager struct {
	mu       sync.Mutex
	contexts map[workflow.Key]*chatContext

	users *user.Registry
	store record.Store
	sched reminder.Scheduler
	bus   Publisher

	idleBound      time.Duration
	debugReminders bool
	debugDelay     time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Manager)

// WithClock overrides the manager clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDebugReminders replaces daily reminder triggers with a near-term
// one-shot delay.
func WithDebugReminders(delay time.Duration) Option {
	return func(m *Manager) {
		m.debugReminders = true
		m.debugDelay = delay
	}
}

func NewManager(
	users *user.Registry,
	store record.Store,
	sched reminder.Scheduler,
	bus Publisher,
	idleBound time.Duration,
	logger zerolog.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		contexts:  make(map[workflow.Key]*chatContext),
		users:     users,
		store:     store,
		sched:     sched,
		bus:       bus,
		idleBound: idleBound,
		logger:    logger.With().Str("service", "chat").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) context(key workflow.Key) *chatContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc := m.contexts[key]
	if cc == nil {
		cc = &chatContext{}
		m.contexts[key] = cc
	}
	return cc
}

func (m *Manager) profile(userID string) (*user.Profile, error) {
	p := m.users.Get(userID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return p, nil
}

// StartPoll creates and starts a workflow for (user, chat). Fails with
// ErrConflict while the chat's slot is occupied, including by a completed
// workflow still waiting on a successful finalize.
func (m *Manager) StartPoll(ctx context.Context, userID, chatID, pollID string) (*Progress, error) {
	p, err := m.profile(userID)
	if err != nil {
		return nil, err
	}
	def := p.Poll(pollID)
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPoll, pollID)
	}

	key := workflow.Key{UserID: userID, ChatID: chatID}
	cc := m.context(key)
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.active != nil {
		return nil, fmt.Errorf("%w: poll %s", ErrConflict, cc.active.Definition().Command)
	}

	wf := workflow.New(*def, key, p.ValueContext(m.now))

	var prior *record.Record
	if def.OncePerDay {
		dateKey := workflow.DateKeyFor(def, wf.StartedAt())
		prior, err = m.store.Get(ctx, userID, def.Command, dateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", record.ErrStore, err)
		}
	}
	if err := wf.Start(prior); err != nil {
		return nil, err
	}
	cc.active = wf

	m.logger.Info().
		Str("user_id", userID).
		Str("chat_id", chatID).
		Str("poll_id", def.Command).
		Str("run_id", wf.RunID.String()).
		Bool("editing", wf.Editing()).
		Msg("poll started")

	return snapshot(wf), nil
}

// RouteAnswer delegates an answer to the chat's active workflow. The whole
// routing runs inside a guaranteed-cleanup scope: if anything downstream
// panics, the active-workflow slot is released before the panic continues,
// so the chat can never be left occupied by an unreachable workflow.
func (m *Manager) RouteAnswer(ctx context.Context, userID, chatID, questionID, value string, exclude []uuid.UUID) (*Progress, error) {
	key := workflow.Key{UserID: userID, ChatID: chatID}
	cc := m.context(key)
	cc.mu.Lock()
	defer cc.mu.Unlock()

	wf := cc.active
	if wf == nil {
		return nil, ErrNoActive
	}

	defer func() {
		if r := recover(); r != nil {
			cc.active = nil
			m.logger.Error().
				Str("user_id", userID).
				Str("chat_id", chatID).
				Interface("panic", r).
				Msg("answer routing panicked, workflow slot released")
			panic(r)
		}
	}()

	st, err := wf.SubmitAnswer(questionID, value)
	if err != nil {
		// Validation and protocol errors leave the workflow untouched.
		return nil, err
	}
	if st == workflow.StateCompleted {
		return m.finalizeLocked(ctx, key, cc, wf, exclude)
	}
	return snapshot(wf), nil
}

// ConfirmPoll completes a workflow paused on its confirmation step.
func (m *Manager) ConfirmPoll(ctx context.Context, userID, chatID string, exclude []uuid.UUID) (*Progress, error) {
	key := workflow.Key{UserID: userID, ChatID: chatID}
	cc := m.context(key)
	cc.mu.Lock()
	defer cc.mu.Unlock()

	wf := cc.active
	if wf == nil {
		return nil, ErrNoActive
	}
	if err := wf.Confirm(); err != nil {
		return nil, err
	}
	return m.finalizeLocked(ctx, key, cc, wf, exclude)
}

// FinalizePoll retries persisting a workflow stuck in Completed after a
// store failure.
func (m *Manager) FinalizePoll(ctx context.Context, userID, chatID string, exclude []uuid.UUID) (*Progress, error) {
	key := workflow.Key{UserID: userID, ChatID: chatID}
	cc := m.context(key)
	cc.mu.Lock()
	defer cc.mu.Unlock()

	wf := cc.active
	if wf == nil {
		return nil, ErrNoActive
	}
	if wf.State() != workflow.StateCompleted {
		return nil, fmt.Errorf("%w: finalize in %s", workflow.ErrInvalidState, wf.State())
	}
	return m.finalizeLocked(ctx, key, cc, wf, exclude)
}

// finalizeLocked treats finalize plus the store write as one logical unit.
// On store failure the workflow stays in Completed, still occupying the
// slot, so the caller can retry instead of losing the entry.
func (m *Manager) finalizeLocked(ctx context.Context, key workflow.Key, cc *chatContext, wf *workflow.Workflow, exclude []uuid.UUID) (*Progress, error) {
	rec, err := wf.Finalize()
	if err != nil {
		return nil, err
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		m.logger.Warn().
			Str("user_id", key.UserID).
			Str("poll_id", rec.PollID).
			Err(err).
			Msg("record upsert failed, workflow kept for retry")
		return nil, fmt.Errorf("%w: %v", record.ErrStore, err)
	}
	cc.active = nil

	// Every session of the user sees the confirmation, the originator
	// included, unless the caller excluded someone explicitly.
	ev, err := event.New(event.KindRecordChanged, key.UserID, event.RecordChangedPayload{
		PollID:  rec.PollID,
		DateKey: rec.DateKey,
		Edited:  wf.Editing(),
	})
	if err == nil {
		ev.Excluding(exclude...)
		if perr := m.bus.Publish(ev); perr != nil {
			m.logger.Warn().Err(perr).Msg("record-changed publish failed")
		}
	}

	m.logger.Info().
		Str("user_id", key.UserID).
		Str("poll_id", rec.PollID).
		Str("date_key", rec.DateKey).
		Msg("poll finalized")

	return snapshot(wf), nil
}

// CancelPoll cancels the chat's active workflow, discarding its answers. A
// workflow held in Completed by a failed store write is discarded too,
// freeing the slot without persisting.
func (m *Manager) CancelPoll(ctx context.Context, userID, chatID string) error {
	_ = ctx
	key := workflow.Key{UserID: userID, ChatID: chatID}
	cc := m.context(key)
	cc.mu.Lock()
	defer cc.mu.Unlock()

	wf := cc.active
	if wf == nil {
		return ErrNoActive
	}
	if wf.State() == workflow.StateCompleted {
		// Completed but still occupying the slot means the store write
		// failed; cancelling gives up on the record and frees the chat.
		cc.active = nil
		m.logger.Info().
			Str("user_id", userID).
			Str("chat_id", chatID).
			Str("run_id", wf.RunID.String()).
			Msg("unpersisted poll discarded")
		return nil
	}
	if err := wf.Cancel(); err != nil {
		return err
	}
	cc.active = nil
	m.logger.Info().
		Str("user_id", userID).
		Str("chat_id", chatID).
		Str("run_id", wf.RunID.String()).
		Msg("poll cancelled")
	return nil
}

// ExpireIdlePolls times out workflows idle past the configured bound and
// emits poll-cancelled-by-timeout for each, excluding no one. Invoked by the
// periodic sweep. Returns the number of expired workflows.
func (m *Manager) ExpireIdlePolls(ctx context.Context) int {
	_ = ctx
	now := m.now()

	m.mu.Lock()
	type entry struct {
		key workflow.Key
		cc  *chatContext
	}
	entries := make([]entry, 0, len(m.contexts))
	for key, cc := range m.contexts {
		entries = append(entries, entry{key, cc})
	}
	m.mu.Unlock()

	expired := 0
	for _, e := range entries {
		e.cc.mu.Lock()
		wf := e.cc.active
		if wf == nil || wf.State().Terminal() || wf.IdleFor(now) < m.idleBound {
			e.cc.mu.Unlock()
			continue
		}
		if err := wf.Timeout(); err != nil {
			e.cc.mu.Unlock()
			continue
		}
		e.cc.active = nil
		e.cc.mu.Unlock()
		expired++

		m.logger.Info().
			Str("user_id", e.key.UserID).
			Str("chat_id", e.key.ChatID).
			Str("run_id", wf.RunID.String()).
			Msg("idle poll timed out")

		ev, err := event.New(event.KindPollCancelledByTimeout, e.key.UserID, event.TimeoutPayload{
			ChatID: e.key.ChatID,
			PollID: wf.Definition().Command,
			RunID:  wf.RunID.String(),
		})
		if err == nil {
			_ = m.bus.Publish(ev)
		}
	}
	return expired
}

// ActiveState reports the chat's active workflow state, if any.
func (m *Manager) ActiveState(userID, chatID string) (workflow.State, bool) {
	cc := m.context(workflow.Key{UserID: userID, ChatID: chatID})
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.active == nil {
		return "", false
	}
	return cc.active.State(), true
}

// ReloadReminders cancels every pending reminder handle for the user and
// re-derives them from the current profile snapshot: one recurring daily
// trigger per poll that declares a reminder time, in the user's timezone,
// targeting the user's default chat. In debug mode a short one-shot delay
// replaces the daily period.
func (m *Manager) ReloadReminders(userID string) error {
	p, err := m.profile(userID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	var stale []*chatContext
	for key, cc := range m.contexts {
		if key.UserID == userID {
			stale = append(stale, cc)
		}
	}
	// Reminders land on the default chat (chat id = user id) so they fire
	// before any conversation exists, and each poll gets exactly one
	// trigger however many chats the user has.
	key := workflow.Key{UserID: userID, ChatID: userID}
	target := m.contexts[key]
	if target == nil {
		target = &chatContext{}
		m.contexts[key] = target
	}
	m.mu.Unlock()

	for _, cc := range stale {
		cc.mu.Lock()
		for _, h := range cc.reminders {
			m.sched.Cancel(h)
		}
		cc.reminders = nil
		cc.mu.Unlock()
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	for i := range p.Polls {
		def := &p.Polls[i]
		if def.ReminderTime == "" {
			continue
		}
		trig := reminder.Trigger{Daily: def.ReminderTime, Loc: p.Location()}
		if m.debugReminders {
			trig = reminder.Trigger{In: m.debugDelay}
		}
		d := def
		h, err := m.sched.Schedule(key.UserID, key.ChatID, d.Command, trig, func() {
			m.remind(key, d.Command, d.Name)
		})
		if err != nil {
			return fmt.Errorf("schedule reminder for %s/%s: %w", userID, def.Command, err)
		}
		target.reminders = append(target.reminders, h)
	}
	return nil
}

func (m *Manager) remind(key workflow.Key, pollID, pollName string) {
	ev, err := event.New(event.KindPollReminderDue, key.UserID, event.ReminderPayload{
		ChatID:   key.ChatID,
		PollID:   pollID,
		PollName: pollName,
	})
	if err != nil {
		return
	}
	if err := m.bus.Publish(ev); err != nil {
		m.logger.Warn().Err(err).Str("poll_id", pollID).Msg("reminder publish failed")
	}
}

// ReloadUser swaps in a refreshed profile snapshot, re-derives the user's
// reminders and notifies all of the user's sessions.
func (m *Manager) ReloadUser(p *user.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	gen := m.users.Swap(p)
	if err := m.ReloadReminders(p.ID); err != nil {
		return err
	}
	ev, err := event.New(event.KindConfigChanged, p.ID, event.ConfigChangedPayload{Generation: gen})
	if err == nil {
		_ = m.bus.Publish(ev)
	}
	m.logger.Info().Str("user_id", p.ID).Int64("generation", gen).Msg("profile reloaded")
	return nil
}

// Polls lists the user's poll definitions.
func (m *Manager) Polls(userID string) ([]poll.Definition, error) {
	p, err := m.profile(userID)
	if err != nil {
		return nil, err
	}
	out := make([]poll.Definition, len(p.Polls))
	for i := range p.Polls {
		out[i] = p.Polls[i].Clone()
	}
	return out, nil
}
