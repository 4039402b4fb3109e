package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diary-hub/diary-hub/internal/domain/reminder"
)

var ErrBadTrigger = errors.New("invalid trigger")

// Scheduler is a timer-backed reminder.Scheduler. Daily triggers re-arm
// themselves after each firing; one-shot triggers fire once and drop their
// handle. All timers stop on StopAll.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[reminder.Handle]*time.Timer
	nextID  reminder.Handle
	stopped bool
	logger  zerolog.Logger
	now     func() time.Time
}

func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[reminder.Handle]*time.Timer),
		logger: logger.With().Str("service", "scheduler").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the clock used for daily-trigger arithmetic, for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Schedule registers fn against the trigger and returns a handle usable
// with Cancel.
func (s *Scheduler) Schedule(userID, chatID, pollID string, trig reminder.Trigger, fn func()) (reminder.Handle, error) {
	var delay time.Duration
	if trig.OneShot() {
		if trig.In <= 0 {
			return 0, ErrBadTrigger
		}
		delay = trig.In
	} else {
		d, err := untilDaily(trig, s.now())
		if err != nil {
			return 0, err
		}
		delay = d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, errors.New("scheduler stopped")
	}
	s.nextID++
	h := s.nextID

	fire := func() {
		s.logger.Debug().
			Str("user_id", userID).
			Str("chat_id", chatID).
			Str("poll_id", pollID).
			Msg("reminder fired")
		fn()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			return
		}
		if _, live := s.timers[h]; !live {
			// Cancelled while firing.
			return
		}
		if trig.OneShot() {
			delete(s.timers, h)
			return
		}
		next, err := untilDaily(trig, s.now())
		if err != nil {
			delete(s.timers, h)
			return
		}
		s.timers[h].Reset(next)
	}
	s.timers[h] = time.AfterFunc(delay, fire)

	s.logger.Debug().
		Str("user_id", userID).
		Str("poll_id", pollID).
		Dur("in", delay).
		Msg("reminder scheduled")
	return h, nil
}

// Cancel stops the handle's timer. Unknown handles are a no-op.
func (s *Scheduler) Cancel(h reminder.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[h]; ok {
		t.Stop()
		delete(s.timers, h)
	}
}

// StopAll cancels every pending timer and refuses further scheduling.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for h, t := range s.timers {
		t.Stop()
		delete(s.timers, h)
	}
}

// Pending reports the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// untilDaily computes the delay to the next occurrence of the trigger's
// wall-clock time in its location. A time equal to now rolls to tomorrow.
func untilDaily(trig reminder.Trigger, now time.Time) (time.Duration, error) {
	at, err := time.Parse("15:04", trig.Daily)
	if err != nil {
		return 0, ErrBadTrigger
	}
	loc := trig.Loc
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(local), nil
}
