package reminder

import "time"

// Handle identifies a scheduled reminder for cancellation. Opaque to the
// core.
type Handle int64

// Trigger is either a recurring daily wall-clock time in a location, or a
// one-shot near-term delay (test mode). Exactly one of Daily / In is set.
type Trigger struct {
	Daily string         // "15:04"
	Loc   *time.Location // location Daily is interpreted in
	In    time.Duration  // one-shot delay
}

// OneShot reports whether the trigger fires once.
func (t Trigger) OneShot() bool { return t.In > 0 }

// Scheduler fires a callback at the trigger time. Internals beyond "fires at
// time T" are out of the core's scope.
type Scheduler interface {
	Schedule(userID, chatID, pollID string, trig Trigger, fn func()) (Handle, error)
	Cancel(h Handle)
}
