package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/diary-hub/diary-hub/internal/domain/poll"
	"github.com/diary-hub/diary-hub/internal/domain/record"
)

// State represents the lifecycle of one poll instance.
type State string

const (
	StateNotStarted           State = "NOT_STARTED"
	StateActive               State = "ACTIVE"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateCompleted            State = "COMPLETED"
	StateCancelled            State = "CANCELLED"
	StateTimedOut             State = "TIMED_OUT"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateTimedOut
}

var (
	ErrValidation   = errors.New("answer rejected by question value type")
	ErrOutOfOrder   = errors.New("answer does not match the pending question")
	ErrInvalidState = errors.New("operation not valid in current workflow state")
	ErrAuthoring    = errors.New("poll definition authoring error")
)

// Key identifies the chat a workflow belongs to. At most one non-terminal
// workflow may exist per key at any time.
type Key struct {
	UserID string
	ChatID string
}

// Answer pairs a question with its collected value, in question order.
type Answer struct {
	QuestionID string
	Value      poll.Value
}

// Workflow drives a single conversational poll instance through its question
// graph. It is not safe for concurrent use; the owning chat context
// serializes access.
type Workflow struct {
	RunID uuid.UUID
	Key   Key

	def  poll.Definition
	vctx poll.Context

	state        State
	idx          int
	answers      []Answer
	byID         map[string]poll.Value
	startedAt    time.Time
	lastActivity time.Time

	editing     bool
	editDateKey string
}

// New builds a workflow over a private copy of the definition, so a
// configuration reload cannot affect an instance already in flight.
func New(def poll.Definition, key Key, vctx poll.Context) *Workflow {
	started := nowIn(vctx)
	return &Workflow{
		RunID:        uuid.New(),
		Key:          key,
		def:          def.Clone(),
		vctx:         vctx,
		state:        StateNotStarted,
		byID:         make(map[string]poll.Value),
		startedAt:    started,
		lastActivity: started,
	}
}

// Start moves the workflow to Active(0). For once-per-day polls a prior
// record for today's date key pre-populates the answers, entering edit mode:
// the conversation replays from the first question and finalize replaces the
// stored entry instead of duplicating it.
func (w *Workflow) Start(prior *record.Record) error {
	if w.state != StateNotStarted {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, w.state)
	}
	if prior != nil && w.def.OncePerDay {
		for i := range w.def.Questions {
			q := &w.def.Questions[i]
			ans := prior.Answer(q.ID)
			if ans == nil {
				continue
			}
			v, err := q.ParseStored(ans.Value, w.vctx)
			if err != nil {
				continue
			}
			w.setAnswer(q.ID, v)
		}
		w.editing = true
		w.editDateKey = prior.DateKey
	}
	w.state = StateActive
	w.idx = 0
	return w.settle()
}

// Definition exposes the workflow's private definition copy.
func (w *Workflow) Definition() *poll.Definition { return &w.def }

func (w *Workflow) State() State { return w.state }

// Editing reports whether the workflow re-entered an existing record.
func (w *Workflow) Editing() bool { return w.editing }

func (w *Workflow) StartedAt() time.Time { return w.startedAt }

// QuestionIndex returns the index of the pending question.
func (w *Workflow) QuestionIndex() int { return w.idx }

// IdleFor returns the time elapsed since the last answer or start.
func (w *Workflow) IdleFor(now time.Time) time.Duration {
	return now.Sub(w.lastActivity)
}

// CurrentQuestion returns the pending question while Active.
func (w *Workflow) CurrentQuestion() (*poll.Question, error) {
	if w.state != StateActive {
		return nil, fmt.Errorf("%w: no pending question in %s", ErrInvalidState, w.state)
	}
	return &w.def.Questions[w.idx], nil
}

// Answers returns the collected answers in question order, including
// auto-filled defaults but excluding questions left unanswered.
func (w *Workflow) Answers() []Answer {
	out := make([]Answer, len(w.answers))
	copy(out, w.answers)
	return out
}

// SubmitAnswer validates and records a value for the pending question, then
// advances past questions whose dependency predicate no longer holds,
// auto-filling their defaults. Returns the resulting state.
func (w *Workflow) SubmitAnswer(questionID, raw string) (State, error) {
	if w.state != StateActive {
		return w.state, fmt.Errorf("%w: submit in %s", ErrInvalidState, w.state)
	}
	q := &w.def.Questions[w.idx]
	if q.ID != questionID {
		return w.state, fmt.Errorf("%w: got %q, pending %q", ErrOutOfOrder, questionID, q.ID)
	}
	v, err := q.Parse(raw, w.vctx)
	if err != nil {
		return w.state, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	w.setAnswer(q.ID, v)
	w.lastActivity = nowIn(w.vctx)
	w.idx++
	if err := w.settle(); err != nil {
		return w.state, err
	}
	return w.state, nil
}

// settle walks forward from the current index, skipping questions whose
// predicate is unsatisfied and filling auto values, until a question needs
// user input or the graph is exhausted.
func (w *Workflow) settle() error {
	for w.idx < len(w.def.Questions) {
		q := &w.def.Questions[w.idx]
		ok, err := poll.EvaluatePredicate(q.DependsOn, w.params())
		if err != nil {
			return fmt.Errorf("%w: question %q: %v", ErrAuthoring, q.ID, err)
		}
		if !ok {
			// Skipped: the default stands in, re-validated by DefaultValue.
			v, has, err := q.DefaultValue(w.vctx)
			if err != nil {
				return fmt.Errorf("%w: question %q: %v", ErrAuthoring, q.ID, err)
			}
			switch {
			case has:
				w.setAnswer(q.ID, v)
			case q.Optional:
				// Drop any value carried over from an edited record;
				// the question is now unanswered.
				w.clearAnswer(q.ID)
			default:
				return fmt.Errorf("%w: question %q skipped with no default", ErrAuthoring, q.ID)
			}
			w.idx++
			continue
		}
		if q.AutoFills() {
			v, _, err := q.DefaultValue(w.vctx)
			if err != nil {
				return fmt.Errorf("%w: question %q: %v", ErrAuthoring, q.ID, err)
			}
			w.setAnswer(q.ID, v)
			w.idx++
			continue
		}
		return nil
	}
	if w.def.Confirm {
		w.state = StateAwaitingConfirmation
	} else {
		w.state = StateCompleted
	}
	return nil
}

func (w *Workflow) setAnswer(questionID string, v poll.Value) {
	if _, exists := w.byID[questionID]; exists {
		for i := range w.answers {
			if w.answers[i].QuestionID == questionID {
				w.answers[i].Value = v
				break
			}
		}
	} else {
		w.answers = append(w.answers, Answer{QuestionID: questionID, Value: v})
	}
	w.byID[questionID] = v
}

func (w *Workflow) clearAnswer(questionID string) {
	if _, exists := w.byID[questionID]; !exists {
		return
	}
	delete(w.byID, questionID)
	for i := range w.answers {
		if w.answers[i].QuestionID == questionID {
			w.answers = append(w.answers[:i], w.answers[i+1:]...)
			break
		}
	}
}

func (w *Workflow) params() map[string]interface{} {
	params := make(map[string]interface{}, len(w.byID))
	for id, v := range w.byID {
		params[id] = v.Param()
	}
	return params
}

// Confirm finishes a workflow waiting on its confirmation step.
func (w *Workflow) Confirm() error {
	if w.state != StateAwaitingConfirmation {
		return fmt.Errorf("%w: confirm in %s", ErrInvalidState, w.state)
	}
	w.state = StateCompleted
	return nil
}

// Cancel discards collected answers. Valid from any non-terminal state;
// calling it on a terminal workflow is an error, never a second transition.
func (w *Workflow) Cancel() error {
	if w.state.Terminal() {
		return fmt.Errorf("%w: cancel in %s", ErrInvalidState, w.state)
	}
	w.state = StateCancelled
	w.answers = nil
	w.byID = map[string]poll.Value{}
	return nil
}

// Timeout marks an idle workflow as expired, discarding collected answers.
func (w *Workflow) Timeout() error {
	if w.state.Terminal() {
		return fmt.Errorf("%w: timeout in %s", ErrInvalidState, w.state)
	}
	w.state = StateTimedOut
	w.answers = nil
	w.byID = map[string]poll.Value{}
	return nil
}

// Finalize produces the immutable record handed to the Data Store. Only
// valid in Completed; the workflow stays in Completed afterwards so the
// caller can retry the store write if it fails.
func (w *Workflow) Finalize() (*record.Record, error) {
	if w.state != StateCompleted {
		return nil, fmt.Errorf("%w: finalize in %s", ErrInvalidState, w.state)
	}
	answers := make([]record.Answer, 0, len(w.answers))
	for _, a := range w.answers {
		q := w.def.Question(a.QuestionID)
		if q == nil || q.Ephemeral {
			continue
		}
		answers = append(answers, record.Answer{
			QuestionID: a.QuestionID,
			Value:      a.Value.Serialize(),
			Label:      a.Value.Label,
		})
	}
	return &record.Record{
		UserID:    w.Key.UserID,
		PollID:    w.def.Command,
		DateKey:   w.DateKey(),
		Answers:   answers,
		CreatedAt: w.startedAt,
		UpdatedAt: nowIn(w.vctx),
	}, nil
}

// DateKey computes the record key for this instance. Once-per-day polls key
// by the user-local date, shifted to the previous day for entries started
// within the poll's hours-over-midnight window; repeatable polls key by the
// start timestamp so instances never collide.
func (w *Workflow) DateKey() string {
	if !w.def.OncePerDay {
		return w.startedAt.Format(time.RFC3339)
	}
	if w.editing && w.editDateKey != "" {
		return w.editDateKey
	}
	return DateKeyFor(&w.def, w.startedAt)
}

// DateKeyFor returns the once-per-day date key a poll entry started at ts
// belongs to.
func DateKeyFor(def *poll.Definition, ts time.Time) string {
	if def.HoursOverMidnight > 0 && ts.Hour() < def.HoursOverMidnight {
		ts = ts.AddDate(0, 0, -1)
	}
	return ts.Format("2006-01-02")
}

func nowIn(ctx poll.Context) time.Time {
	loc := ctx.Loc
	if loc == nil {
		loc = time.UTC
	}
	if ctx.Now != nil {
		return ctx.Now().In(loc)
	}
	return time.Now().In(loc)
}
