package poll

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
)

// Kind represents the value type of a question.
type Kind string

const (
	KindSelect       Kind = "select"
	KindInt          Kind = "int"
	KindFloat        Kind = "float"
	KindText         Kind = "text"
	KindTimestamp    Kind = "timestamp"
	KindRelativeTime Kind = "relative_time"
	KindTimeOfDay    Kind = "time_of_day"
)

var (
	ErrInvalidDefinition = errors.New("invalid poll definition")
	ErrUnsupportedAnswer = errors.New("unsupported answer value")
)

var commandRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// Option is a single selectable answer value with an optional display label.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

func (o Option) DisplayLabel() string {
	if o.Label != "" {
		return o.Label
	}
	return o.Value
}

// Question describes one step of a poll's question graph.
type Question struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
	Kind   Kind   `json:"kind"`

	// Select holds the answer options for KindSelect questions.
	Select []Option `json:"select,omitempty"`

	// DependsOn is a predicate expression over answers to earlier questions.
	// The question is asked only while the predicate evaluates true.
	DependsOn string `json:"dependsOn,omitempty"`

	// Default is the value stored when the question is skipped. For time
	// kinds the literals "auto" and "now" resolve to the current time.
	Default *string `json:"default,omitempty"`

	// Optional questions may be skipped without a default.
	Optional bool `json:"optional,omitempty"`

	// Ephemeral answers drive the question graph but are never persisted.
	Ephemeral bool `json:"ephemeral,omitempty"`

	ValueHint string `json:"valueHint,omitempty"`
}

// AutoFills reports whether the question populates itself without user input.
func (q *Question) AutoFills() bool {
	if q.Default == nil {
		return false
	}
	switch q.Kind {
	case KindTimestamp, KindTimeOfDay:
		d := strings.ToLower(strings.TrimSpace(*q.Default))
		return d == "auto" || d == "now"
	}
	return false
}

func (q *Question) option(value string) (Option, bool) {
	for _, o := range q.Select {
		if o.Value == value {
			return o, true
		}
	}
	return Option{}, false
}

// Definition is the immutable question graph for one poll type. Definitions
// are replaced wholesale on configuration reload and never mutated in place.
type Definition struct {
	Name        string     `json:"name"`
	Command     string     `json:"command,omitempty"`
	Description string     `json:"description,omitempty"`
	Questions   []Question `json:"questions"`

	// ReminderTime is the daily reminder wall-clock time ("15:04") in the
	// owning user's timezone. Empty means no reminder.
	ReminderTime string `json:"reminderTime,omitempty"`

	// OncePerDay polls keep one record per date key; re-entry edits it.
	OncePerDay bool `json:"oncePerDay,omitempty"`

	// HoursOverMidnight attributes entries started before this hour to the
	// previous day (once-per-day polls only).
	HoursOverMidnight int `json:"hoursOverMidnight,omitempty"`

	// Confirm adds a confirmation step after the final answer.
	Confirm bool `json:"confirm,omitempty"`
}

// Validate checks the definition and derives the command from the name when
// one is not set. Authoring errors (forward dependency references, skippable
// questions without a usable default) are surfaced here, at load time, never
// mid-conversation.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(d.Questions) == 0 {
		return fmt.Errorf("%w: poll %q has no questions", ErrInvalidDefinition, d.Name)
	}
	if d.Command == "" {
		derived := strings.Join(strings.Fields(strings.ToLower(d.Name)), "_")
		if commandRe.MatchString(derived) {
			d.Command = derived
		}
	}
	if !commandRe.MatchString(d.Command) {
		return fmt.Errorf("%w: poll %q has no usable command", ErrInvalidDefinition, d.Name)
	}
	if d.HoursOverMidnight != 0 {
		if !d.OncePerDay {
			return fmt.Errorf("%w: poll %q sets hoursOverMidnight on a repeatable poll", ErrInvalidDefinition, d.Name)
		}
		if d.HoursOverMidnight < 0 || d.HoursOverMidnight > 7 {
			return fmt.Errorf("%w: poll %q hoursOverMidnight must be within 0..7", ErrInvalidDefinition, d.Name)
		}
	}
	if d.ReminderTime != "" {
		if _, err := time.Parse("15:04", d.ReminderTime); err != nil {
			return fmt.Errorf("%w: poll %q reminder time %q", ErrInvalidDefinition, d.Name, d.ReminderTime)
		}
	}

	seen := make(map[string]bool, len(d.Questions))
	for i := range d.Questions {
		q := &d.Questions[i]
		if err := d.validateQuestion(q, seen); err != nil {
			return err
		}
		seen[q.ID] = true
	}
	return nil
}

func (d *Definition) validateQuestion(q *Question, earlier map[string]bool) error {
	if !commandRe.MatchString(q.ID) {
		return fmt.Errorf("%w: poll %q question id %q is not a valid identifier", ErrInvalidDefinition, d.Name, q.ID)
	}
	if earlier[q.ID] {
		return fmt.Errorf("%w: poll %q has duplicate question %q", ErrInvalidDefinition, d.Name, q.ID)
	}
	switch q.Kind {
	case KindSelect:
		if len(q.Select) == 0 {
			return fmt.Errorf("%w: question %q has no answer options", ErrInvalidDefinition, q.ID)
		}
	case KindInt, KindFloat, KindText, KindTimestamp, KindRelativeTime, KindTimeOfDay:
		if len(q.Select) != 0 {
			return fmt.Errorf("%w: question %q of kind %s must not declare options", ErrInvalidDefinition, q.ID, q.Kind)
		}
	default:
		return fmt.Errorf("%w: question %q has unknown kind %q", ErrInvalidDefinition, q.ID, q.Kind)
	}

	if q.DependsOn != "" {
		expr, err := govaluate.NewEvaluableExpression(q.DependsOn)
		if err != nil {
			return fmt.Errorf("%w: question %q dependency predicate: %v", ErrInvalidDefinition, q.ID, err)
		}
		for _, ref := range expr.Vars() {
			if !earlier[ref] {
				return fmt.Errorf("%w: question %q depends on %q which is not an earlier question", ErrInvalidDefinition, q.ID, ref)
			}
		}
		// A question that can be skipped must leave something behind.
		if !q.Optional && q.Default == nil {
			return fmt.Errorf("%w: question %q may be skipped but has neither a default nor the optional flag", ErrInvalidDefinition, q.ID)
		}
	}

	if q.Default != nil && !q.AutoFills() {
		// Static defaults must themselves satisfy the question's value type.
		if _, err := q.Parse(*q.Default, Context{Lang: "en", Loc: time.UTC}); err != nil {
			return fmt.Errorf("%w: question %q default %q: %v", ErrInvalidDefinition, q.ID, *q.Default, err)
		}
	}
	return nil
}

// Question returns the question with the given id, or nil.
func (d *Definition) Question(id string) *Question {
	for i := range d.Questions {
		if d.Questions[i].ID == id {
			return &d.Questions[i]
		}
	}
	return nil
}

// Clone returns a deep copy so ongoing workflows are not affected by
// configuration reloads.
func (d *Definition) Clone() Definition {
	out := *d
	out.Questions = make([]Question, len(d.Questions))
	copy(out.Questions, d.Questions)
	for i := range out.Questions {
		q := &out.Questions[i]
		if len(q.Select) > 0 {
			opts := make([]Option, len(q.Select))
			copy(opts, q.Select)
			q.Select = opts
		}
		if q.Default != nil {
			def := *q.Default
			q.Default = &def
		}
	}
	return out
}

// EvaluatePredicate evaluates a dependency predicate against collected
// answers. An empty predicate is always satisfied.
func EvaluatePredicate(predicate string, params map[string]interface{}) (bool, error) {
	pred := strings.TrimSpace(predicate)
	if pred == "" {
		return true, nil
	}
	expr, err := govaluate.NewEvaluableExpression(pred)
	if err != nil {
		return false, err
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, errors.New("dependency predicate did not evaluate to boolean")
	}
	return b, nil
}
