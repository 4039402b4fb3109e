package record

import (
	"context"
	"errors"
	"time"
)

// ErrStore marks a Data Store failure. Callers treat it as retryable: a
// workflow whose finalize hit ErrStore stays queryable in its terminal state.
var ErrStore = errors.New("record store failure")

// Answer is one serialized question answer inside a finalized record.
type Answer struct {
	QuestionID string `json:"questionId"`
	Value      string `json:"value"`
	Label      string `json:"label,omitempty"`
}

// Record is one finalized poll entry. Keys are opaque strings; for
// once-per-day polls the date key is the user-local date, so an upsert
// replaces the existing entry for that day.
type Record struct {
	UserID    string    `json:"userId"`
	PollID    string    `json:"pollId"`
	DateKey   string    `json:"dateKey"`
	Answers   []Answer  `json:"answers"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Answer returns the answer for a question id, or nil.
func (r *Record) Answer(questionID string) *Answer {
	for i := range r.Answers {
		if r.Answers[i].QuestionID == questionID {
			return &r.Answers[i]
		}
	}
	return nil
}

// Store is the per-user record store consumed by the core. Implementations
// return (nil, nil) from Get when no record exists.
type Store interface {
	Get(ctx context.Context, userID, pollID, dateKey string) (*Record, error)
	Upsert(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, userID, pollID, dateKey string) error
	List(ctx context.Context, userID, pollID string, limit int) ([]*Record, error)
}
