package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/diary-hub/diary-hub/internal/domain/record"
)

type recordKey struct {
	userID  string
	pollID  string
	dateKey string
}

// Store is an in-memory record.Store used when no database is configured.
// Upsert replaces whole entries, matching the once-per-day edit semantics.
type Store struct {
	mu      sync.RWMutex
	records map[recordKey]*record.Record
}

func New() *Store {
	return &Store{records: make(map[recordKey]*record.Record)}
}

func (s *Store) Get(ctx context.Context, userID, pollID, dateKey string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordKey{userID, pollID, dateKey}]
	if !ok {
		return nil, nil
	}
	cp := *r
	cp.Answers = append([]record.Answer(nil), r.Answers...)
	return &cp, nil
}

func (s *Store) Upsert(ctx context.Context, r *record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.Answers = append([]record.Answer(nil), r.Answers...)
	s.records[recordKey{r.UserID, r.PollID, r.DateKey}] = &cp
	return nil
}

func (s *Store) Delete(ctx context.Context, userID, pollID, dateKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey{userID, pollID, dateKey})
	return nil
}

func (s *Store) List(ctx context.Context, userID, pollID string, limit int) ([]*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*record.Record
	for k, r := range s.records {
		if k.userID != userID {
			continue
		}
		if pollID != "" && k.pollID != pollID {
			continue
		}
		cp := *r
		cp.Answers = append([]record.Answer(nil), r.Answers...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PollID != out[j].PollID {
			return out[i].PollID < out[j].PollID
		}
		return out[i].DateKey > out[j].DateKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
