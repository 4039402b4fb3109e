package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/diary-hub/diary-hub/internal/domain/record"
)

// MockStore is a mock implementation of record.Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Get(ctx context.Context, userID, pollID, dateKey string) (*record.Record, error) {
	args := m.Called(ctx, userID, pollID, dateKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*record.Record), args.Error(1)
}

func (m *MockStore) Upsert(ctx context.Context, rec *record.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) Delete(ctx context.Context, userID, pollID, dateKey string) error {
	args := m.Called(ctx, userID, pollID, dateKey)
	return args.Error(0)
}

func (m *MockStore) List(ctx context.Context, userID, pollID string, limit int) ([]*record.Record, error) {
	args := m.Called(ctx, userID, pollID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*record.Record), args.Error(1)
}
