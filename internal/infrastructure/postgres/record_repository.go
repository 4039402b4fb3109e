package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diary-hub/diary-hub/internal/domain/record"
	"github.com/diary-hub/diary-hub/internal/infrastructure/keystore"
)

// RecordRepository implements record.Store on Postgres. Answer payloads are
// sealed with the user's key before they touch the database; only the keys
// (user, poll, date) and timestamps are stored in the clear.
type RecordRepository struct {
	pool   *pgxpool.Pool
	sealer *keystore.Sealer
}

func NewRecordRepository(pool *pgxpool.Pool, sealer *keystore.Sealer) *RecordRepository {
	return &RecordRepository{pool: pool, sealer: sealer}
}

// EnsureSchema creates the records table if missing.
func (r *RecordRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			user_id    TEXT        NOT NULL,
			poll_id    TEXT        NOT NULL,
			date_key   TEXT        NOT NULL,
			payload    BYTEA       NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, poll_id, date_key)
		)
	`)
	return err
}

func (r *RecordRepository) Get(ctx context.Context, userID, pollID, dateKey string) (*record.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT payload, created_at, updated_at
		FROM records WHERE user_id=$1 AND poll_id=$2 AND date_key=$3
	`, userID, pollID, dateKey)

	var sealed []byte
	var createdAt, updatedAt time.Time
	if err := row.Scan(&sealed, &createdAt, &updatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return r.unseal(userID, pollID, dateKey, sealed, createdAt, updatedAt)
}

func (r *RecordRepository) Upsert(ctx context.Context, rec *record.Record) error {
	plain, err := json.Marshal(rec.Answers)
	if err != nil {
		return err
	}
	sealed, err := r.sealer.Seal(rec.UserID, plain)
	if err != nil {
		return fmt.Errorf("seal record: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO records (user_id, poll_id, date_key, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id, poll_id, date_key)
		DO UPDATE SET payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at
	`, rec.UserID, rec.PollID, rec.DateKey, sealed, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	return err
}

func (r *RecordRepository) Delete(ctx context.Context, userID, pollID, dateKey string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM records WHERE user_id=$1 AND poll_id=$2 AND date_key=$3
	`, userID, pollID, dateKey)
	return err
}

func (r *RecordRepository) List(ctx context.Context, userID, pollID string, limit int) ([]*record.Record, error) {
	query := `
		SELECT poll_id, date_key, payload, created_at, updated_at
		FROM records WHERE user_id=$1
	`
	args := []any{userID}
	if pollID != "" {
		query += ` AND poll_id=$2`
		args = append(args, pollID)
	}
	query += ` ORDER BY poll_id, date_key DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		var pid, dateKey string
		var sealed []byte
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&pid, &dateKey, &sealed, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec, err := r.unseal(userID, pid, dateKey, sealed, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *RecordRepository) unseal(userID, pollID, dateKey string, sealed []byte, createdAt, updatedAt time.Time) (*record.Record, error) {
	plain, err := r.sealer.Open(userID, sealed)
	if err != nil {
		return nil, err
	}
	rec := &record.Record{
		UserID:    userID,
		PollID:    pollID,
		DateKey:   dateKey,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	if err := json.Unmarshal(plain, &rec.Answers); err != nil {
		return nil, err
	}
	return rec, nil
}
