package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetIdempotentRun returns the run bound to an idempotency key, or
// ErrNotFound when the key is unknown or expired.
func (s *Store) GetIdempotentRun(ctx context.Context, key string) (string, error) {
	var runID string
	err := s.db.GetContext(ctx, &runID, `
		SELECT run_id FROM idempotency_keys WHERE key = $1 AND expires_at > $2`,
		key, time.Now().UTC())
	if err != nil {
		return "", mapError(fmt.Errorf("get idempotency key: %w", err))
	}
	return runID, nil
}

// BindIdempotencyKey claims a key for runID with the given TTL. An
// expired binding is taken over; a live one wins instead. The returned
// run id is whichever run now owns the key, with bound reporting
// whether it is ours.
func (s *Store) BindIdempotencyKey(ctx context.Context, key, runID string, ttl time.Duration) (string, bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	// Two passes cover the race where the conflicting row expires or
	// is reaped between the insert and the readback.
	for range 2 {
		var claimed string
		err := s.db.GetContext(ctx, &claimed, `
			INSERT INTO idempotency_keys (key, run_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET run_id = EXCLUDED.run_id,
				created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at <= $3
			RETURNING run_id`,
			key, runID, now, expiresAt)
		if err == nil {
			return claimed, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("bind idempotency key: %w", err)
		}

		var winner string
		err = s.db.GetContext(ctx, &winner, `
			SELECT run_id FROM idempotency_keys WHERE key = $1 AND expires_at > $2`,
			key, now)
		if err == nil {
			return winner, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("read idempotency winner: %w", err)
		}
	}
	return "", false, fmt.Errorf("bind idempotency key %q: %w", key, ErrNotFound)
}

// DeleteExpiredIdempotencyKeys reaps expired bindings and reports how
// many were removed.
func (s *Store) DeleteExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
