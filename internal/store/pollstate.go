package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PollState stores global mutable poll state (digest windows, cycle markers)
// as versioned rows so the schedulers stay testable and crash-safe.
type PollState struct {
	db *sqlx.DB
}

// NewPollState returns a poll-state store backed by db.
func NewPollState(db *sqlx.DB) *PollState { return &PollState{db: db} }

// Get reads one state value. The second return is false when unset.
func (s *PollState) Get(ctx context.Context, component, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `
		SELECT value FROM poll_state WHERE component = ? AND key = ?
	`, component, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get poll state %s/%s: %w", component, key, err)
	}
	return v, true, nil
}

// Set writes one state value.
func (s *PollState) Set(ctx context.Context, component, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_state (component, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(component, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, component, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set poll state %s/%s: %w", component, key, err)
	}
	return nil
}

// SetIfChanged conditionally updates a value, returning true when the stored
// value changed. Used to fire once-per-window work (weekly digest).
func (s *PollState) SetIfChanged(ctx context.Context, component, key, value string) (bool, error) {
	current, ok, err := s.Get(ctx, component, key)
	if err != nil {
		return false, err
	}
	if ok && current == value {
		return false, nil
	}
	if err := s.Set(ctx, component, key, value); err != nil {
		return false, err
	}
	return true, nil
}
