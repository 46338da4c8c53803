package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Thread statuses.
const (
	ThreadActive = "active"
	ThreadStale  = "stale"
	ThreadClosed = "closed"
)

// Thread is the derived state of one conversation. It is recomputed by the
// working-memory engine; last_nudged_at is the only field that survives a
// rebuild.
type Thread struct {
	ID             string         `db:"conversation_id"`
	Subject        sql.NullString `db:"subject"`
	Status         string         `db:"status"`
	NeedsReply     bool           `db:"needs_reply"`
	Urgency        sql.NullString `db:"urgency"`
	LastSender     sql.NullString `db:"last_sender"`
	MessageCount   int            `db:"message_count"`
	LastActivityAt sql.NullInt64  `db:"last_activity_at"`
	LastNudgedAt   sql.NullInt64  `db:"last_nudged_at"`
	UpdatedAt      int64          `db:"updated_at"`
}

// Threads provides derived-thread persistence.
type Threads struct {
	db *sqlx.DB
}

// NewThreads returns a thread store backed by db.
func NewThreads(db *sqlx.DB) *Threads { return &Threads{db: db} }

// Upsert writes a recomputed thread row, preserving the nudge cooldown stamp.
func (s *Threads) Upsert(ctx context.Context, t Thread) error {
	if t.ID == "" {
		return fmt.Errorf("conversation id is required: %w", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (conversation_id, subject, status, needs_reply, urgency,
		                     last_sender, message_count, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			subject = excluded.subject,
			status = excluded.status,
			needs_reply = excluded.needs_reply,
			urgency = excluded.urgency,
			last_sender = excluded.last_sender,
			message_count = excluded.message_count,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at
	`, t.ID, t.Subject, t.Status, t.NeedsReply, t.Urgency,
		t.LastSender, t.MessageCount, t.LastActivityAt, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", t.ID, err)
	}
	return nil
}

// Get returns one thread by conversation id.
func (s *Threads) Get(ctx context.Context, conversationID string) (Thread, error) {
	var t Thread
	err := s.db.GetContext(ctx, &t, `SELECT * FROM threads WHERE conversation_id = ?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, fmt.Errorf("thread %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return Thread{}, fmt.Errorf("failed to get thread %s: %w", conversationID, err)
	}
	return t, nil
}

// List returns threads ordered by most recent activity.
func (s *Threads) List(ctx context.Context, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	var threads []Thread
	err := s.db.SelectContext(ctx, &threads, `
		SELECT * FROM threads ORDER BY last_activity_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return threads, nil
}

// NeedingReply returns threads whose last inbound item has no outbound reply
// and whose last activity predates cutoff.
func (s *Threads) NeedingReply(ctx context.Context, cutoff time.Time, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 5
	}
	var threads []Thread
	err := s.db.SelectContext(ctx, &threads, `
		SELECT * FROM threads
		WHERE needs_reply = 1 AND status != 'closed'
		  AND last_activity_at IS NOT NULL AND last_activity_at < ?
		ORDER BY last_activity_at ASC LIMIT ?
	`, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads needing reply: %w", err)
	}
	return threads, nil
}

// StaleUrgent returns urgent threads with no activity since cutoff.
func (s *Threads) StaleUrgent(ctx context.Context, cutoff time.Time, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 3
	}
	var threads []Thread
	err := s.db.SelectContext(ctx, &threads, `
		SELECT * FROM threads
		WHERE urgency IN (?, ?) AND status != 'closed'
		  AND last_activity_at IS NOT NULL AND last_activity_at < ?
		ORDER BY last_activity_at ASC LIMIT ?
	`, UrgencyImmediate, UrgencyToday, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale urgent threads: %w", err)
	}
	return threads, nil
}

// SetNudged stamps the per-thread nudge cooldown.
func (s *Threads) SetNudged(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE threads SET last_nudged_at = ? WHERE conversation_id = ?
	`, at.Unix(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to set nudge marker for thread %s: %w", conversationID, err)
	}
	return nil
}

// PruneMissing deletes derived threads whose conversations no longer have any
// items (orphan prevention after provider-side deletes).
func (s *Threads) PruneMissing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM threads WHERE conversation_id NOT IN (
			SELECT DISTINCT conversation_id FROM items WHERE conversation_id IS NOT NULL
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune threads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}
	return n, nil
}
