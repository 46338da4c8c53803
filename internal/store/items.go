package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Item kinds.
const (
	KindMessage       = "message"
	KindCalendarEvent = "calendar_event"
)

// Processing outcomes recorded when processed_at is set.
const (
	OutcomeActioned = "actioned"
	OutcomeFailed   = "failed"
)

// Item is an ingested message or calendar event.
type Item struct {
	ID             string         `db:"id"`
	Kind           string         `db:"kind"`
	ConversationID sql.NullString `db:"conversation_id"`
	Sender         sql.NullString `db:"sender"`
	ToJSON         sql.NullString `db:"to_json"`
	CcJSON         sql.NullString `db:"cc_json"`
	Subject        sql.NullString `db:"subject"`
	BodyPreview    sql.NullString `db:"body_preview"`
	BodyMarkdown   sql.NullString `db:"body_markdown"`
	ReceivedAt     sql.NullInt64  `db:"received_at"`
	Urgency        sql.NullString `db:"urgency"`
	CategoriesJSON sql.NullString `db:"categories_json"`
	RequiresReply  bool           `db:"requires_reply"`
	ReplyReason    sql.NullString `db:"reply_reason"`
	SuggestedAct   sql.NullString `db:"suggested_action"`
	ClaimedAt      sql.NullInt64  `db:"claimed_at"`
	ClaimedBy      sql.NullString `db:"claimed_by"`
	Attempts       int            `db:"attempts"`
	Outcome        sql.NullString `db:"outcome"`
	ProcessedAt    sql.NullInt64  `db:"processed_at"`
	ExtractedAt    sql.NullInt64  `db:"extracted_at"`
	ReplyNudgedAt  sql.NullInt64  `db:"reply_nudged_at"`
	CreatedAt      int64          `db:"created_at"`
}

// Recipients decodes the to_json list.
func (it Item) Recipients() []string { return decodeStringList(it.ToJSON.String) }

// CcRecipients decodes the cc_json list.
func (it Item) CcRecipients() []string { return decodeStringList(it.CcJSON.String) }

// Categories decodes the categories_json list.
func (it Item) Categories() []string { return decodeStringList(it.CategoriesJSON.String) }

func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// ItemInput is the ingestion payload for an idempotent upsert.
type ItemInput struct {
	ID             string
	Kind           string
	ConversationID string
	Sender         string
	To             []string
	Cc             []string
	Subject        string
	BodyPreview    string
	ReceivedAt     time.Time
}

// Items provides item persistence.
type Items struct {
	db *sqlx.DB
}

// NewItems returns an item store backed by db.
func NewItems(db *sqlx.DB) *Items { return &Items{db: db} }

// Upsert inserts an item or refreshes its provider-sourced fields. The
// classification fields and processed_at are never touched here: ingestion
// must not undo organizer work.
func (s *Items) Upsert(ctx context.Context, in ItemInput) error {
	if strings.TrimSpace(in.ID) == "" {
		return fmt.Errorf("item id is required: %w", ErrInvalid)
	}
	kind := in.Kind
	if kind == "" {
		kind = KindMessage
	}
	toJSON, err := json.Marshal(in.To)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	ccJSON, err := json.Marshal(in.Cc)
	if err != nil {
		return fmt.Errorf("failed to marshal cc list: %w", err)
	}
	now := time.Now().Unix()
	var receivedAt any
	if !in.ReceivedAt.IsZero() {
		receivedAt = in.ReceivedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (id, kind, conversation_id, sender, to_json, cc_json,
		                   subject, body_preview, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sender = excluded.sender,
			to_json = excluded.to_json,
			cc_json = excluded.cc_json,
			subject = excluded.subject,
			body_preview = excluded.body_preview,
			received_at = excluded.received_at
	`, in.ID, kind, nullStr(in.ConversationID), nullStr(in.Sender), string(toJSON), string(ccJSON),
		nullStr(in.Subject), nullStr(in.BodyPreview), receivedAt, now)
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", in.ID, err)
	}
	return nil
}

// Get returns one item by id.
func (s *Items) Get(ctx context.Context, id string) (Item, error) {
	var it Item
	err := s.db.GetContext(ctx, &it, `SELECT * FROM items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Item{}, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	return it, nil
}

// ClaimBatch leases up to limit unprocessed items for worker workerID.
// Claims are conditional updates so concurrent workers always get disjoint
// items; a lease older than leaseTimeout is treated as abandoned.
func (s *Items) ClaimBatch(ctx context.Context, workerID string, limit int, leaseTimeout time.Duration) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().Unix()
	expiry := now - int64(leaseTimeout.Seconds())

	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM items
		WHERE processed_at IS NULL
		  AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY received_at ASC
		LIMIT ?
	`, expiry, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed items: %w", err)
	}

	claimed := make([]Item, 0, len(ids))
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE items SET claimed_at = ?, claimed_by = ?
			WHERE id = ? AND processed_at IS NULL
			  AND (claimed_at IS NULL OR claimed_at < ?)
		`, now, workerID, id, expiry)
		if err != nil {
			return nil, fmt.Errorf("failed to claim item %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result: %w", err)
		}
		if n == 0 {
			// Another worker got there first.
			continue
		}
		it, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, it)
	}
	return claimed, nil
}

// ReleaseClaim drops a lease without processing, leaving the item claimable.
func (s *Items) ReleaseClaim(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE items SET claimed_at = NULL, claimed_by = NULL
		WHERE id = ? AND processed_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to release claim on %s: %w", id, err)
	}
	return nil
}

// IncrementAttempts bumps the retry counter and returns the new value.
func (s *Items) IncrementAttempts(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE items SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts for %s: %w", id, err)
	}
	var attempts int
	if err := s.db.GetContext(ctx, &attempts, `SELECT attempts FROM items WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to read attempts for %s: %w", id, err)
	}
	return attempts, nil
}

// Finalization is the organizer's atomicity boundary: classification fields,
// the triage-log row, labels and processed_at land in one transaction.
type Finalization struct {
	ItemID        string
	Categories    []string
	Urgency       string
	Reason        string
	RequiresReply bool
	ReplyReason   string
	SuggestedAct  string
	Labels        map[string]float64
	Outcome       string
}

// Finalize marks an item processed. It is idempotent: if processed_at is
// already set the call is a no-op and no second triage row is written.
func (s *Items) Finalize(ctx context.Context, fin Finalization) error {
	if fin.Outcome != OutcomeActioned && fin.Outcome != OutcomeFailed {
		return fmt.Errorf("outcome %q: %w", fin.Outcome, ErrInvalid)
	}
	if fin.Urgency != "" && !ValidUrgency(fin.Urgency) {
		return fmt.Errorf("urgency %q: %w", fin.Urgency, ErrInvalid)
	}
	categoriesJSON, err := json.Marshal(fin.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}
	now := time.Now().Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finalize tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE items SET
			urgency = ?,
			categories_json = ?,
			requires_reply = ?,
			reply_reason = ?,
			suggested_action = ?,
			outcome = ?,
			processed_at = ?,
			claimed_at = NULL,
			claimed_by = NULL
		WHERE id = ? AND processed_at IS NULL
	`, nullStr(fin.Urgency), string(categoriesJSON), fin.RequiresReply, nullStr(fin.ReplyReason),
		nullStr(fin.SuggestedAct), fin.Outcome, now, fin.ItemID)
	if err != nil {
		return fmt.Errorf("failed to finalize item %s: %w", fin.ItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finalize result: %w", err)
	}
	if n == 0 {
		// Already processed by an earlier run; terminal state is immutable.
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO triage_log (item_id, categories_json, urgency, reason, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, fin.ItemID, string(categoriesJSON), nullStr(fin.Urgency), nullStr(fin.Reason), fin.Outcome, now); err != nil {
		return fmt.Errorf("failed to write triage log for %s: %w", fin.ItemID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM labels WHERE item_id = ?`, fin.ItemID); err != nil {
		return fmt.Errorf("failed to clear labels for %s: %w", fin.ItemID, err)
	}
	for label, confidence := range fin.Labels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO labels (item_id, label, confidence) VALUES (?, ?, ?)
		`, fin.ItemID, label, confidence); err != nil {
			return fmt.Errorf("failed to persist label %q for %s: %w", label, fin.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize for %s: %w", fin.ItemID, err)
	}
	return nil
}

// MarkExtracted records that content extraction finished, which gates the
// retrieval index.
func (s *Items) MarkExtracted(ctx context.Context, id string, bodyMarkdown string) error {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET body_markdown = COALESCE(?, body_markdown), extracted_at = ?
		WHERE id = ?
	`, nullStr(bodyMarkdown), now, id)
	if err != nil {
		return fmt.Errorf("failed to mark item %s extracted: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetReplyNudged stamps the one-shot follow-up guard.
func (s *Items) SetReplyNudged(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE items SET reply_nudged_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set reply nudge marker for %s: %w", id, err)
	}
	return nil
}

// Delete removes an item and all derived rows (triage log, labels, facts,
// attachments, chunks, embeddings, FTS entries) in one transaction.
func (s *Items) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete for %s: %w", id, err)
	}
	return nil
}

// ListUnprocessedCount reports the work-queue depth.
func (s *Items) ListUnprocessedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM items WHERE processed_at IS NULL`); err != nil {
		return 0, fmt.Errorf("failed to count unprocessed items: %w", err)
	}
	return n, nil
}

// ListRecent returns the most recently received items, newest first.
func (s *Items) ListRecent(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 20
	}
	var items []Item
	err := s.db.SelectContext(ctx, &items, `
		SELECT * FROM items ORDER BY received_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return items, nil
}

// PendingFollowups returns processed items that require a reply, have seen no
// newer activity in their conversation, and have not been nudged yet.
func (s *Items) PendingFollowups(ctx context.Context, olderThan time.Time, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []Item
	err := s.db.SelectContext(ctx, &items, `
		SELECT * FROM items i
		WHERE i.requires_reply = 1
		  AND i.processed_at IS NOT NULL
		  AND i.reply_nudged_at IS NULL
		  AND i.received_at IS NOT NULL
		  AND i.received_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM items later
			WHERE later.conversation_id = i.conversation_id
			  AND later.received_at > i.received_at
		  )
		ORDER BY i.received_at ASC
		LIMIT ?
	`, olderThan.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending followups: %w", err)
	}
	return items, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
