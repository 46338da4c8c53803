package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Fact types.
const (
	FactDecision    = "decision"
	FactCommitment  = "commitment"
	FactObservation = "observation"
)

// Fact statuses.
const (
	FactActive   = "active"
	FactResolved = "resolved"
	FactExpired  = "expired"
)

// Fact is an obligation or passive observation extracted from item content.
type Fact struct {
	ID           string         `db:"id"`
	ItemID       sql.NullString `db:"item_id"`
	FactType     string         `db:"fact_type"`
	Description  string         `db:"description"`
	Context      sql.NullString `db:"context"`
	Requester    sql.NullString `db:"requester"`
	Urgency      string         `db:"urgency"`
	DueBy        sql.NullInt64  `db:"due_by"`
	Status       string         `db:"status"`
	LastNudgedAt sql.NullInt64  `db:"last_nudged_at"`
	CreatedAt    int64          `db:"created_at"`
	ResolvedAt   sql.NullInt64  `db:"resolved_at"`
}

// FactInput creates a fact.
type FactInput struct {
	ItemID      string
	FactType    string
	Description string
	Context     string
	Requester   string
	Urgency     string
	DueBy       time.Time
}

// Facts provides fact persistence. The working-memory engine is the sole
// mutator after creation.
type Facts struct {
	db *sqlx.DB
}

// NewFacts returns a fact store backed by db.
func NewFacts(db *sqlx.DB) *Facts { return &Facts{db: db} }

// Insert creates a new active fact and returns its id.
func (s *Facts) Insert(ctx context.Context, in FactInput) (string, error) {
	switch in.FactType {
	case FactDecision, FactCommitment, FactObservation:
	default:
		return "", fmt.Errorf("fact type %q: %w", in.FactType, ErrInvalid)
	}
	if strings.TrimSpace(in.Description) == "" {
		return "", fmt.Errorf("fact description is required: %w", ErrInvalid)
	}
	urgency := in.Urgency
	if urgency == "" {
		urgency = UrgencyThisWeek
	}
	if !ValidUrgency(urgency) {
		return "", fmt.Errorf("urgency %q: %w", urgency, ErrInvalid)
	}
	id := uuid.New().String()
	var dueBy any
	if !in.DueBy.IsZero() {
		dueBy = in.DueBy.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (id, item_id, fact_type, description, context, requester,
		                   urgency, due_by, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'active', ?)
	`, id, nullStr(in.ItemID), in.FactType, in.Description, nullStr(in.Context),
		nullStr(in.Requester), urgency, dueBy, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to insert fact: %w", err)
	}
	return id, nil
}

// Get returns one fact by id.
func (s *Facts) Get(ctx context.Context, id string) (Fact, error) {
	var f Fact
	err := s.db.GetContext(ctx, &f, `SELECT * FROM facts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Fact{}, fmt.Errorf("fact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Fact{}, fmt.Errorf("failed to get fact %s: %w", id, err)
	}
	return f, nil
}

// ListOpen returns active facts of one type, oldest first.
func (s *Facts) ListOpen(ctx context.Context, factType string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	var facts []Fact
	err := s.db.SelectContext(ctx, &facts, `
		SELECT * FROM facts WHERE fact_type = ? AND status = 'active'
		ORDER BY created_at ASC LIMIT ?
	`, factType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s facts: %w", factType, err)
	}
	return facts, nil
}

// ListOverdue returns active facts of one type whose due_by is before cutoff.
func (s *Facts) ListOverdue(ctx context.Context, factType string, cutoff time.Time, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	var facts []Fact
	err := s.db.SelectContext(ctx, &facts, `
		SELECT * FROM facts
		WHERE fact_type = ? AND status = 'active'
		  AND due_by IS NOT NULL AND due_by < ?
		ORDER BY due_by ASC LIMIT ?
	`, factType, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue %s facts: %w", factType, err)
	}
	return facts, nil
}

// ListStale returns active facts of one type created before cutoff.
func (s *Facts) ListStale(ctx context.Context, factType string, cutoff time.Time, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	var facts []Fact
	err := s.db.SelectContext(ctx, &facts, `
		SELECT * FROM facts
		WHERE fact_type = ? AND status = 'active' AND created_at < ?
		ORDER BY created_at ASC LIMIT ?
	`, factType, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale %s facts: %w", factType, err)
	}
	return facts, nil
}

// Resolve closes a fact. Resolving twice is a no-op.
func (s *Facts) Resolve(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE facts SET status = 'resolved', resolved_at = ?
		WHERE id = ? AND status = 'active'
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve fact %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM facts WHERE id = ?`, id); err == nil && exists == 0 {
			return fmt.Errorf("fact %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

// SetUrgency rewrites a fact's urgency (escalation path).
func (s *Facts) SetUrgency(ctx context.Context, id, urgency string) error {
	if !ValidUrgency(urgency) {
		return fmt.Errorf("urgency %q: %w", urgency, ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE facts SET urgency = ? WHERE id = ?`, urgency, id)
	if err != nil {
		return fmt.Errorf("failed to set urgency for fact %s: %w", id, err)
	}
	return nil
}

// SetNudged stamps the per-entity nudge cooldown.
func (s *Facts) SetNudged(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE facts SET last_nudged_at = ? WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set nudge marker for fact %s: %w", id, err)
	}
	return nil
}

// ExpireObservations marks observations older than cutoff as expired and
// returns how many rows changed.
func (s *Facts) ExpireObservations(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE facts SET status = 'expired'
		WHERE fact_type = 'observation' AND status = 'active' AND created_at < ?
	`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire observations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read expire result: %w", err)
	}
	return n, nil
}
