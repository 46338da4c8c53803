// Package alerts implements user-defined alert rules: persistent conditions
// evaluated against pipeline events, with per-rule cooldowns and exact
// once-per-event dedup, firing triggers into the outbox when they match.
package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mossleigh/steward/internal/store"
)

// Event types a rule can subscribe to.
const (
	EventEmailReceived     = "email_received"
	EventCalendarEvent     = "calendar_event"
	EventWMReplyOverdue    = "wm_reply_overdue"
	EventWMThreadStale     = "wm_urgent_thread_stale"
	EventWMCommitmentDue   = "wm_commitment_overdue"
	EventWMDecisionPending = "wm_decision_pending"
)

var knownEventTypes = map[string]bool{
	EventEmailReceived:     true,
	EventCalendarEvent:     true,
	EventWMReplyOverdue:    true,
	EventWMThreadStale:     true,
	EventWMCommitmentDue:   true,
	EventWMDecisionPending: true,
}

// Match modes for multi-condition rules.
const (
	MatchAny = "any"
	MatchAll = "all"
)

// Conditions is the structured form of a rule. Every populated field is one
// condition; MatchMode decides whether one or all must hold.
type Conditions struct {
	SenderPatterns    []string `json:"sender_patterns,omitempty"`
	RecipientPatterns []string `json:"recipient_patterns,omitempty"`
	SubjectKeywords   []string `json:"subject_keywords,omitempty"`
	BodyKeywords      []string `json:"body_keywords,omitempty"`
	UrgencyLevels     []string `json:"urgency_levels,omitempty"`
	Labels            []string `json:"labels,omitempty"`
	Categories        []string `json:"categories,omitempty"`
	MinAttendees      int      `json:"min_attendees,omitempty"`
	OverdueOnly       bool     `json:"overdue_only,omitempty"`
	MatchMode         string   `json:"match_mode,omitempty"`

	// RequiresSemanticMatch escalates to the semantic matcher after the
	// structural conditions pass.
	RequiresSemanticMatch bool `json:"requires_semantic_match,omitempty"`
}

// Rule is a persisted alert rule.
type Rule struct {
	ID              string         `db:"id"`
	RuleText        string         `db:"rule_text"`
	ConditionsJSON  string         `db:"conditions_json"`
	EventTypesJSON  string         `db:"event_types_json"`
	Channel         string         `db:"channel"`
	ChannelTarget   sql.NullString `db:"channel_target"`
	CooldownMinutes int            `db:"cooldown_minutes"`
	Enabled         bool           `db:"enabled"`
	TriggerCount    int            `db:"trigger_count"`
	LastTriggeredAt sql.NullInt64  `db:"last_triggered_at"`
	CreatedAt       int64          `db:"created_at"`
	UpdatedAt       int64          `db:"updated_at"`
}

// Conditions decodes the stored condition set.
func (r Rule) Conditions() Conditions {
	var c Conditions
	_ = json.Unmarshal([]byte(r.ConditionsJSON), &c)
	return c
}

// EventTypes decodes the subscribed event types.
func (r Rule) EventTypes() []string {
	var types []string
	_ = json.Unmarshal([]byte(r.EventTypesJSON), &types)
	return types
}

// Firing is one recorded rule activation.
type Firing struct {
	ID          string         `db:"id"`
	RuleID      string         `db:"rule_id"`
	EventType   string         `db:"event_type"`
	EventID     string         `db:"event_id"`
	MatchReason sql.NullString `db:"match_reason"`
	PayloadJSON sql.NullString `db:"payload_json"`
	TriggeredAt int64          `db:"triggered_at"`
}

// RuleParser turns a natural-language rule into structured conditions and
// the event types it subscribes to. The model client behind it is an
// external collaborator; a nil parser means callers must supply conditions
// themselves.
type RuleParser interface {
	ParseRule(ctx context.Context, ruleText string) (Conditions, []string, error)
}

// RuleInput creates or updates a rule.
type RuleInput struct {
	RuleText        string
	Conditions      Conditions
	EventTypes      []string
	Channel         string
	ChannelTarget   string
	CooldownMinutes int
	Enabled         bool
}

func validateInput(in RuleInput) error {
	if strings.TrimSpace(in.RuleText) == "" {
		return fmt.Errorf("rule text is required: %w", store.ErrInvalid)
	}
	if len(in.EventTypes) == 0 {
		return fmt.Errorf("at least one event type is required: %w", store.ErrInvalid)
	}
	for _, et := range in.EventTypes {
		if !knownEventTypes[et] {
			return fmt.Errorf("event type %q: %w", et, store.ErrInvalid)
		}
	}
	for _, u := range in.Conditions.UrgencyLevels {
		if !store.ValidUrgency(u) {
			return fmt.Errorf("urgency level %q: %w", u, store.ErrInvalid)
		}
	}
	switch in.Conditions.MatchMode {
	case "", MatchAny, MatchAll:
	default:
		return fmt.Errorf("match mode %q: %w", in.Conditions.MatchMode, store.ErrInvalid)
	}
	for _, p := range append(append([]string{}, in.Conditions.SenderPatterns...), in.Conditions.RecipientPatterns...) {
		if _, err := path.Match(p, "probe@example.com"); err != nil {
			return fmt.Errorf("pattern %q: %w", p, store.ErrInvalid)
		}
	}
	return nil
}

// Rules provides alert-rule persistence.
type Rules struct {
	db *sqlx.DB
}

// NewRules returns a rule store backed by db.
func NewRules(db *sqlx.DB) *Rules { return &Rules{db: db} }

// Create validates and persists a new rule, returning its id. Malformed
// conditions are rejected here, never at evaluation time.
func (s *Rules) Create(ctx context.Context, in RuleInput) (string, error) {
	if err := validateInput(in); err != nil {
		return "", err
	}
	conditionsJSON, err := json.Marshal(in.Conditions)
	if err != nil {
		return "", fmt.Errorf("failed to marshal conditions: %w", err)
	}
	eventTypesJSON, err := json.Marshal(in.EventTypes)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event types: %w", err)
	}
	channel := in.Channel
	if channel == "" {
		channel = "teams"
	}
	cooldown := in.CooldownMinutes
	if cooldown <= 0 {
		cooldown = 30
	}
	id := uuid.New().String()
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, rule_text, conditions_json, event_types_json,
		                         channel, channel_target, cooldown_minutes, enabled,
		                         created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, in.RuleText, string(conditionsJSON), string(eventTypesJSON),
		channel, nullStr(in.ChannelTarget), cooldown, in.Enabled, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to create alert rule: %w", err)
	}
	return id, nil
}

// Get returns one rule by id.
func (s *Rules) Get(ctx context.Context, id string) (Rule, error) {
	var r Rule
	err := s.db.GetContext(ctx, &r, `SELECT * FROM alert_rules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, fmt.Errorf("alert rule %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return Rule{}, fmt.Errorf("failed to get alert rule %s: %w", id, err)
	}
	return r, nil
}

// List returns rules, optionally only enabled ones.
func (s *Rules) List(ctx context.Context, enabledOnly bool) ([]Rule, error) {
	query := `SELECT * FROM alert_rules ORDER BY created_at ASC`
	if enabledOnly {
		query = `SELECT * FROM alert_rules WHERE enabled = 1 ORDER BY created_at ASC`
	}
	var rules []Rule
	if err := s.db.SelectContext(ctx, &rules, query); err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	return rules, nil
}

// Update replaces a rule's definition, keeping its trigger history.
func (s *Rules) Update(ctx context.Context, id string, in RuleInput) error {
	if err := validateInput(in); err != nil {
		return err
	}
	conditionsJSON, err := json.Marshal(in.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}
	eventTypesJSON, err := json.Marshal(in.EventTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal event types: %w", err)
	}
	cooldown := in.CooldownMinutes
	if cooldown <= 0 {
		cooldown = 30
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET
			rule_text = ?, conditions_json = ?, event_types_json = ?,
			channel = COALESCE(NULLIF(?, ''), channel), channel_target = ?,
			cooldown_minutes = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, in.RuleText, string(conditionsJSON), string(eventTypesJSON),
		in.Channel, nullStr(in.ChannelTarget), cooldown, in.Enabled, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update alert rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert rule %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// SetEnabled toggles a rule.
func (s *Rules) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to toggle alert rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert rule %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Delete removes a rule and its trigger history.
func (s *Rules) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert rule %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// History returns recent firings for one rule, newest first.
func (s *Rules) History(ctx context.Context, ruleID string, limit int) ([]Firing, error) {
	if limit <= 0 {
		limit = 20
	}
	var firings []Firing
	err := s.db.SelectContext(ctx, &firings, `
		SELECT * FROM alert_triggers WHERE rule_id = ?
		ORDER BY triggered_at DESC LIMIT ?
	`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list firings for rule %s: %w", ruleID, err)
	}
	return firings, nil
}

// recordFiring inserts the dedup row and stamps the cooldown. Returns false
// without error when this (rule, event) pair already fired.
func (s *Rules) recordFiring(ctx context.Context, ruleID, eventType, eventID, reason string, payload map[string]any) (bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal firing payload: %w", err)
	}
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alert_triggers (id, rule_id, event_type, event_id,
		                                      match_reason, payload_json, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), ruleID, eventType, eventID, nullStr(reason), string(payloadJSON), now)
	if err != nil {
		return false, fmt.Errorf("failed to record firing for rule %s: %w", ruleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read firing result: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET trigger_count = trigger_count + 1, last_triggered_at = ?
		WHERE id = ?
	`, now, ruleID); err != nil {
		return false, fmt.Errorf("failed to stamp cooldown for rule %s: %w", ruleID, err)
	}
	return true, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
