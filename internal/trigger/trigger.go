// Package trigger implements the outbound notification queue: one JSON file
// per trigger, written atomically into an outbox directory, claimed by the
// external consumer via rename. Delivery is at-least-once; consumers dedup
// by trigger id.
package trigger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const capabilityName = "steward"

// Trigger types emitted by the pipeline.
const (
	TypeUrgentEmail           = "urgent_email"
	TypeReplyNeeded           = "reply_needed"
	TypeAvailabilityRequested = "availability_requested"
	TypeNoReplyAfterNDays     = "no_reply_after_n_days"
	TypeWorkingMemoryNudge    = "working_memory_nudge"
	TypeAlertRuleTriggered    = "alert_rule_triggered"
	TypeWeeklyDigestReady     = "weekly_digest_ready"
)

// Routing selects the delivery channel for a trigger.
type Routing struct {
	Channel string `json:"channel"`
	Target  string `json:"target,omitempty"`
}

// Trigger is the write-once outbound envelope.
type Trigger struct {
	ID        string         `json:"id"`
	User      string         `json:"user"`
	Type      string         `json:"type"`
	CreatedAt string         `json:"created_at"`
	DedupeKey string         `json:"dedupe_key"`
	Payload   map[string]any `json:"payload"`
	Routing   *Routing       `json:"routing,omitempty"`
}

// MakeDedupeKey builds the canonical dedupe key for a trigger.
func MakeDedupeKey(triggerType, user, primaryID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", capabilityName, triggerType, user, primaryID)
}

// Publisher writes triggers to the outbox. It is stateless aside from
// best-effort dedupe markers with a bounded TTL; those only suppress
// re-sends, they are not a correctness mechanism.
type Publisher struct {
	outboxDir string
	dedupeDir string
	dedupeTTL time.Duration
}

// NewPublisher returns a publisher for the given directories. A zero ttl
// disables dedupe markers.
func NewPublisher(outboxDir, dedupeDir string, dedupeTTL time.Duration) *Publisher {
	return &Publisher{outboxDir: outboxDir, dedupeDir: dedupeDir, dedupeTTL: dedupeTTL}
}

// Publish writes one trigger. The file appears atomically: full content goes
// to a temp path first, then a rename into the outbox. Returns the trigger
// (with generated id) and whether it was actually written (false when a
// fresh dedupe marker suppressed it).
func (p *Publisher) Publish(user, triggerType string, payload map[string]any, dedupeKey string, routing *Routing) (Trigger, bool, error) {
	if dedupeKey == "" {
		return Trigger{}, false, fmt.Errorf("dedupe key is required")
	}
	t := Trigger{
		ID:        uuid.New().String(),
		User:      user,
		Type:      triggerType,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		DedupeKey: dedupeKey,
		Payload:   payload,
		Routing:   routing,
	}

	if !p.claimDedupeMarker(dedupeKey, t.ID) {
		return t, false, nil
	}

	if err := p.writeAtomic(t); err != nil {
		return Trigger{}, false, err
	}
	return t, true, nil
}

func (p *Publisher) writeAtomic(t Trigger) error {
	if err := os.MkdirAll(p.outboxDir, 0o755); err != nil {
		return fmt.Errorf("failed to create outbox dir: %w", err)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	final := filepath.Join(p.outboxDir, t.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write trigger: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to publish trigger: %w", err)
	}
	return nil
}

func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, string(os.PathSeparator), "_")
}

// claimDedupeMarker creates the marker with O_EXCL so only one publisher in
// a race wins. A stale marker (older than the TTL) is replaced.
func (p *Publisher) claimDedupeMarker(key, triggerID string) bool {
	if p.dedupeTTL <= 0 || p.dedupeDir == "" {
		return true
	}
	marker := filepath.Join(p.dedupeDir, sanitizeKey(key))

	if info, err := os.Stat(marker); err == nil {
		if time.Since(info.ModTime()) < p.dedupeTTL {
			return false
		}
		if err := os.Remove(marker); err != nil {
			return false
		}
	}

	if err := os.MkdirAll(p.dedupeDir, 0o755); err != nil {
		return true
	}
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()
	record := map[string]string{
		"dedupe_key": key,
		"trigger_id": triggerID,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	if data, err := json.Marshal(record); err == nil {
		f.Write(append(data, '\n'))
	}
	return true
}
