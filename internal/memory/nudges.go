package memory

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/mossleigh/steward/internal/alerts"
	"github.com/mossleigh/steward/internal/prefs"
	"github.com/mossleigh/steward/internal/store"
	"github.com/mossleigh/steward/internal/trigger"
)

// Nudge types carried in working_memory_nudge payloads.
const (
	NudgeReplyOverdue      = "reply_overdue"
	NudgeUrgentThreadStale = "urgent_thread_stale"
	NudgeCommitmentOverdue = "commitment_overdue"
	NudgeDecisionPending   = "decision_pending"
)

// sendNudges evaluates the four nudge conditions. Each entity carries its own
// last_nudged_at stamp; the cooldown keeps a still-true condition from firing
// every cycle.
func (e *Engine) sendNudges(ctx context.Context, p prefs.Prefs) (int, error) {
	now := time.Now()
	cooldown := time.Duration(p.Int("nudge_cooldown_hours", 24)) * time.Hour

	sent := 0
	n, err := e.nudgeRepliesOverdue(ctx, p, now, cooldown)
	if err != nil {
		return sent, err
	}
	sent += n

	n, err = e.nudgeStaleUrgentThreads(ctx, p, now, cooldown)
	if err != nil {
		return sent, err
	}
	sent += n

	n, err = e.nudgeOverdueCommitments(ctx, now, cooldown)
	if err != nil {
		return sent, err
	}
	sent += n

	n, err = e.nudgePendingDecisions(ctx, p, now, cooldown)
	if err != nil {
		return sent, err
	}
	sent += n

	return sent, nil
}

func (e *Engine) nudgeRepliesOverdue(ctx context.Context, p prefs.Prefs, now time.Time, cooldown time.Duration) (int, error) {
	days := p.Int("reply_nudge_days", 2)
	threads, err := e.threads.NeedingReply(ctx, now.AddDate(0, 0, -days), 5)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, t := range threads {
		if onCooldown(t.LastNudgedAt, now, cooldown) {
			continue
		}
		payload := map[string]any{
			"nudge_type":      NudgeReplyOverdue,
			"conversation_id": t.ID,
			"subject":         t.Subject.String,
			"last_sender":     t.LastSender.String,
			"days_waiting":    daysSince(t.LastActivityAt, now),
		}
		if err := e.publishNudge(ctx, NudgeReplyOverdue, t.ID, payload, alerts.EventWMReplyOverdue); err != nil {
			return sent, err
		}
		if err := e.threads.SetNudged(ctx, t.ID, now); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (e *Engine) nudgeStaleUrgentThreads(ctx context.Context, p prefs.Prefs, now time.Time, cooldown time.Duration) (int, error) {
	hours := p.Int("stale_urgent_hours", 24)
	threads, err := e.threads.StaleUrgent(ctx, now.Add(-time.Duration(hours)*time.Hour), 3)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, t := range threads {
		if onCooldown(t.LastNudgedAt, now, cooldown) {
			continue
		}
		payload := map[string]any{
			"nudge_type":      NudgeUrgentThreadStale,
			"conversation_id": t.ID,
			"subject":         t.Subject.String,
			"urgency":         t.Urgency.String,
		}
		if err := e.publishNudge(ctx, NudgeUrgentThreadStale, t.ID, payload, alerts.EventWMThreadStale); err != nil {
			return sent, err
		}
		if err := e.threads.SetNudged(ctx, t.ID, now); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (e *Engine) nudgeOverdueCommitments(ctx context.Context, now time.Time, cooldown time.Duration) (int, error) {
	facts, err := e.facts.ListOverdue(ctx, store.FactCommitment, now, 10)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, f := range facts {
		if onCooldown(f.LastNudgedAt, now, cooldown) {
			continue
		}
		payload := map[string]any{
			"nudge_type":  NudgeCommitmentOverdue,
			"fact_id":     f.ID,
			"description": f.Description,
			"to_whom":     f.Requester.String,
			"urgency":     f.Urgency,
			"overdue":     true,
		}
		if err := e.publishNudge(ctx, NudgeCommitmentOverdue, f.ID, payload, alerts.EventWMCommitmentDue); err != nil {
			return sent, err
		}
		if err := e.facts.SetNudged(ctx, f.ID, now); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (e *Engine) nudgePendingDecisions(ctx context.Context, p prefs.Prefs, now time.Time, cooldown time.Duration) (int, error) {
	days := p.Int("decision_pending_days", 2)
	facts, err := e.facts.ListStale(ctx, store.FactDecision, now.AddDate(0, 0, -days), 10)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, f := range facts {
		if onCooldown(f.LastNudgedAt, now, cooldown) {
			continue
		}
		payload := map[string]any{
			"nudge_type":  NudgeDecisionPending,
			"fact_id":     f.ID,
			"description": f.Description,
			"requester":   f.Requester.String,
			"urgency":     f.Urgency,
		}
		if err := e.publishNudge(ctx, NudgeDecisionPending, f.ID, payload, alerts.EventWMDecisionPending); err != nil {
			return sent, err
		}
		if err := e.facts.SetNudged(ctx, f.ID, now); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// publishNudge emits the working_memory_nudge trigger and feeds the same
// event to the alert engine so user rules can subscribe to it.
func (e *Engine) publishNudge(ctx context.Context, nudgeType, entityID string, payload map[string]any, alertEventType string) error {
	if e.publisher != nil {
		// Day-bucketed key: the outbox marker stops same-day repeats, the
		// per-entity cooldown governs anything longer.
		bucket := time.Now().UTC().Format("2006-01-02")
		key := trigger.MakeDedupeKey(trigger.TypeWorkingMemoryNudge, e.user, nudgeType+":"+entityID+":"+bucket)
		if _, _, err := e.publisher.Publish(e.user, trigger.TypeWorkingMemoryNudge, payload, key, nil); err != nil {
			return err
		}
	}
	if e.alerts != nil {
		ev := alerts.Event{
			Type:    alertEventType,
			ID:      entityID,
			Subject: stringFrom(payload, "subject", "description"),
			Body:    stringFrom(payload, "description"),
			Urgency: stringFrom(payload, "urgency"),
			Overdue: payload["overdue"] == true,
			Payload: payload,
		}
		if _, err := e.alerts.Evaluate(ctx, ev); err != nil {
			log.Printf("memory: alert evaluation for %s %s: %v", nudgeType, entityID, err)
		}
	}
	return nil
}

func onCooldown(last sql.NullInt64, now time.Time, cooldown time.Duration) bool {
	return last.Valid && now.Sub(time.Unix(last.Int64, 0)) < cooldown
}

func daysSince(at sql.NullInt64, now time.Time) int {
	if !at.Valid {
		return 0
	}
	return int(now.Sub(time.Unix(at.Int64, 0)).Hours() / 24)
}

func stringFrom(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
