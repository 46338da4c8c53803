// Package organizer drives each ingested item through its lifecycle:
// claim, classify, act, record. Every item reaches exactly one terminal
// outcome; crashes mid-flight leave a lease that expires and the item is
// re-processed from scratch.
package organizer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossleigh/steward/internal/alerts"
	"github.com/mossleigh/steward/internal/classify"
	"github.com/mossleigh/steward/internal/config"
	"github.com/mossleigh/steward/internal/prefs"
	"github.com/mossleigh/steward/internal/provider"
	"github.com/mossleigh/steward/internal/store"
	"github.com/mossleigh/steward/internal/trigger"
)

// ActionPort applies provider-side mutations. Satisfied by provider.SyncPort.
type ActionPort interface {
	ApplyAction(ctx context.Context, itemID string, action provider.Action) error
}

// Organizer processes claimed items through classification to a terminal
// outcome.
type Organizer struct {
	cfg        config.OrganizerConfig
	user       string
	workerID   string
	items      *store.Items
	facts      *store.Facts
	threads    *store.Threads
	state      *store.PollState
	classifier classify.Classifier
	actions    ActionPort
	publisher  *trigger.Publisher
	alerts     *alerts.Engine
}

// New returns an organizer. actions, publisher and alerts may be nil; the
// corresponding steps are then skipped.
func New(cfg config.OrganizerConfig, user string, items *store.Items, facts *store.Facts,
	threads *store.Threads, state *store.PollState, classifier classify.Classifier,
	actions ActionPort, publisher *trigger.Publisher, alertEngine *alerts.Engine) *Organizer {
	return &Organizer{
		cfg:        cfg,
		user:       user,
		workerID:   fmt.Sprintf("organizer-%s", uuid.New().String()[:8]),
		items:      items,
		facts:      facts,
		threads:    threads,
		state:      state,
		classifier: classifier,
		actions:    actions,
		publisher:  publisher,
		alerts:     alertEngine,
	}
}

// CycleStats summarizes one organizer pass.
type CycleStats struct {
	Claimed   int
	Actioned  int
	Failed    int
	Retried   int
	Followups int
	Duration  time.Duration
}

// RunCycle claims a batch of unprocessed items and processes them with a
// bounded worker pool, then checks pending follow-ups.
func (o *Organizer) RunCycle(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	stats := CycleStats{}

	p, err := prefs.Read()
	if err != nil {
		log.Printf("organizer: read preferences: %v", err)
		p = prefs.Prefs{}
	}
	vips := p.StringSet("vip_senders")

	batch, err := o.items.ClaimBatch(ctx, o.workerID, o.cfg.BatchSize, o.cfg.LeaseTimeout)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(batch)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.cfg.Concurrency)
	for _, item := range batch {
		item := item
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := o.processItem(ctx, item, vips)
			mu.Lock()
			switch outcome {
			case store.OutcomeActioned:
				stats.Actioned++
			case store.OutcomeFailed:
				stats.Failed++
			default:
				stats.Retried++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	n, err := o.nudgeFollowups(ctx, p)
	if err != nil {
		return stats, err
	}
	stats.Followups = n

	if err := o.maybePublishDigest(ctx, p); err != nil {
		log.Printf("organizer: weekly digest: %v", err)
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

// processItem drives one claimed item to a terminal outcome, or releases the
// claim for retry. Returns the outcome, or "" when the item was released.
func (o *Organizer) processItem(ctx context.Context, item store.Item, vips map[string]bool) string {
	req := classify.Request{
		Text:      itemText(item),
		Sender:    item.Sender.String,
		Subject:   item.Subject.String,
		VIPSender: vips[strings.ToLower(item.Sender.String)],
	}

	classifyCtx, cancel := context.WithTimeout(ctx, o.cfg.ClassifyTimeout)
	result, err := o.classifier.Classify(classifyCtx, req)
	cancel()
	if err != nil {
		return o.handleFailure(ctx, item, err)
	}

	urgency := result.Urgency
	if !store.ValidUrgency(urgency) {
		urgency = store.UrgencyThisWeek
	}
	if req.VIPSender {
		urgency = store.EscalateUrgency(urgency)
	}

	// A recipient list without the user means this arrived via CC: learn
	// from it passively, never act or notify on the user's behalf.
	ccOnly := o.isCcOnly(item)

	if err := o.recordFacts(ctx, item, result, ccOnly); err != nil {
		return o.handleFailure(ctx, item, err)
	}

	if !ccOnly {
		if err := o.applyAction(ctx, item, result, urgency); err != nil {
			return o.handleFailure(ctx, item, err)
		}
	}

	labels := make(map[string]float64, len(result.Labels))
	for _, label := range result.Labels {
		labels[label] = result.Confidence
	}
	fin := store.Finalization{
		ItemID:        item.ID,
		Categories:    result.Categories,
		Urgency:       urgency,
		Reason:        result.Reason,
		RequiresReply: result.RequiresReply && !ccOnly,
		ReplyReason:   result.ReplyReason,
		SuggestedAct:  result.SuggestedAction,
		Labels:        labels,
		Outcome:       store.OutcomeActioned,
	}
	if err := o.items.Finalize(ctx, fin); err != nil {
		return o.handleFailure(ctx, item, err)
	}

	if !ccOnly {
		o.publishItemTriggers(item, result, urgency)
		o.evaluateAlerts(ctx, item, result, urgency)
	}
	return store.OutcomeActioned
}

// handleFailure retries bounded times, then records a failed terminal outcome
// so one poison item cannot wedge the queue.
func (o *Organizer) handleFailure(ctx context.Context, item store.Item, cause error) string {
	attempts, err := o.items.IncrementAttempts(ctx, item.ID)
	if err != nil {
		log.Printf("organizer: item %s: %v (attempt tracking failed: %v)", item.ID, cause, err)
		return ""
	}
	if attempts < o.cfg.MaxAttempts {
		log.Printf("organizer: item %s attempt %d/%d: %v", item.ID, attempts, o.cfg.MaxAttempts, cause)
		if err := o.items.ReleaseClaim(ctx, item.ID); err != nil {
			log.Printf("organizer: release claim on %s: %v", item.ID, err)
		}
		return ""
	}

	log.Printf("organizer: item %s failed after %d attempts: %v", item.ID, attempts, cause)
	fin := store.Finalization{
		ItemID:  item.ID,
		Reason:  fmt.Sprintf("failed after %d attempts: %v", attempts, cause),
		Outcome: store.OutcomeFailed,
	}
	if err := o.items.Finalize(ctx, fin); err != nil {
		log.Printf("organizer: finalize failed item %s: %v", item.ID, err)
		return ""
	}
	return store.OutcomeFailed
}

// isCcOnly reports whether the user received this item only via CC.
func (o *Organizer) isCcOnly(item store.Item) bool {
	user := strings.ToLower(o.user)
	if user == "" {
		return false
	}
	for _, to := range item.Recipients() {
		if strings.ToLower(strings.TrimSpace(to)) == user {
			return false
		}
	}
	for _, cc := range item.CcRecipients() {
		if strings.ToLower(strings.TrimSpace(cc)) == user {
			return true
		}
	}
	return false
}

// recordFacts persists extracted facts. In CC mode only observations are
// kept: obligations overheard on a side channel are not the user's.
func (o *Organizer) recordFacts(ctx context.Context, item store.Item, result classify.Result, ccOnly bool) error {
	if !ccOnly {
		for _, d := range result.DecisionsRequested {
			in := store.FactInput{
				ItemID:      item.ID,
				FactType:    store.FactDecision,
				Description: d.Question,
				Context:     d.Context,
				Requester:   item.Sender.String,
				Urgency:     result.Urgency,
				DueBy:       parseDue(d.Deadline),
			}
			if _, err := o.facts.Insert(ctx, in); err != nil {
				return err
			}
		}
		for _, c := range result.CommitmentsMade {
			in := store.FactInput{
				ItemID:      item.ID,
				FactType:    store.FactCommitment,
				Description: c.Description,
				Requester:   c.ToWhom,
				Urgency:     result.Urgency,
				DueBy:       parseDue(c.DueBy),
			}
			if _, err := o.facts.Insert(ctx, in); err != nil {
				return err
			}
		}
	}
	for _, obs := range result.Observations {
		in := store.FactInput{
			ItemID:      item.ID,
			FactType:    store.FactObservation,
			Description: obs.Content,
			Requester:   item.Sender.String,
			Urgency:     store.UrgencySomeday,
		}
		if _, err := o.facts.Insert(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// applyAction sends at most one provider-side action per item.
func (o *Organizer) applyAction(ctx context.Context, item store.Item, result classify.Result, urgency string) error {
	if o.actions == nil {
		return nil
	}
	action := provider.Action{Kind: provider.ActionCategorize, Categories: result.Categories, Urgency: urgency}
	switch result.SuggestedAction {
	case provider.ActionArchive:
		action = provider.Action{Kind: provider.ActionArchive}
	case provider.ActionDelete:
		action = provider.Action{Kind: provider.ActionDelete}
	}
	if err := o.actions.ApplyAction(ctx, item.ID, action); err != nil {
		return fmt.Errorf("apply %s to %s: %w", action.Kind, item.ID, err)
	}
	return nil
}

// publishItemTriggers emits the per-item notification triggers. Each uses the
// item id in its dedupe key, so reprocessing never duplicates alerts.
func (o *Organizer) publishItemTriggers(item store.Item, result classify.Result, urgency string) {
	if o.publisher == nil {
		return
	}
	base := map[string]any{
		"item_id": item.ID,
		"sender":  item.Sender.String,
		"subject": item.Subject.String,
		"urgency": urgency,
	}
	publish := func(triggerType string, extra map[string]any) {
		payload := make(map[string]any, len(base)+len(extra))
		for k, v := range base {
			payload[k] = v
		}
		for k, v := range extra {
			payload[k] = v
		}
		key := trigger.MakeDedupeKey(triggerType, o.user, item.ID)
		if _, _, err := o.publisher.Publish(o.user, triggerType, payload, key, nil); err != nil {
			log.Printf("organizer: publish %s for %s: %v", triggerType, item.ID, err)
		}
	}

	if urgency == store.UrgencyImmediate {
		publish(trigger.TypeUrgentEmail, map[string]any{"reason": result.Reason})
	}
	if result.RequiresReply {
		publish(trigger.TypeReplyNeeded, map[string]any{"reply_reason": result.ReplyReason})
	}
	if result.AvailabilityRequested {
		extra := map[string]any{}
		if result.Availability != nil {
			extra["time_window"] = result.Availability.TimeWindow
			extra["duration_minutes"] = result.Availability.DurationMinutes
			extra["timezone"] = result.Availability.Timezone
			extra["constraints"] = result.Availability.Constraints
			extra["proposed_slots"] = result.Availability.ProposedSlots
		}
		publish(trigger.TypeAvailabilityRequested, extra)
	}
}

func (o *Organizer) evaluateAlerts(ctx context.Context, item store.Item, result classify.Result, urgency string) {
	if o.alerts == nil {
		return
	}
	ev := alerts.ItemEvent(item, result.Labels)
	ev.Urgency = urgency
	ev.Categories = result.Categories
	if _, err := o.alerts.Evaluate(ctx, ev); err != nil {
		log.Printf("organizer: alert evaluation for %s: %v", item.ID, err)
	}
}

// nudgeFollowups emits one no_reply_after_n_days trigger per conversation
// that is still waiting on the user past the follow-up window.
func (o *Organizer) nudgeFollowups(ctx context.Context, p prefs.Prefs) (int, error) {
	if o.publisher == nil {
		return 0, nil
	}
	days := p.Int("followup_days", 3)
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	pending, err := o.items.PendingFollowups(ctx, cutoff, 50)
	if err != nil {
		return 0, err
	}

	nudged := 0
	for _, item := range pending {
		payload := map[string]any{
			"item_id":  item.ID,
			"sender":   item.Sender.String,
			"subject":  item.Subject.String,
			"days_old": days,
		}
		key := trigger.MakeDedupeKey(trigger.TypeNoReplyAfterNDays, o.user, item.ID)
		if _, _, err := o.publisher.Publish(o.user, trigger.TypeNoReplyAfterNDays, payload, key, nil); err != nil {
			return nudged, err
		}
		if err := o.items.SetReplyNudged(ctx, item.ID); err != nil {
			return nudged, err
		}
		nudged++
	}
	return nudged, nil
}

func itemText(item store.Item) string {
	if item.BodyMarkdown.Valid && item.BodyMarkdown.String != "" {
		return item.BodyMarkdown.String
	}
	return item.BodyPreview.String
}

// parseDue accepts the date formats the classifier emits.
func parseDue(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
