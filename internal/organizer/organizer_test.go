package organizer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mossleigh/steward/internal/classify"
	"github.com/mossleigh/steward/internal/config"
	"github.com/mossleigh/steward/internal/store"
	"github.com/mossleigh/steward/internal/testutil"
	"github.com/mossleigh/steward/internal/trigger"
)

// scriptedClassifier returns canned results keyed by item subject.
type scriptedClassifier struct {
	results map[string]classify.Result
	err     error
	calls   int
}

func (c *scriptedClassifier) Classify(_ context.Context, req classify.Request) (classify.Result, error) {
	c.calls++
	if c.err != nil {
		return classify.Result{}, c.err
	}
	if r, ok := c.results[req.Subject]; ok {
		return r, nil
	}
	return classify.Result{Urgency: store.UrgencyThisWeek, Categories: []string{"general"}}, nil
}

func testConfig() config.OrganizerConfig {
	return config.OrganizerConfig{
		Interval:        time.Minute,
		BatchSize:       50,
		Concurrency:     2,
		MaxAttempts:     2,
		ClassifyTimeout: 5 * time.Second,
		LeaseTimeout:    time.Hour,
	}
}

func testOrganizer(t *testing.T, db *sqlx.DB, classifier classify.Classifier) (*Organizer, string) {
	t.Helper()
	t.Setenv("STEWARD_PREFERENCES_PATH", filepath.Join(t.TempDir(), "preferences.json"))
	outbox := filepath.Join(t.TempDir(), "outbox")
	publisher := trigger.NewPublisher(outbox, "", 0)
	o := New(testConfig(), "me@example.com", store.NewItems(db), store.NewFacts(db),
		store.NewThreads(db), nil, classifier, nil, publisher, nil)
	return o, outbox
}

func outboxTriggers(t *testing.T, outbox string) map[string]int {
	t.Helper()
	counts := map[string]int{}
	entries, err := os.ReadDir(outbox)
	if os.IsNotExist(err) {
		return counts
	}
	if err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(outbox, e.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		var tr trigger.Trigger
		if err := json.Unmarshal(data, &tr); err != nil {
			t.Fatalf("decode %s: %v", e.Name(), err)
		}
		counts[tr.Type]++
	}
	return counts
}

func TestProcessUrgentReplyItem(t *testing.T) {
	db := testutil.OpenTestDB(t)
	items := store.NewItems(db)
	ctx := context.Background()

	err := items.Upsert(ctx, store.ItemInput{
		ID:         "msg-1",
		Sender:     "boss@example.com",
		To:         []string{"me@example.com"},
		Subject:    "prod incident",
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	classifier := &scriptedClassifier{results: map[string]classify.Result{
		"prod incident": {
			Categories:    []string{"incident"},
			Urgency:       store.UrgencyImmediate,
			Reason:        "production outage",
			RequiresReply: true,
			ReplyReason:   "asks for status",
			CommitmentsMade: []classify.CommitmentMade{
				{Description: "post RCA by Friday", DueBy: "2026-08-28"},
			},
		},
	}}
	o, outbox := testOrganizer(t, db, classifier)

	stats, err := o.RunCycle(ctx)
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if stats.Claimed != 1 || stats.Actioned != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	it, err := items.Get(ctx, "msg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !it.ProcessedAt.Valid || it.Outcome.String != store.OutcomeActioned {
		t.Errorf("item not terminal: %+v", it)
	}
	if it.Urgency.String != store.UrgencyImmediate || !it.RequiresReply {
		t.Errorf("classification not recorded: urgency=%q requires_reply=%v", it.Urgency.String, it.RequiresReply)
	}

	var triageRows int
	if err := db.Get(&triageRows, "SELECT COUNT(*) FROM triage_log WHERE item_id = 'msg-1'"); err != nil {
		t.Fatalf("count triage: %v", err)
	}
	if triageRows != 1 {
		t.Errorf("triage rows = %d, want 1", triageRows)
	}

	var commitments int
	if err := db.Get(&commitments, "SELECT COUNT(*) FROM facts WHERE fact_type = 'commitment'"); err != nil {
		t.Fatalf("count facts: %v", err)
	}
	if commitments != 1 {
		t.Errorf("commitments = %d, want 1", commitments)
	}

	counts := outboxTriggers(t, outbox)
	if counts[trigger.TypeUrgentEmail] != 1 || counts[trigger.TypeReplyNeeded] != 1 {
		t.Errorf("trigger counts = %v", counts)
	}

	// Reprocessing is a no-op: the item is terminal.
	stats, err = o.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if stats.Claimed != 0 {
		t.Errorf("second cycle claimed %d items", stats.Claimed)
	}
}

func TestCcOnlyItemLearnsPassively(t *testing.T) {
	db := testutil.OpenTestDB(t)
	items := store.NewItems(db)
	ctx := context.Background()

	err := items.Upsert(ctx, store.ItemInput{
		ID:         "msg-cc",
		Sender:     "alice@example.com",
		To:         []string{"bob@example.com"},
		Cc:         []string{"me@example.com"},
		Subject:    "vendor decision",
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	classifier := &scriptedClassifier{results: map[string]classify.Result{
		"vendor decision": {
			Urgency:       store.UrgencyImmediate,
			RequiresReply: true,
			DecisionsRequested: []classify.DecisionRequest{
				{Question: "which vendor do we pick?"},
			},
			Observations: []classify.Observation{
				{Content: "alice is driving the vendor selection"},
			},
		},
	}}
	o, outbox := testOrganizer(t, db, classifier)

	if _, err := o.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	it, err := items.Get(ctx, "msg-cc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !it.ProcessedAt.Valid {
		t.Fatal("cc item not processed")
	}
	if it.RequiresReply {
		t.Error("cc item marked requires_reply")
	}

	var factTypes []string
	if err := db.Select(&factTypes, "SELECT fact_type FROM facts"); err != nil {
		t.Fatalf("list facts: %v", err)
	}
	if len(factTypes) != 1 || factTypes[0] != store.FactObservation {
		t.Errorf("facts = %v, want only an observation", factTypes)
	}

	if counts := outboxTriggers(t, outbox); len(counts) != 0 {
		t.Errorf("cc item emitted triggers: %v", counts)
	}
}

func TestPoisonItemFailsAfterRetries(t *testing.T) {
	db := testutil.OpenTestDB(t)
	items := store.NewItems(db)
	ctx := context.Background()

	if err := items.Upsert(ctx, store.ItemInput{ID: "bad", Subject: "???", ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := items.Upsert(ctx, store.ItemInput{ID: "good", Subject: "fine", ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	classifier := &scriptedClassifier{err: errors.New("model unavailable")}
	o, _ := testOrganizer(t, db, classifier)

	// MaxAttempts is 2: first cycle releases, second finalizes as failed.
	for i := 0; i < 2; i++ {
		if _, err := o.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	bad, err := items.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("get bad: %v", err)
	}
	if !bad.ProcessedAt.Valid || bad.Outcome.String != store.OutcomeFailed {
		t.Errorf("poison item not isolated: %+v", bad)
	}

	// The queue drains: nothing is left claimable.
	n, err := items.ClaimBatch(ctx, "probe", 10, time.Hour)
	if err != nil {
		t.Fatalf("probe claim: %v", err)
	}
	if len(n) != 0 {
		t.Errorf("queue not drained: %v", n)
	}
}

func TestFollowupNudgeFiresOnce(t *testing.T) {
	db := testutil.OpenTestDB(t)
	items := store.NewItems(db)
	ctx := context.Background()

	err := items.Upsert(ctx, store.ItemInput{
		ID:             "waiting",
		ConversationID: "conv-1",
		Sender:         "carol@example.com",
		To:             []string{"me@example.com"},
		Subject:        "contract question",
		ReceivedAt:     time.Now().AddDate(0, 0, -5),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err = items.Finalize(ctx, store.Finalization{
		ItemID: "waiting", Urgency: store.UrgencyToday,
		RequiresReply: true, Outcome: store.OutcomeActioned,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	o, outbox := testOrganizer(t, db, &scriptedClassifier{})
	stats, err := o.RunCycle(ctx)
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if stats.Followups != 1 {
		t.Fatalf("followups = %d, want 1", stats.Followups)
	}
	counts := outboxTriggers(t, outbox)
	if counts[trigger.TypeNoReplyAfterNDays] != 1 {
		t.Errorf("trigger counts = %v", counts)
	}

	// Second cycle: the nudge stamp suppresses a repeat.
	stats, err = o.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if stats.Followups != 0 {
		t.Errorf("second cycle sent %d followups", stats.Followups)
	}
}

func TestParseDue(t *testing.T) {
	if got := parseDue("2026-08-28"); got.IsZero() {
		t.Error("date-only deadline not parsed")
	}
	if got := parseDue("whenever"); !got.IsZero() {
		t.Errorf("junk deadline parsed as %v", got)
	}
}
