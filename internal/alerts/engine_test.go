package alerts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mossleigh/steward/internal/store"
	"github.com/mossleigh/steward/internal/testutil"
	"github.com/mossleigh/steward/internal/trigger"
)

func testAlertEngine(t *testing.T, db *sqlx.DB) (*Engine, *Rules) {
	t.Helper()
	rules := NewRules(db)
	outbox := filepath.Join(t.TempDir(), "outbox")
	publisher := trigger.NewPublisher(outbox, "", 0)
	return NewEngine(rules, nil, publisher, "me@example.com"), rules
}

func emailEvent(id, sender, subject string) Event {
	return Event{
		Type:    EventEmailReceived,
		ID:      id,
		Sender:  sender,
		Subject: subject,
		Body:    "body text",
		Urgency: store.UrgencyThisWeek,
		Payload: map[string]any{"item_id": id},
	}
}

func TestRuleValidationAtWrite(t *testing.T) {
	db := testutil.OpenTestDB(t)
	rules := NewRules(db)
	ctx := context.Background()

	cases := []RuleInput{
		{RuleText: "", EventTypes: []string{EventEmailReceived}},
		{RuleText: "x", EventTypes: nil},
		{RuleText: "x", EventTypes: []string{"email_opened"}},
		{RuleText: "x", EventTypes: []string{EventEmailReceived},
			Conditions: Conditions{UrgencyLevels: []string{"sometime"}}},
		{RuleText: "x", EventTypes: []string{EventEmailReceived},
			Conditions: Conditions{MatchMode: "most"}},
		{RuleText: "x", EventTypes: []string{EventEmailReceived},
			Conditions: Conditions{SenderPatterns: []string{"[unclosed"}}},
	}
	for i, in := range cases {
		if _, err := rules.Create(ctx, in); !errors.Is(err, store.ErrInvalid) {
			t.Errorf("case %d: got %v, want ErrInvalid", i, err)
		}
	}
}

func TestSenderPatternRuleFires(t *testing.T) {
	db := testutil.OpenTestDB(t)
	engine, rules := testAlertEngine(t, db)
	ctx := context.Background()

	id, err := rules.Create(ctx, RuleInput{
		RuleText:   "anything from the example.com domain",
		EventTypes: []string{EventEmailReceived},
		Conditions: Conditions{SenderPatterns: []string{"*@example.com"}},
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	fired, err := engine.Evaluate(ctx, emailEvent("msg-1", "alice@example.com", "hello"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(fired) != 1 || fired[0] != id {
		t.Fatalf("fired = %v, want [%s]", fired, id)
	}

	// Non-matching sender stays quiet.
	fired, err = engine.Evaluate(ctx, emailEvent("msg-2", "bob@other.org", "hello"))
	if err != nil {
		t.Fatalf("evaluate non-match: %v", err)
	}
	if len(fired) != 0 {
		t.Errorf("non-matching event fired %v", fired)
	}

	history, err := rules.History(ctx, id, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].EventID != "msg-1" {
		t.Errorf("history = %+v", history)
	}
}

func TestSameEventNeverFiresTwice(t *testing.T) {
	db := testutil.OpenTestDB(t)
	engine, rules := testAlertEngine(t, db)
	ctx := context.Background()

	id, err := rules.Create(ctx, RuleInput{
		RuleText:        "urgent things",
		EventTypes:      []string{EventEmailReceived},
		Conditions:      Conditions{SubjectKeywords: []string{"urgent"}},
		CooldownMinutes: 1,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	ev := emailEvent("msg-1", "alice@example.com", "urgent: server down")
	if fired, _ := engine.Evaluate(ctx, ev); len(fired) != 1 {
		t.Fatalf("first evaluation did not fire")
	}
	// Clear the cooldown so only the (rule, event) dedup can suppress.
	if _, err := db.Exec("UPDATE alert_rules SET last_triggered_at = NULL WHERE id = ?", id); err != nil {
		t.Fatalf("clear cooldown: %v", err)
	}
	if fired, _ := engine.Evaluate(ctx, ev); len(fired) != 0 {
		t.Error("replayed event fired again")
	}

	r, err := rules.Get(ctx, id)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if r.TriggerCount != 1 {
		t.Errorf("trigger_count = %d, want 1", r.TriggerCount)
	}
}

func TestCooldownSuppressesNewEvents(t *testing.T) {
	db := testutil.OpenTestDB(t)
	engine, rules := testAlertEngine(t, db)
	ctx := context.Background()

	id, err := rules.Create(ctx, RuleInput{
		RuleText:        "urgent things",
		EventTypes:      []string{EventEmailReceived},
		Conditions:      Conditions{SubjectKeywords: []string{"urgent"}},
		CooldownMinutes: 30,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	if fired, _ := engine.Evaluate(ctx, emailEvent("msg-1", "a@x.com", "urgent one")); len(fired) != 1 {
		t.Fatal("first event did not fire")
	}
	if fired, _ := engine.Evaluate(ctx, emailEvent("msg-2", "a@x.com", "urgent two")); len(fired) != 0 {
		t.Error("second event fired inside the cooldown")
	}

	// Cooldown over: a new event fires again.
	aged := time.Now().Add(-time.Hour).Unix()
	if _, err := db.Exec("UPDATE alert_rules SET last_triggered_at = ? WHERE id = ?", aged, id); err != nil {
		t.Fatalf("age cooldown: %v", err)
	}
	if fired, _ := engine.Evaluate(ctx, emailEvent("msg-3", "a@x.com", "urgent three")); len(fired) != 1 {
		t.Error("event after cooldown did not fire")
	}
}

func TestMatchModeAll(t *testing.T) {
	db := testutil.OpenTestDB(t)
	engine, rules := testAlertEngine(t, db)
	ctx := context.Background()

	_, err := rules.Create(ctx, RuleInput{
		RuleText:   "urgent mail from alice",
		EventTypes: []string{EventEmailReceived},
		Conditions: Conditions{
			SenderPatterns:  []string{"alice@example.com"},
			SubjectKeywords: []string{"urgent"},
			MatchMode:       MatchAll,
		},
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	if fired, _ := engine.Evaluate(ctx, emailEvent("m1", "alice@example.com", "nothing much")); len(fired) != 0 {
		t.Error("half-matching event fired under match_mode=all")
	}
	if fired, _ := engine.Evaluate(ctx, emailEvent("m2", "alice@example.com", "urgent: review")); len(fired) != 1 {
		t.Error("fully matching event did not fire")
	}
}

func TestDisabledRuleNeverFires(t *testing.T) {
	db := testutil.OpenTestDB(t)
	engine, rules := testAlertEngine(t, db)
	ctx := context.Background()

	id, err := rules.Create(ctx, RuleInput{
		RuleText:   "anything at all",
		EventTypes: []string{EventEmailReceived},
		Conditions: Conditions{SubjectKeywords: []string{"hello"}},
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if err := rules.SetEnabled(ctx, id, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if fired, _ := engine.Evaluate(ctx, emailEvent("m1", "a@x.com", "hello there")); len(fired) != 0 {
		t.Error("disabled rule fired")
	}
}

func TestWorkingMemoryEventRule(t *testing.T) {
	db := testutil.OpenTestDB(t)
	engine, rules := testAlertEngine(t, db)
	ctx := context.Background()

	_, err := rules.Create(ctx, RuleInput{
		RuleText:   "overdue commitments",
		EventTypes: []string{EventWMCommitmentDue},
		Conditions: Conditions{OverdueOnly: true},
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	ev := Event{
		Type:    EventWMCommitmentDue,
		ID:      "fact-1",
		Body:    "send the signed contract",
		Overdue: true,
		Payload: map[string]any{"fact_id": "fact-1"},
	}
	if fired, _ := engine.Evaluate(ctx, ev); len(fired) != 1 {
		t.Error("wm event did not fire the subscribed rule")
	}
	// Email events never reach a wm-only rule.
	if fired, _ := engine.Evaluate(ctx, emailEvent("m1", "a@x.com", "overdue")); len(fired) != 0 {
		t.Error("wm rule fired on an email event")
	}
}

func TestSemanticRuleSkippedWithoutMatcher(t *testing.T) {
	db := testutil.OpenTestDB(t)
	engine, rules := testAlertEngine(t, db)
	ctx := context.Background()

	_, err := rules.Create(ctx, RuleInput{
		RuleText:   "emails that sound like a customer escalation",
		EventTypes: []string{EventEmailReceived},
		Conditions: Conditions{RequiresSemanticMatch: true},
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if fired, _ := engine.Evaluate(ctx, emailEvent("m1", "a@x.com", "we are very unhappy")); len(fired) != 0 {
		t.Error("semantic rule fired with no matcher configured")
	}
}
