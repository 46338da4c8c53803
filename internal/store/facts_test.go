package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mossleigh/steward/internal/store"
	"github.com/mossleigh/steward/internal/testutil"
)

func TestFactLifecycle(t *testing.T) {
	db := testutil.OpenTestDB(t)
	facts := store.NewFacts(db)
	ctx := context.Background()

	id, err := facts.Insert(ctx, store.FactInput{
		FactType:    store.FactCommitment,
		Description: "send the contract to legal",
		Requester:   "bob@example.com",
		Urgency:     store.UrgencyThisWeek,
		DueBy:       time.Now().AddDate(0, 0, 2),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	f, err := facts.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.Status != store.FactActive {
		t.Errorf("status = %q, want active", f.Status)
	}

	if err := facts.Resolve(ctx, id); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Resolving twice is a no-op.
	if err := facts.Resolve(ctx, id); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	f, err = facts.Get(ctx, id)
	if err != nil {
		t.Fatalf("get after resolve: %v", err)
	}
	if f.Status != store.FactResolved || !f.ResolvedAt.Valid {
		t.Errorf("fact not resolved: status=%q resolved_at.Valid=%v", f.Status, f.ResolvedAt.Valid)
	}

	if err := facts.Resolve(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("resolve missing: got %v, want ErrNotFound", err)
	}
}

func TestFactInsertValidation(t *testing.T) {
	db := testutil.OpenTestDB(t)
	facts := store.NewFacts(db)
	ctx := context.Background()

	_, err := facts.Insert(ctx, store.FactInput{FactType: "reminder", Description: "x"})
	if !errors.Is(err, store.ErrInvalid) {
		t.Errorf("bad type: got %v, want ErrInvalid", err)
	}
	_, err = facts.Insert(ctx, store.FactInput{FactType: store.FactDecision, Description: "   "})
	if !errors.Is(err, store.ErrInvalid) {
		t.Errorf("empty description: got %v, want ErrInvalid", err)
	}
	_, err = facts.Insert(ctx, store.FactInput{FactType: store.FactDecision, Description: "x", Urgency: "never"})
	if !errors.Is(err, store.ErrInvalid) {
		t.Errorf("bad urgency: got %v, want ErrInvalid", err)
	}
}

func TestListOverdueAndStale(t *testing.T) {
	db := testutil.OpenTestDB(t)
	facts := store.NewFacts(db)
	ctx := context.Background()

	overdueID, err := facts.Insert(ctx, store.FactInput{
		FactType: store.FactCommitment, Description: "overdue",
		DueBy: time.Now().AddDate(0, 0, -3),
	})
	if err != nil {
		t.Fatalf("insert overdue: %v", err)
	}
	if _, err := facts.Insert(ctx, store.FactInput{
		FactType: store.FactCommitment, Description: "future",
		DueBy: time.Now().AddDate(0, 0, 3),
	}); err != nil {
		t.Fatalf("insert future: %v", err)
	}

	overdue, err := facts.ListOverdue(ctx, store.FactCommitment, time.Now(), 10)
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != overdueID {
		t.Errorf("overdue = %d facts, want exactly the overdue one", len(overdue))
	}

	staleID, err := facts.Insert(ctx, store.FactInput{
		FactType: store.FactDecision, Description: "old question",
	})
	if err != nil {
		t.Fatalf("insert decision: %v", err)
	}
	if _, err := db.Exec("UPDATE facts SET created_at = ? WHERE id = ?",
		time.Now().AddDate(0, 0, -10).Unix(), staleID); err != nil {
		t.Fatalf("age fact: %v", err)
	}
	stale, err := facts.ListStale(ctx, store.FactDecision, time.Now().AddDate(0, 0, -2), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != staleID {
		t.Errorf("stale = %d facts, want exactly the aged one", len(stale))
	}
}

func TestExpireObservations(t *testing.T) {
	db := testutil.OpenTestDB(t)
	facts := store.NewFacts(db)
	ctx := context.Background()

	oldID, err := facts.Insert(ctx, store.FactInput{
		FactType: store.FactObservation, Description: "old note",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.Exec("UPDATE facts SET created_at = ? WHERE id = ?",
		time.Now().AddDate(0, 0, -40).Unix(), oldID); err != nil {
		t.Fatalf("age observation: %v", err)
	}
	if _, err := facts.Insert(ctx, store.FactInput{
		FactType: store.FactObservation, Description: "fresh note",
	}); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}
	// Commitments never expire this way.
	if _, err := facts.Insert(ctx, store.FactInput{
		FactType: store.FactCommitment, Description: "promise",
	}); err != nil {
		t.Fatalf("insert commitment: %v", err)
	}

	n, err := facts.ExpireObservations(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d observations, want 1", n)
	}
	f, err := facts.Get(ctx, oldID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.Status != store.FactExpired {
		t.Errorf("status = %q, want expired", f.Status)
	}
}

func TestUrgencyHelpers(t *testing.T) {
	if store.EscalateUrgency(store.UrgencySomeday) != store.UrgencyThisWeek {
		t.Error("someday should escalate to this_week")
	}
	if store.EscalateUrgency(store.UrgencyImmediate) != store.UrgencyImmediate {
		t.Error("immediate should stay capped")
	}
	if !store.UrgencyAtLeast(store.UrgencyToday, store.UrgencyThisWeek) {
		t.Error("today should rank above this_week")
	}
	if store.UrgencyAtLeast("bogus", store.UrgencySomeday) {
		t.Error("unknown urgency should rank below someday")
	}
}
