package provider

import (
	"context"
	"testing"
	"time"

	"github.com/mossleigh/steward/internal/store"
	"github.com/mossleigh/steward/internal/testutil"
)

// fakePort replays scripted change batches keyed by cursor.
type fakePort struct {
	batches map[string]struct {
		upserts []Change
		deletes []string
		next    string
	}
	applied []Action
}

func (f *fakePort) ListChanges(_ context.Context, since string) ([]Change, []string, string, error) {
	b, ok := f.batches[since]
	if !ok {
		return nil, nil, since, nil
	}
	return b.upserts, b.deletes, b.next, nil
}

func (f *fakePort) ApplyAction(_ context.Context, _ string, action Action) error {
	f.applied = append(f.applied, action)
	return nil
}

func TestSyncAdvancesCursor(t *testing.T) {
	db := testutil.OpenTestDB(t)
	items := store.NewItems(db)
	state := store.NewPollState(db)
	ctx := context.Background()

	port := &fakePort{batches: map[string]struct {
		upserts []Change
		deletes []string
		next    string
	}{
		"": {
			upserts: []Change{
				{Item: store.ItemInput{ID: "msg-1", Sender: "a@x.com", ReceivedAt: time.Now()}},
				{Item: store.ItemInput{ID: "msg-2", Sender: "b@x.com", ReceivedAt: time.Now()}},
			},
			next: "cursor-1",
		},
		"cursor-1": {
			deletes: []string{"msg-1", "never-seen"},
			next:    "cursor-2",
		},
	}}
	s := NewSyncer(port, items, state)

	res, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if res.Upserted != 2 || res.Deleted != 0 {
		t.Errorf("first sync = %+v", res)
	}

	res, err = s.Sync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	// The unknown id is skipped, not fatal.
	if res.Deleted != 1 {
		t.Errorf("second sync deleted %d, want 1", res.Deleted)
	}
	if _, err := items.Get(ctx, "msg-1"); err == nil {
		t.Error("deleted item still present")
	}
	if _, err := items.Get(ctx, "msg-2"); err != nil {
		t.Errorf("surviving item lost: %v", err)
	}

	cursor, ok, err := state.Get(ctx, "provider", "cursor")
	if err != nil || !ok || cursor != "cursor-2" {
		t.Errorf("cursor = %q ok=%v err=%v, want cursor-2", cursor, ok, err)
	}

	// Nothing new: a third sync is a no-op.
	res, err = s.Sync(ctx)
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if res.Upserted != 0 || res.Deleted != 0 {
		t.Errorf("third sync = %+v, want no-op", res)
	}
}
