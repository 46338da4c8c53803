// Package provider fixes the mail/calendar provider boundary. The concrete
// client (Graph, IMAP, CalDAV) lives outside this repo; steward consumes it
// through these interfaces only.
package provider

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mossleigh/steward/internal/store"
)

// Action kinds applied back to the provider. Applying the same action twice
// must be a no-op on the provider side.
const (
	ActionCategorize = "categorize"
	ActionArchive    = "archive"
	ActionDelete     = "delete"
)

// Action is one provider-facing mutation for an item.
type Action struct {
	Kind       string
	Categories []string
	Urgency    string
}

// Change is one upserted item reported by the provider.
type Change struct {
	Item store.ItemInput
}

// SyncPort is the provider sync boundary.
type SyncPort interface {
	// ListChanges returns items created or updated since the cursor, plus
	// ids deleted on the provider side, and the next cursor.
	ListChanges(ctx context.Context, since string) (upserts []Change, deletedIDs []string, next string, err error)
	// ApplyAction applies one idempotent action to an item.
	ApplyAction(ctx context.Context, itemID string, action Action) error
}

// Syncer pulls provider changes into the event store. Deletes cascade to all
// derived rows inside the item-delete transaction.
type Syncer struct {
	port  SyncPort
	items *store.Items
	state *store.PollState
}

// NewSyncer returns a syncer over the given port and stores.
func NewSyncer(port SyncPort, items *store.Items, state *store.PollState) *Syncer {
	return &Syncer{port: port, items: items, state: state}
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Upserted int
	Deleted  int
	Duration time.Duration
}

// Sync runs one incremental pass: read the cursor, pull changes, upsert and
// cascade-delete, then advance the cursor.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	start := time.Now()
	cursor, _, err := s.state.Get(ctx, "provider", "cursor")
	if err != nil {
		return SyncResult{}, err
	}

	upserts, deletedIDs, next, err := s.port.ListChanges(ctx, cursor)
	if err != nil {
		return SyncResult{}, fmt.Errorf("provider list changes: %w", store.ErrTransient)
	}

	result := SyncResult{}
	for _, ch := range upserts {
		if err := s.items.Upsert(ctx, ch.Item); err != nil {
			return result, err
		}
		result.Upserted++
	}
	for _, id := range deletedIDs {
		if err := s.items.Delete(ctx, id); err != nil {
			// A delete for an item never ingested is not an error.
			log.Printf("provider: delete %s: %v", id, err)
			continue
		}
		result.Deleted++
	}

	if next != "" && next != cursor {
		if err := s.state.Set(ctx, "provider", "cursor", next); err != nil {
			return result, err
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}
