package index

import (
	"context"
	"testing"
	"time"

	"github.com/mossleigh/steward/internal/store"
	"github.com/mossleigh/steward/internal/testutil"
)

func result(chunkID string, receivedAt int64) SearchResult {
	return SearchResult{ChunkID: chunkID, ItemID: chunkID, ReceivedAt: receivedAt}
}

func TestFuseRankingsPrefersChunksInBothLists(t *testing.T) {
	lexical := []SearchResult{result("A", 10), result("B", 20), result("C", 30)}
	vector := []SearchResult{result("B", 20), result("A", 10), result("D", 40)}

	fused := fuseRankings(lexical, vector)
	if len(fused) != 4 {
		t.Fatalf("fused %d results, want 4", len(fused))
	}

	pos := map[string]int{}
	for i, r := range fused {
		pos[r.ChunkID] = i
	}
	// A and B carry identical reciprocal sums (ranks 1 and 2 in each
	// list); B is ordered first only because it is the more recent item.
	if pos["B"] >= pos["A"] {
		t.Errorf("B should outrank A: order %v", orderOf(fused))
	}
	// Chunks ranked in one list only fall below chunks ranked in both.
	if pos["A"] >= pos["C"] || pos["A"] >= pos["D"] {
		t.Errorf("A should outrank single-list chunks: order %v", orderOf(fused))
	}
	// Equal single-list rank: the more recent item wins the tie.
	if pos["D"] >= pos["C"] {
		t.Errorf("tie should break toward the newer item: order %v", orderOf(fused))
	}
}

func TestFuseRankingsIsStable(t *testing.T) {
	lexical := []SearchResult{result("A", 5), result("B", 5)}
	vector := []SearchResult{result("B", 5), result("A", 5)}

	first := orderOf(fuseRankings(lexical, vector))
	for i := 0; i < 20; i++ {
		if got := orderOf(fuseRankings(lexical, vector)); !equal(got, first) {
			t.Fatalf("fusion order unstable: %v vs %v", got, first)
		}
	}
}

func orderOf(results []SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ChunkID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEscapeFTS5Query(t *testing.T) {
	cases := map[string]string{
		"budget report":   `"budget" "report"`,
		`say "hello"`:     `"say" """hello"""`,
		"NEAR(x, y)":      `"NEAR(x," "y)"`,
		"  spaced   out ": `"spaced" "out"`,
	}
	for in, want := range cases {
		if got := escapeFTS5Query(in); got != want {
			t.Errorf("escapeFTS5Query(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLexicalSearchFindsIndexedItems(t *testing.T) {
	db := testutil.OpenTestDB(t)
	items := store.NewItems(db)
	ctx := context.Background()

	seed := []struct {
		id, subject, body string
	}{
		{"msg-1", "Budget review", "The quarterly budget numbers need your review before Friday's meeting."},
		{"msg-2", "Lunch plans", "Want to grab lunch at the new place on Main Street this Thursday?"},
	}
	for _, s := range seed {
		if err := items.Upsert(ctx, store.ItemInput{ID: s.id, Sender: "alice@example.com", Subject: s.subject, ReceivedAt: time.Now()}); err != nil {
			t.Fatalf("upsert %s: %v", s.id, err)
		}
		if err := items.MarkExtracted(ctx, s.id, s.body); err != nil {
			t.Fatalf("mark extracted %s: %v", s.id, err)
		}
	}

	indexer := NewIndexer(db, nil, "")
	stats, err := indexer.Run(ctx, 100)
	if err != nil {
		t.Fatalf("index run: %v", err)
	}
	if stats.ItemsChunked != 2 {
		t.Fatalf("chunked %d items, want 2", stats.ItemsChunked)
	}
	// A second pass is a no-op.
	stats, err = indexer.Run(ctx, 100)
	if err != nil {
		t.Fatalf("second index run: %v", err)
	}
	if stats.ItemsChunked != 0 {
		t.Errorf("second pass chunked %d items, want 0", stats.ItemsChunked)
	}

	searcher := NewSearcher(db, nil, "")
	results, err := searcher.Search(ctx, "quarterly budget", ModeLexical, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 || results[0].ItemID != "msg-1" {
		t.Fatalf("search results = %+v, want msg-1 first", results)
	}
	if results[0].Snippet == "" {
		t.Error("missing snippet")
	}

	// Hybrid without an embedder degrades to lexical.
	results, err = searcher.Search(ctx, "quarterly budget", ModeHybrid, 5)
	if err != nil {
		t.Fatalf("hybrid search: %v", err)
	}
	if len(results) == 0 || results[0].ItemID != "msg-1" {
		t.Errorf("hybrid fallback results = %+v", results)
	}
}

func TestVectorSearchRequiresEmbedder(t *testing.T) {
	db := testutil.OpenTestDB(t)
	searcher := NewSearcher(db, nil, "")
	if _, err := searcher.Search(context.Background(), "anything", ModeVector, 5); err == nil {
		t.Error("vector mode without embedder should fail")
	}
}
