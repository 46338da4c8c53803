package index

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Fusion constant for reciprocal-rank scoring. A chunk ranked r in one
// candidate list contributes 1/(rrfK+r) to its fused score.
const rrfK = 60

// SearchMode selects which index answers a query.
type SearchMode string

const (
	ModeLexical SearchMode = "lexical"
	ModeVector  SearchMode = "vector"
	ModeHybrid  SearchMode = "hybrid"
)

// SearchResult is one ranked chunk with enough item context to display.
type SearchResult struct {
	ChunkID    string  `json:"chunk_id" db:"chunk_id"`
	ItemID     string  `json:"item_id" db:"item_id"`
	SourceType string  `json:"source_type" db:"source_type"`
	Snippet    string  `json:"snippet" db:"-"`
	Content    string  `json:"-" db:"content"`
	Subject    string  `json:"subject" db:"subject"`
	Sender     string  `json:"sender" db:"sender"`
	ReceivedAt int64   `json:"received_at" db:"received_at"`
	Score      float64 `json:"score" db:"-"`
}

// Searcher answers retrieval queries over the chunk index.
type Searcher struct {
	db       *sqlx.DB
	embedder Embedder
	model    string
}

func NewSearcher(db *sqlx.DB, embedder Embedder, model string) *Searcher {
	if model == "" {
		model = "default"
	}
	return &Searcher{db: db, embedder: embedder, model: model}
}

// Search runs a query in the given mode. Hybrid falls back to lexical when
// no embedder is configured.
func (s *Searcher) Search(ctx context.Context, query string, mode SearchMode, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	switch mode {
	case ModeLexical:
		return s.searchLexical(ctx, query, limit)
	case ModeVector:
		return s.searchVector(ctx, query, limit)
	case ModeHybrid, "":
		return s.searchHybrid(ctx, query, limit)
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
}

// escapeFTS5Query quotes each term so user input can't inject FTS5 query
// syntax like NEAR or column filters.
func escapeFTS5Query(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, `"`, `""`)
		quoted = append(quoted, `"`+term+`"`)
	}
	return strings.Join(quoted, " ")
}

func (s *Searcher) searchLexical(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	escaped := escapeFTS5Query(query)
	if escaped == "" {
		return nil, nil
	}
	var results []SearchResult
	err := s.db.SelectContext(ctx, &results, `
		SELECT c.id AS chunk_id, c.item_id, c.source_type, c.content,
		       COALESCE(i.subject, '') AS subject,
		       COALESCE(i.sender, '') AS sender,
		       COALESCE(i.received_at, 0) AS received_at
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.chunk_id
		JOIN items i ON i.id = c.item_id
		WHERE chunks_fts MATCH ?
		ORDER BY bm25(chunks_fts)
		LIMIT ?
	`, escaped, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run lexical search: %w", err)
	}
	for i := range results {
		results[i].Score = 1.0 / float64(rrfK+i+1)
		results[i].Snippet = buildSnippet(results[i].Content, snippetMaxChars)
	}
	return results, nil
}

func (s *Searcher) searchVector(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("vector search requires an embedder")
	}
	queryVec, err := s.embedder.Embed(query, s.model)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	type row struct {
		SearchResult
		Vector []byte `db:"vector"`
	}
	var rows []row
	err = s.db.SelectContext(ctx, &rows, `
		SELECT c.id AS chunk_id, c.item_id, c.source_type, c.content,
		       COALESCE(i.subject, '') AS subject,
		       COALESCE(i.sender, '') AS sender,
		       COALESCE(i.received_at, 0) AS received_at,
		       e.vector
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		JOIN items i ON i.id = c.item_id
		WHERE e.model = ?
	`, s.model)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, r := range rows {
		sim := cosineSimilarity(queryVec, blobToFloat64Slice(r.Vector))
		if sim <= 0 {
			continue
		}
		res := r.SearchResult
		res.Score = sim
		res.Snippet = buildSnippet(res.Content, snippetMaxChars)
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ReceivedAt > results[j].ReceivedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// searchHybrid fuses lexical and vector rankings by reciprocal-rank sum: a
// chunk ranked in both lists outranks a chunk ranked once, and ties break
// toward the more recent item.
func (s *Searcher) searchHybrid(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	candidateLimit := limit * 3
	if candidateLimit < 30 {
		candidateLimit = 30
	}

	lexical, err := s.searchLexical(ctx, query, candidateLimit)
	if err != nil {
		return nil, err
	}
	if s.embedder == nil {
		if len(lexical) > limit {
			lexical = lexical[:limit]
		}
		return lexical, nil
	}
	vector, err := s.searchVector(ctx, query, candidateLimit)
	if err != nil {
		return nil, err
	}

	fused := fuseRankings(lexical, vector)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// fuseRankings merges ranked candidate lists. Each list contributes
// 1/(rrfK+rank) per chunk, ranks starting at 1.
func fuseRankings(lists ...[]SearchResult) []SearchResult {
	scores := make(map[string]float64)
	byID := make(map[string]SearchResult)
	for _, list := range lists {
		for rank, res := range list {
			scores[res.ChunkID] += 1.0 / float64(rrfK+rank+1)
			if _, seen := byID[res.ChunkID]; !seen {
				byID[res.ChunkID] = res
			}
		}
	}

	fused := make([]SearchResult, 0, len(byID))
	for id, res := range byID {
		res.Score = scores[id]
		fused = append(fused, res)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		if fused[i].ReceivedAt != fused[j].ReceivedAt {
			return fused[i].ReceivedAt > fused[j].ReceivedAt
		}
		return fused[i].ChunkID < fused[j].ChunkID
	})
	return fused
}
