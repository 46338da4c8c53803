// Package index maintains the retrieval index: a lexical FTS5 index and an
// embedding vector index over chunked item and attachment text, with hybrid
// reciprocal-rank-fusion queries.
package index

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Indexer keeps chunks and embeddings in sync with processed items. Chunk
// rows are removed by the item-delete cascade (and the FTS rows by SQL
// trigger), so the index can never hold orphans.
type Indexer struct {
	db       *sqlx.DB
	embedder Embedder
	model    string
}

// NewIndexer returns an indexer. embedder may be nil; embedding then waits
// until one is configured.
func NewIndexer(db *sqlx.DB, embedder Embedder, model string) *Indexer {
	if model == "" {
		model = "default"
	}
	return &Indexer{db: db, embedder: embedder, model: model}
}

// IndexStats summarizes one maintenance pass.
type IndexStats struct {
	ItemsChunked       int
	AttachmentsChunked int
	ChunksEmbedded     int
	Duration           time.Duration
}

// Run performs one incremental maintenance pass: chunk newly extracted
// items and attachments, then embed chunks that lack vectors.
func (ix *Indexer) Run(ctx context.Context, limit int) (IndexStats, error) {
	start := time.Now()
	stats := IndexStats{}

	n, err := ix.chunkExtractedItems(ctx, limit)
	if err != nil {
		return stats, err
	}
	stats.ItemsChunked = n

	n, err = ix.chunkExtractedAttachments(ctx, limit)
	if err != nil {
		return stats, err
	}
	stats.AttachmentsChunked = n

	n, err = ix.embedPendingChunks(ctx, limit)
	if err != nil {
		return stats, err
	}
	stats.ChunksEmbedded = n

	stats.Duration = time.Since(start)
	return stats, nil
}

// chunkExtractedItems indexes items whose content-extraction stage finished
// and that have no chunks yet.
func (ix *Indexer) chunkExtractedItems(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	type pending struct {
		ID           string `db:"id"`
		Subject      string `db:"subject"`
		BodyMarkdown string `db:"body_markdown"`
	}
	var rows []pending
	err := ix.db.SelectContext(ctx, &rows, `
		SELECT id, COALESCE(subject, '') AS subject, COALESCE(body_markdown, '') AS body_markdown
		FROM items
		WHERE extracted_at IS NOT NULL
		  AND id NOT IN (SELECT DISTINCT source_id FROM chunks WHERE source_type = 'item')
		LIMIT ?
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unindexed items: %w", err)
	}

	indexed := 0
	for _, row := range rows {
		body := StripQuotedReplies(row.BodyMarkdown)
		text := row.Subject
		if body != "" {
			text = row.Subject + "\n\n" + body
		}
		if err := ix.writeChunks(ctx, "item", row.ID, row.ID, ChunkText(text)); err != nil {
			return indexed, err
		}
		indexed++
	}
	return indexed, nil
}

// chunkExtractedAttachments indexes attachments whose external extraction
// reported done.
func (ix *Indexer) chunkExtractedAttachments(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	type pending struct {
		ID       string `db:"id"`
		ItemID   string `db:"item_id"`
		Filename string `db:"filename"`
	}
	var rows []pending
	err := ix.db.SelectContext(ctx, &rows, `
		SELECT id, item_id, COALESCE(filename, '') AS filename
		FROM attachments
		WHERE extract_status = 'done'
		  AND id NOT IN (SELECT DISTINCT source_id FROM chunks WHERE source_type = 'attachment')
		LIMIT ?
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unindexed attachments: %w", err)
	}

	indexed := 0
	for _, row := range rows {
		// Extracted text is stored alongside the attachment by the external
		// extraction collaborator; the filename is always indexable.
		if err := ix.writeChunks(ctx, "attachment", row.ID, row.ItemID, ChunkText(row.Filename)); err != nil {
			return indexed, err
		}
		indexed++
	}
	return indexed, nil
}

// IndexAttachmentText chunks extracted attachment text supplied by the
// extraction collaborator.
func (ix *Indexer) IndexAttachmentText(ctx context.Context, attachmentID string, text string) error {
	var itemID string
	if err := ix.db.GetContext(ctx, &itemID, `SELECT item_id FROM attachments WHERE id = ?`, attachmentID); err != nil {
		return fmt.Errorf("failed to resolve attachment %s: %w", attachmentID, err)
	}
	return ix.writeChunks(ctx, "attachment", attachmentID, itemID, ChunkText(text))
}

func (ix *Indexer) writeChunks(ctx context.Context, sourceType, sourceID, itemID string, chunks []string) error {
	tx, err := ix.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin chunk tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chunks WHERE source_type = ? AND source_id = ?
	`, sourceType, sourceID); err != nil {
		return fmt.Errorf("failed to clear chunks for %s/%s: %w", sourceType, sourceID, err)
	}
	now := time.Now().Unix()
	for i, content := range chunks {
		if len(content) < minChunkLength && len(chunks) > 1 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, source_type, source_id, item_id, chunk_index, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, uuid.New().String(), sourceType, sourceID, itemID, i, content, now); err != nil {
			return fmt.Errorf("failed to insert chunk %d for %s/%s: %w", i, sourceType, sourceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks for %s/%s: %w", sourceType, sourceID, err)
	}
	return nil
}

// embedPendingChunks fills vectors for chunks that lack them.
func (ix *Indexer) embedPendingChunks(ctx context.Context, limit int) (int, error) {
	if ix.embedder == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 100
	}
	type pending struct {
		ID      string `db:"id"`
		Content string `db:"content"`
	}
	var rows []pending
	err := ix.db.SelectContext(ctx, &rows, `
		SELECT c.id, c.content FROM chunks c
		LEFT JOIN embeddings e ON e.chunk_id = c.id
		WHERE e.chunk_id IS NULL
		LIMIT ?
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unembedded chunks: %w", err)
	}

	embedded := 0
	for _, row := range rows {
		vector, err := ix.embedder.Embed(row.Content, ix.model)
		if err != nil {
			// Embedding failures are retried next pass.
			log.Printf("index: embed chunk %s: %v", row.ID, err)
			continue
		}
		if len(vector) == 0 {
			continue
		}
		if _, err := ix.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO embeddings (chunk_id, model, dimension, vector)
			VALUES (?, ?, ?, ?)
		`, row.ID, ix.model, len(vector), float64SliceToBlob(vector)); err != nil {
			return embedded, fmt.Errorf("failed to store embedding for chunk %s: %w", row.ID, err)
		}
		embedded++
	}
	return embedded, nil
}
