package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/keystone/internal/model"
)

// InsertKnowledgeChunks stores embedded building-code sections via COPY.
// Chunks without an ID or timestamp get one assigned in place.
func (db *DB) InsertKnowledgeChunks(ctx context.Context, chunks []model.KnowledgeChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		if c.Embedding == nil {
			return fmt.Errorf("storage: knowledge chunk %d has no embedding", i)
		}
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		rows[i] = []any{c.ID, c.OrgID, c.Source, c.Section, c.Content, *c.Embedding, c.CreatedAt}
	}

	_, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"normative_chunks"},
		[]string{"id", "org_id", "source", "section", "content", "embedding", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("storage: copy knowledge chunks: %w", err)
	}
	return nil
}

// MatchKnowledge returns up to topK chunks of orgID whose cosine similarity
// to embedding is at least threshold, best first.
func (db *DB) MatchKnowledge(ctx context.Context, orgID uuid.UUID, embedding pgvector.Vector, threshold float64, topK int) ([]model.KnowledgeMatch, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, source, section, 1 - (embedding <=> $2) AS score
		 FROM normative_chunks
		 WHERE org_id = $1 AND 1 - (embedding <=> $2) >= $3
		 ORDER BY embedding <=> $2
		 LIMIT $4`,
		orgID, embedding, threshold, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: match knowledge: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.KnowledgeMatch, error) {
		var m model.KnowledgeMatch
		err := row.Scan(&m.ChunkID, &m.Source, &m.Section, &m.Score)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan knowledge match: %w", err)
	}
	return matches, nil
}
