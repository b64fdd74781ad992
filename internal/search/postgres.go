package search

import (
	"context"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/keystone/internal/model"
)

// ChunkStore is the subset of storage.DB the pgvector index needs.
type ChunkStore interface {
	MatchKnowledge(ctx context.Context, orgID uuid.UUID, embedding pgvector.Vector, threshold float64, topK int) ([]model.KnowledgeMatch, error)
	InsertKnowledgeChunks(ctx context.Context, chunks []model.KnowledgeChunk) error
	Ping(ctx context.Context) error
}

// PostgresIndex implements KnowledgeIndex with pgvector in the primary
// database. It is the default backend.
type PostgresIndex struct {
	store ChunkStore
}

// NewPostgresIndex wraps a chunk store.
func NewPostgresIndex(store ChunkStore) *PostgresIndex {
	return &PostgresIndex{store: store}
}

// Match runs a cosine-similarity query scoped to orgID.
func (p *PostgresIndex) Match(ctx context.Context, orgID uuid.UUID, embedding pgvector.Vector, threshold float64, topK int) ([]model.KnowledgeMatch, error) {
	return p.store.MatchKnowledge(ctx, orgID, embedding, threshold, topK)
}

// Index stores chunks in normative_chunks.
func (p *PostgresIndex) Index(ctx context.Context, chunks []model.KnowledgeChunk) error {
	return p.store.InsertKnowledgeChunks(ctx, chunks)
}

// Healthy pings the database.
func (p *PostgresIndex) Healthy(ctx context.Context) error {
	return p.store.Ping(ctx)
}
