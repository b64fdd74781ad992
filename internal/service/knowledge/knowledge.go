// Package knowledge loads building-code sections into the knowledge store.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/internal/search"
	"github.com/ashita-ai/keystone/internal/service/embedding"
)

// ErrEmbeddingUnavailable means content could not be embedded, so nothing was
// stored.
var ErrEmbeddingUnavailable = errors.New("knowledge: embedding unavailable")

// ChunkWriter stores embedded chunks. storage.DB satisfies it.
type ChunkWriter interface {
	InsertKnowledgeChunks(ctx context.Context, chunks []model.KnowledgeChunk) error
}

// Loader embeds and stores chunks. Postgres is the store of record; when a
// mirror index is configured (Qdrant) the same chunks are upserted there.
type Loader struct {
	embedder embedding.Provider
	store    ChunkWriter
	mirror   search.KnowledgeIndex
	logger   *slog.Logger
}

// NewLoader creates a loader. mirror may be nil.
func NewLoader(embedder embedding.Provider, store ChunkWriter, mirror search.KnowledgeIndex, logger *slog.Logger) *Loader {
	return &Loader{embedder: embedder, store: store, mirror: mirror, logger: logger}
}

// Load validates, embeds and stores req's chunks for orgID and returns how
// many were stored.
func (l *Loader) Load(ctx context.Context, orgID uuid.UUID, req model.LoadKnowledgeRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	texts := make([]string, len(req.Chunks))
	for i, c := range req.Chunks {
		texts[i] = c.Source + " " + c.Section + ": " + c.Content
	}
	vecs, err := l.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	if len(vecs) != len(texts) {
		return 0, fmt.Errorf("%w: got %d embeddings for %d chunks", ErrEmbeddingUnavailable, len(vecs), len(texts))
	}

	chunks := make([]model.KnowledgeChunk, len(req.Chunks))
	for i, c := range req.Chunks {
		vec := pgvector.NewVector(vecs[i].Slice())
		chunks[i] = model.KnowledgeChunk{
			OrgID:     orgID,
			Source:    c.Source,
			Section:   c.Section,
			Content:   c.Content,
			Embedding: &vec,
		}
	}

	if err := l.store.InsertKnowledgeChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("knowledge: store chunks: %w", err)
	}
	if l.mirror != nil {
		if err := l.mirror.Index(ctx, chunks); err != nil {
			// Postgres already holds the chunks; the mirror can be rebuilt.
			l.logger.Error("knowledge: mirror index failed", "org_id", orgID, "chunks", len(chunks), "error", err)
			return 0, fmt.Errorf("knowledge: mirror index: %w", err)
		}
	}

	l.logger.Info("knowledge: chunks loaded", "org_id", orgID, "chunks", len(chunks))
	return len(chunks), nil
}
