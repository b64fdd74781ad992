// Package search provides similarity search over the building-code knowledge
// store, backed either by pgvector in Postgres or by an external Qdrant index.
package search

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/keystone/internal/model"
)

// KnowledgeIndex is the knowledge-store collaborator of the citation resolver.
// Implementations must be safe for concurrent use and must never return a
// chunk outside orgID.
type KnowledgeIndex interface {
	// Match returns up to topK chunks whose cosine similarity to embedding is
	// at least threshold, best first.
	Match(ctx context.Context, orgID uuid.UUID, embedding pgvector.Vector, threshold float64, topK int) ([]model.KnowledgeMatch, error)

	// Index makes embedded chunks searchable.
	Index(ctx context.Context, chunks []model.KnowledgeChunk) error

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Best sorts matches by descending score, drops those below threshold, and
// truncates to topK. Backends already filter; callers use this as a local
// guard so a misbehaving backend cannot lower the confidence bar.
func Best(matches []model.KnowledgeMatch, threshold float64, topK int) []model.KnowledgeMatch {
	kept := make([]model.KnowledgeMatch, 0, len(matches))
	for _, m := range matches {
		if m.Score >= threshold {
			kept = append(kept, m)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})
	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}
