package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// KnowledgeChunk is one embedded section of a building code, scoped to an
// organization.
type KnowledgeChunk struct {
	ID        uuid.UUID        `json:"id"`
	OrgID     uuid.UUID        `json:"organization_id"`
	Source    string           `json:"source"`
	Section   string           `json:"section"`
	Content   string           `json:"content"`
	Embedding *pgvector.Vector `json:"-"`
	CreatedAt time.Time        `json:"created_at"`
}

// KnowledgeMatch is one similarity hit from the knowledge store.
type KnowledgeMatch struct {
	ChunkID uuid.UUID `json:"chunk_id"`
	Source  string    `json:"source"`
	Section string    `json:"section"`
	Score   float64   `json:"score"`
}

// Limits on a knowledge load request.
const (
	MaxKnowledgeChunks  = 256
	MaxChunkContentLen  = 8000
	maxChunkLabelLength = 200
)

// Validate checks every chunk and reports all violations.
func (r LoadKnowledgeRequest) Validate() error {
	verr := &ValidationError{}
	switch {
	case len(r.Chunks) == 0:
		verr.add("chunks", "must contain at least one chunk")
	case len(r.Chunks) > MaxKnowledgeChunks:
		verr.add("chunks", "must contain at most %d chunks", MaxKnowledgeChunks)
	}
	for i, c := range r.Chunks {
		prefix := fmt.Sprintf("chunks[%d]", i)
		if strings.TrimSpace(c.Source) == "" {
			verr.add(prefix+".source", "is required")
		} else {
			verr.checkText(prefix+".source", c.Source, maxChunkLabelLength)
		}
		if strings.TrimSpace(c.Section) == "" {
			verr.add(prefix+".section", "is required")
		} else {
			verr.checkText(prefix+".section", c.Section, maxChunkLabelLength)
		}
		if strings.TrimSpace(c.Content) == "" {
			verr.add(prefix+".content", "is required")
		} else {
			verr.checkText(prefix+".content", c.Content, MaxChunkContentLen)
		}
	}
	return verr.orNil()
}
