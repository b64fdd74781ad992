package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/keystone/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements KnowledgeIndex backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// The REST port 6333 is mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex creates a new QdrantIndex and connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures the org_id payload index is present. CreateFieldIndex is idempotent.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"org_id", "source"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// orgFilter restricts a query to one tenant's points.
func orgFilter(orgID uuid.UUID) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("org_id", orgID.String())},
	}
}

// Match queries Qdrant for the chunks of orgID closest to embedding. Qdrant
// cosine scores are similarities, so threshold applies directly.
func (q *QdrantIndex) Match(ctx context.Context, orgID uuid.UUID, embedding pgvector.Vector, threshold float64, topK int) ([]model.KnowledgeMatch, error) {
	if topK <= 0 {
		topK = 1
	}
	limit := uint64(topK) //nolint:gosec // topK is positive
	scoreThreshold := float32(threshold)

	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding.Slice()),
		Filter:         orgFilter(orgID),
		Limit:          &limit,
		ScoreThreshold: &scoreThreshold,
		WithPayload:    qdrant.NewWithPayloadInclude("source", "section"),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}
	return q.toMatches(scored), nil
}

func (q *QdrantIndex) toMatches(scored []*qdrant.ScoredPoint) []model.KnowledgeMatch {
	matches := make([]model.KnowledgeMatch, 0, len(scored))
	for _, sp := range scored {
		chunkID, err := uuid.Parse(sp.GetId().GetUuid())
		if err != nil {
			q.logger.Warn("qdrant: invalid UUID in point ID", "id", sp.GetId().String())
			continue
		}
		payload := sp.GetPayload()
		matches = append(matches, model.KnowledgeMatch{
			ChunkID: chunkID,
			Source:  payload["source"].GetStringValue(),
			Section: payload["section"].GetStringValue(),
			Score:   float64(sp.GetScore()),
		})
	}
	return matches
}

// chunkPoint converts an embedded chunk into a Qdrant point.
func chunkPoint(c model.KnowledgeChunk) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      qdrant.NewID(c.ID.String()),
		Vectors: qdrant.NewVectorsDense(c.Embedding.Slice()),
		Payload: qdrant.NewValueMap(map[string]any{
			"org_id":  c.OrgID.String(),
			"source":  c.Source,
			"section": c.Section,
		}),
	}
}

// Index upserts chunks as points. Chunks must already carry IDs and embeddings.
func (q *QdrantIndex) Index(ctx context.Context, chunks []model.KnowledgeChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		if c.Embedding == nil || c.ID == uuid.Nil {
			return fmt.Errorf("search: chunk %d missing id or embedding", i)
		}
		points[i] = chunkPoint(c)
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(chunks), err)
	}
	return nil
}

// DeleteByOrg removes every chunk of an organization.
func (q *QdrantIndex) DeleteByOrg(ctx context.Context, orgID uuid.UUID) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: orgFilter(orgID)},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete by org %s: %w", orgID, err)
	}
	return nil
}

// healthCacheTTL bounds how often Healthy hits the server.
const healthCacheTTL = 5 * time.Second

// Healthy returns nil if Qdrant is reachable. Results are cached for
// healthCacheTTL and concurrent checks after expiry share one gRPC call.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < healthCacheTTL {
		return q.loadHealthErr()
	}

	// singleflight hands the first caller's work to all waiters, so the check
	// runs on a context detached from any single caller's cancellation.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()

		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// atomic.Value cannot store nil directly, so the error is wrapped in a pointer.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
