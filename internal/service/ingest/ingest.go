// Package ingest is the entrypoint for sensor and drone observation batches.
//
// A batch is authenticated, validated as a whole, classified, cited where
// critical, and persisted with its folded score delta in one transaction.
// Realtime publication and critical alerts happen only after commit and can
// never fail the batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/keystone/internal/alert"
	"github.com/ashita-ai/keystone/internal/auth"
	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/internal/service/citation"
	"github.com/ashita-ai/keystone/internal/service/health"
	"github.com/ashita-ai/keystone/internal/service/severity"
	"github.com/ashita-ai/keystone/internal/telemetry"
)

var (
	// ErrUnauthorized means the caller presented no valid credentials.
	ErrUnauthorized = errors.New("ingest: unauthorized")
	// ErrForbidden means the caller is authenticated but may not write to
	// the requested organization, or its role cannot ingest.
	ErrForbidden = errors.New("ingest: forbidden")
	// ErrPersistence wraps store failures. Nothing was committed.
	ErrPersistence = errors.New("ingest: persistence failure")
)

// citationConcurrency bounds parallel knowledge lookups within one batch.
const citationConcurrency = 4

// Publisher broadcasts committed findings to realtime subscribers.
type Publisher interface {
	PublishFindings(ctx context.Context, orgID, inspectionID uuid.UUID, findings []model.Finding)
}

// CitationResolver resolves a normative reference. It never fails.
type CitationResolver interface {
	Resolve(ctx context.Context, description string, orgID uuid.UUID) citation.Citation
}

// Alerter fires a best-effort critical alert without blocking.
type Alerter interface {
	Fire(ctx context.Context, a alert.Alert)
}

// Gateway runs the ingestion pipeline.
type Gateway struct {
	scores    *health.Accumulator
	resolver  CitationResolver
	publisher Publisher
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time

	persisted metric.Int64Counter
}

// New creates a Gateway that persists batches through scores. publisher and
// alerter may be nil.
func New(scores *health.Accumulator, resolver CitationResolver, publisher Publisher, alerter Alerter, logger *slog.Logger) *Gateway {
	persisted, _ := telemetry.Meter("keystone/ingest").Int64Counter("keystone.findings.persisted",
		metric.WithDescription("Findings committed by the ingestion gateway"))
	return &Gateway{
		scores:    scores,
		resolver:  resolver,
		publisher: publisher,
		alerter:   alerter,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		persisted: persisted,
	}
}

// Ingest processes one batch for the caller identified by claims.
//
// Errors: ErrUnauthorized, ErrForbidden, *model.ValidationError (every
// violation in the batch), storage.ErrNotFound or storage.ErrInspectionClosed
// (wrapped), or ErrPersistence.
func (g *Gateway) Ingest(ctx context.Context, claims *auth.Claims, req model.IngestRequest) (model.IngestResponse, error) {
	// 1. Authenticate and resolve the tenant. The body's organization must be
	//    the token's: a mismatch is refused outright.
	if claims == nil || claims.OrgID == uuid.Nil {
		return model.IngestResponse{}, ErrUnauthorized
	}
	if !model.RoleAtLeast(claims.Role, model.RoleSensor) {
		return model.IngestResponse{}, fmt.Errorf("%w: role %s cannot ingest", ErrForbidden, claims.Role)
	}
	if req.OrgID != uuid.Nil && req.OrgID != claims.OrgID {
		g.logger.Warn("ingest: cross-tenant write refused",
			"token_org_id", claims.OrgID, "body_org_id", req.OrgID, "key_id", claims.KeyID)
		return model.IngestResponse{}, fmt.Errorf("%w: organization mismatch", ErrForbidden)
	}

	// 2. Validate the whole batch before any work.
	if err := req.Validate(); err != nil {
		return model.IngestResponse{}, err
	}
	orgID := claims.OrgID

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("keystone.org_id", orgID.String()),
		attribute.String("keystone.inspection_id", req.InspectionID.String()),
		attribute.Int("keystone.batch_size", len(req.Findings)),
	)

	// 3. Classify, then cite critical findings in parallel.
	entries := g.classify(ctx, orgID, req)

	// 4. Persist findings and the folded delta together.
	score, err := g.scores.ApplyBatch(ctx, orgID, req.InspectionID, entries)
	if err != nil {
		return model.IngestResponse{}, classifyStoreError(err)
	}
	findings := health.Findings(entries)
	g.recordPersisted(ctx, findings)

	// 5. Publish only what was committed.
	if g.publisher != nil {
		g.publisher.PublishFindings(ctx, orgID, req.InspectionID, findings)
	}

	// 6. Alert out of band.
	if critical := criticalFindings(findings); len(critical) > 0 && g.alerter != nil {
		g.alerter.Fire(ctx, alert.Alert{
			InspectionID: req.InspectionID,
			OrgID:        orgID,
			HealthScore:  score,
			Findings:     critical,
			RaisedAt:     g.now(),
		})
	}

	g.logger.Info("ingest: batch persisted",
		"org_id", orgID,
		"inspection_id", req.InspectionID,
		"findings", len(findings),
		"health_score", score)

	return model.IngestResponse{
		InspectionID:      req.InspectionID,
		HealthScore:       score,
		FindingsProcessed: len(findings),
	}, nil
}

// classify builds one priced finding per observation. Citation never fails,
// so the group is used only for its concurrency limit.
func (g *Gateway) classify(ctx context.Context, orgID uuid.UUID, req model.IngestRequest) []health.Entry {
	now := g.now()
	entries := make([]health.Entry, len(req.Findings))

	var eg errgroup.Group
	eg.SetLimit(citationConcurrency)
	for i, o := range req.Findings {
		sev, weight := severity.Classify(o)
		entries[i].Weight = weight
		entries[i].Finding = model.Finding{
			ID:              uuid.New(),
			InspectionID:    req.InspectionID,
			OrgID:           orgID,
			PathologyType:   o.PathologyType,
			ElementType:     o.ElementType,
			MetricDeviation: o.MetricDeviation,
			Severity:        sev,
			Remediation:     severity.Remediation(o.PathologyType, sev),
			Description:     o.Description,
			CreatedAt:       now,
		}
		if sev != model.SeverityCritical || g.resolver == nil {
			continue
		}
		eg.Go(func() error {
			c := g.resolver.Resolve(ctx, citation.Describe(o.PathologyType, o.MetricDeviation, o.ElementType), orgID)
			ref := c.Reference
			entries[i].Finding.NormativeReference = &ref
			return nil
		})
	}
	_ = eg.Wait()
	return entries
}

func (g *Gateway) recordPersisted(ctx context.Context, findings []model.Finding) {
	if g.persisted == nil {
		return
	}
	counts := make(map[model.Severity]int64, 4)
	for _, f := range findings {
		counts[f.Severity]++
	}
	for sev, n := range counts {
		g.persisted.Add(ctx, n, metric.WithAttributes(attribute.String("severity", string(sev))))
	}
}

// criticalFindings returns the findings that warrant an out-of-band alert.
func criticalFindings(findings []model.Finding) []model.Finding {
	var out []model.Finding
	for _, f := range findings {
		if severity.IsCriticalDeviation(f.Severity, f.MetricDeviation) {
			out = append(out, f)
		}
	}
	return out
}
