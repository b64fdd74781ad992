// Package citation attaches a building-code reference to critical findings.
//
// A finding description is embedded and matched against the organization's
// knowledge store. Any failure, timeout or low-confidence result falls back to
// a generic citation: a missing reference degrades the finding, it never
// fails ingestion.
package citation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/internal/search"
	"github.com/ashita-ai/keystone/internal/service/embedding"
	"github.com/ashita-ai/keystone/internal/telemetry"
)

// DefaultFallback is the generic applicable-code article used when no
// specific section can be resolved.
const DefaultFallback = "Applicable building code, general structural safety provisions"

// Defaults for Config zero values.
const (
	DefaultThreshold = 0.78
	DefaultTimeout   = 3 * time.Second
)

// Reasons a citation was degraded to the fallback.
const (
	ReasonEmbedding = "embedding_failed"
	ReasonLookup    = "lookup_failed"
	ReasonNoMatch   = "no_match"
	ReasonTimeout   = "timeout"
	ReasonCanceled  = "canceled"
)

// Citation is the outcome of a resolution. Reference is never empty.
type Citation struct {
	Reference string
	Score     float64
	Degraded  bool
	Reason    string
}

// Config tunes the resolver.
type Config struct {
	Threshold float64
	Timeout   time.Duration
	Fallback  string
}

// Resolver resolves normative citations. Safe for concurrent use; identical
// in-flight lookups for the same organization share one embedding call.
type Resolver struct {
	embedder embedding.Provider
	index    search.KnowledgeIndex
	cfg      Config
	logger   *slog.Logger

	group    singleflight.Group
	degraded metric.Int64Counter
}

// New creates a resolver. Zero Config fields take the package defaults.
func New(embedder embedding.Provider, index search.KnowledgeIndex, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Fallback == "" {
		cfg.Fallback = DefaultFallback
	}
	degraded, _ := telemetry.Meter("keystone/citation").Int64Counter("keystone.citation.degraded",
		metric.WithDescription("Citations that fell back to the generic reference"))
	return &Resolver{
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		logger:   logger,
		degraded: degraded,
	}
}

// Describe synthesizes the text embedded for a finding.
func Describe(p model.PathologyType, deviation float64, e model.ElementType) string {
	return fmt.Sprintf("%s with %.1f mm deviation on %s", p, deviation, e)
}

type outcome struct {
	match  model.KnowledgeMatch
	found  bool
	reason string
	err    error
}

// Resolve returns the best-matching code section for description within
// orgID. It never returns an error: on any failure the fallback citation is
// returned with Degraded set.
func (r *Resolver) Resolve(ctx context.Context, description string, orgID uuid.UUID) Citation {
	key := orgID.String() + "|" + description
	ch := r.group.DoChan(key, func() (any, error) {
		// Shared by every waiter, so it must not die with the first caller.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
		defer cancel()
		return r.lookup(lookupCtx, description, orgID), nil
	})

	select {
	case res := <-ch:
		out := res.Val.(outcome)
		if out.found {
			return Citation{
				Reference: out.match.Source + " Section " + out.match.Section,
				Score:     out.match.Score,
			}
		}
		return r.fallback(ctx, orgID, out.reason, out.err)
	case <-ctx.Done():
		return r.fallback(ctx, orgID, ReasonCanceled, ctx.Err())
	}
}

func (r *Resolver) lookup(ctx context.Context, description string, orgID uuid.UUID) outcome {
	vec, err := r.embedder.Embed(ctx, description)
	if err != nil {
		return outcome{reason: reasonFor(ctx, ReasonEmbedding), err: err}
	}

	matches, err := r.index.Match(ctx, orgID, vec, r.cfg.Threshold, 1)
	if err != nil {
		return outcome{reason: reasonFor(ctx, ReasonLookup), err: err}
	}

	best := search.Best(matches, r.cfg.Threshold, 1)
	if len(best) == 0 {
		return outcome{reason: ReasonNoMatch}
	}
	return outcome{match: best[0], found: true}
}

// reasonFor reports a timeout instead of the step that happened to observe it.
func reasonFor(ctx context.Context, reason string) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return reason
}

func (r *Resolver) fallback(ctx context.Context, orgID uuid.UUID, reason string, err error) Citation {
	r.logger.Warn("citation: resolution degraded, using fallback", "org_id", orgID, "reason", reason, "error", err)
	if r.degraded != nil {
		r.degraded.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	return Citation{Reference: r.cfg.Fallback, Degraded: true, Reason: reason}
}
