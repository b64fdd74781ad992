// Package keystone is the public API for embedding the Keystone structural
// audit server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := keystone.New(
//	    keystone.WithVersion(version),
//	    keystone.WithLogger(logger),
//	    keystone.WithAlertHandler(myPager{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: keystone (root) imports
// internal/*, but internal/* never imports keystone (root). Public types are
// standalone structs with no internal imports; adapters live here because
// this is the only file that sees both sides of the boundary.
package keystone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/keystone/internal/alert"
	"github.com/ashita-ai/keystone/internal/auth"
	"github.com/ashita-ai/keystone/internal/config"
	"github.com/ashita-ai/keystone/internal/ratelimit"
	"github.com/ashita-ai/keystone/internal/search"
	"github.com/ashita-ai/keystone/internal/server"
	"github.com/ashita-ai/keystone/internal/service/citation"
	"github.com/ashita-ai/keystone/internal/service/embedding"
	"github.com/ashita-ai/keystone/internal/service/health"
	"github.com/ashita-ai/keystone/internal/service/ingest"
	"github.com/ashita-ai/keystone/internal/service/knowledge"
	"github.com/ashita-ai/keystone/internal/storage"
	"github.com/ashita-ai/keystone/internal/telemetry"
	"github.com/ashita-ai/keystone/migrations"
)

// shutdownPhaseTimeout bounds each shutdown phase when the caller's context
// has no deadline of its own.
const shutdownPhaseTimeout = 10 * time.Second

// App is the Keystone server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	broker       *server.Broker
	alerts       *alert.Async
	natsConn     *nats.Conn          // nil when NATS is not configured
	qdrantIndex  *search.QdrantIndex // nil unless the qdrant backend is selected
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It connects to the database, runs migrations,
// wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("keystone starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}

	a.otelShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a.db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		a.release()
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.db.RegisterMetrics()

	if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
		a.release()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		a.release()
		return nil, fmt.Errorf("auth: %w", err)
	}

	// External override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &embeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Knowledge index. Postgres is always the system of record for chunks;
	// with the qdrant backend, matching runs against the Qdrant mirror.
	var index search.KnowledgeIndex = search.NewPostgresIndex(a.db)
	var mirror search.KnowledgeIndex
	if cfg.KnowledgeBackend == "qdrant" {
		a.qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			a.release()
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := a.qdrantIndex.EnsureCollection(ctx); err != nil {
			a.release()
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = a.qdrantIndex
		mirror = a.qdrantIndex
		logger.Info("knowledge store: qdrant", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("knowledge store: pgvector")
	}

	resolver := citation.New(embedder, index, citation.Config{
		Threshold: cfg.CitationThreshold,
		Timeout:   cfg.CitationTimeout,
		Fallback:  cfg.FallbackCitation,
	}, logger)

	dispatcher, err := a.newAlertDispatcher(o.alertHandlers)
	if err != nil {
		a.release()
		return nil, err
	}
	a.alerts = alert.NewAsync(dispatcher, cfg.AlertTimeout, logger)

	a.broker = server.NewBroker(a.db, cfg.SubscriberBuffer, logger)

	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	gateway := ingest.New(health.NewAccumulator(a.db), resolver, a.broker, a.alerts, logger)
	loader := knowledge.NewLoader(embedder, a.db, mirror, logger)

	a.srv = server.New(server.ServerConfig{
		DB:                  a.db,
		JWTMgr:              jwtMgr,
		Gateway:             gateway,
		Logger:              logger,
		Limiter:             a.limiter,
		Broker:              a.broker,
		Loader:              loader,
		KnowledgeIndex:      index,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AdminOrgID:          cfg.AdminOrgID,
		RecentFindings:      cfg.RecentFindings,
		SSEKeepalive:        cfg.SSEKeepalive,
	})

	if err := a.srv.Handlers().SeedAdmin(ctx, cfg.AdminOrgID, cfg.AdminAPIKey); err != nil {
		a.release()
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return a, nil
}

// newAlertDispatcher combines every configured alert transport. With none,
// alerts are dropped after being logged by the ingestion gateway.
func (a *App) newAlertDispatcher(handlers []AlertHandler) (alert.Dispatcher, error) {
	var multi alert.Multi
	if a.cfg.AlertWebhookURL != "" {
		multi = append(multi, alert.NewWebhookDispatcher(a.cfg.AlertWebhookURL, nil))
		a.logger.Info("alerts: webhook enabled")
	}
	if a.cfg.NATSURL != "" {
		conn, err := nats.Connect(a.cfg.NATSURL,
			nats.Name("keystone"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					a.logger.Warn("alerts: nats disconnected", "error", err)
				}
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.natsConn = conn
		multi = append(multi, alert.NewNATSDispatcher(conn, a.cfg.AlertSubject))
		a.logger.Info("alerts: nats enabled", "subject", a.cfg.AlertSubject)
	}
	for _, h := range handlers {
		multi = append(multi, &alertHandlerAdapter{h: h})
	}
	if len(multi) == 0 {
		a.logger.Info("alerts: no transport configured")
		return alert.Noop{}, nil
	}
	return multi, nil
}

// Run starts the realtime broker and the HTTP server, then blocks until ctx
// is cancelled or a fatal server error occurs. On return, Shutdown has been
// called; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.broker.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests and drains in-flight ones, then
// waits for pending alerts before closing the transports, the database pool
// and the OTEL provider. Findings are committed before a request returns, so
// nothing else needs draining.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("keystone shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, shutdownPhaseTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	alertCtx, alertCancel := contextWithOptionalTimeout(ctx, shutdownPhaseTimeout)
	if err := a.alerts.Close(alertCtx); err != nil {
		a.logger.Warn("pending alerts abandoned", "error", err)
	}
	alertCancel()

	a.release()
	a.logger.Info("keystone stopped")
	return nil
}

// release closes every resource New acquired. Fields not yet set are skipped.
func (a *App) release() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// contextWithOptionalTimeout applies d unless ctx already carries a deadline.
func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if a key is present, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KEYSTONE_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, "", dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (citations use the fallback reference)")
		return embedding.NewNoopProvider(dims)

	default:
		if ollamaReachable(cfg.OllamaURL) {
			if ollamaFits(cfg.OllamaModel, dims) {
				logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
				return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
			}
			logger.Warn("ollama reachable but skipped: model output size differs from KEYSTONE_EMBEDDING_DIMENSIONS",
				"model", cfg.OllamaModel, "dimensions", dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, "", dims)
		}
		logger.Warn("no embedding provider available, using noop (citations use the fallback reference)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaFits reports whether model can produce dims-wide vectors. Unknown
// models are given the benefit of the doubt; the provider checks every
// response anyway.
func ollamaFits(model string, dims int) bool {
	d, ok := config.OllamaModelDimensions(model)
	return !ok || d == dims
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// embeddingAdapter exposes a public EmbeddingProvider as an internal one.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (e *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := e.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (e *embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := e.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (e *embeddingAdapter) Dimensions() int { return e.p.Dimensions() }

// alertHandlerAdapter exposes a public AlertHandler as an alert.Dispatcher.
type alertHandlerAdapter struct {
	h AlertHandler
}

func (d *alertHandlerAdapter) Dispatch(ctx context.Context, a alert.Alert) error {
	return d.h.HandleAlert(ctx, toPublicAlert(a))
}

func toPublicAlert(a alert.Alert) Alert {
	out := Alert{
		InspectionID: a.InspectionID,
		OrgID:        a.OrgID,
		HealthScore:  a.HealthScore,
		RaisedAt:     a.RaisedAt,
		Findings:     make([]AlertFinding, len(a.Findings)),
	}
	for i, f := range a.Findings {
		var ref string
		if f.NormativeReference != nil {
			ref = *f.NormativeReference
		}
		out.Findings[i] = AlertFinding{
			ID:                 f.ID,
			PathologyType:      string(f.PathologyType),
			ElementType:        string(f.ElementType),
			MetricDeviation:    f.MetricDeviation,
			Severity:           string(f.Severity),
			NormativeReference: ref,
			Remediation:        f.Remediation,
		}
	}
	return out
}
