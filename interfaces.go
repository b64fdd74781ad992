package keystone

import (
	"context"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces auto-detected Ollama/OpenAI/noop.
// Uses []float32 (not pgvector.Vector) to avoid forcing the pgvector dependency on
// external consumers. New() wraps it in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// AlertHandler receives critical alerts in addition to the configured
// webhook and NATS transports. Multiple handlers may be registered via
// multiple WithAlertHandler calls.
// Handlers run on a detached goroutine with the alert timeout; they must not
// block indefinitely. Failures are logged and never affect ingestion.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
}
