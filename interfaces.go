package nagare

import (
	"context"

	"github.com/google/uuid"
)

// ScoringGateway is the scoring-engine contract. When provided via
// WithGateway, it replaces the built-in HTTP client — embedders use this to
// run an in-process engine or to bridge to a different transport.
//
// SubmitRequests is fire-and-forget: it returns a batch id immediately and
// results arrive later through ConsumeResults, which the anomaly service
// polls on its own consumption path. Delivery of results is at-least-once;
// the pipeline is idempotent on rowid, so redelivered batches are harmless.
type ScoringGateway interface {
	CreateModel(ctx context.Context, modelID uuid.UUID, cfg ScoringModelConfig) error
	DeleteModel(ctx context.Context, modelID uuid.UUID) error
	SubmitRequests(ctx context.Context, modelID uuid.UUID, rows []ScoringInputRow) (uuid.UUID, error)
	ConsumeResults(ctx context.Context) ([]ScoringResultBatch, error)
}

// ResultHook receives each anomaly envelope after it has been persisted and
// published. Hooks run on a dedicated subscriber goroutine — they must not
// block indefinitely. Failures are logged but never fail the pipeline.
type ResultHook interface {
	OnAnomalyBatch(ctx context.Context, env AnomalyEnvelope) error
}
