// Package engine defines the scoring-engine gateway: the opaque interface
// that materializes per-metric models, accepts batches of input rows, and
// later yields batches of inference results. The engine's internal algorithm
// is out of scope; this package only speaks its wire contract.
package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
)

// ResultBatch is one metric's worth of inference results as delivered by the
// engine. Delivery is at-least-once: the same batch may arrive more than
// once, and consumers must be idempotent on rowid.
type ResultBatch struct {
	ModelID uuid.UUID               `json:"model_id"`
	BatchID uuid.UUID               `json:"batch_id"`
	Results []model.InferenceResult `json:"results"`
}

// Gateway is the scoring-engine contract consumed by the streamer (submit
// side) and the anomaly service (results side).
//
// SubmitRequests is fire-and-forget from the ingress path's perspective:
// it returns a batch id immediately and results arrive later through
// ConsumeResults on a separate consumption path.
type Gateway interface {
	// CreateModel materializes a model instance for the metric.
	CreateModel(ctx context.Context, modelID uuid.UUID, params model.SwarmParams) error

	// DeleteModel tears down the model instance. Deleting a model the
	// engine does not know about is not an error.
	DeleteModel(ctx context.Context, modelID uuid.UUID) error

	// SubmitRequests sends input rows for scoring and returns a batch id.
	SubmitRequests(ctx context.Context, modelID uuid.UUID, rows []model.InputRow) (uuid.UUID, error)

	// ConsumeResults blocks until at least one result batch is available or
	// ctx is done. It may return multiple batches at once.
	ConsumeResults(ctx context.Context) ([]ResultBatch, error)
}
