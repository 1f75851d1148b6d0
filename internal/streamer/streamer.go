// Package streamer validates, orders, and persists incoming metric samples,
// and routes the stored rows to the scoring engine according to the metric's
// lifecycle state.
//
// The transport is at-least-once: samples may be redelivered after partial
// success and may arrive out of order. Scrubbing recovers from both locally —
// rejected samples are logged and dropped, never propagated as errors.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/nagare/internal/engine"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/storage"
	"github.com/ashita-ai/nagare/internal/telemetry"
)

const (
	// DefaultChunkSize bounds how many input rows go to the engine in one
	// submit call.
	DefaultChunkSize = 200

	// DefaultCacheGCInterval is how long the last-stored-timestamp cache
	// lives before being dropped wholesale.
	DefaultCacheGCInterval = 7 * 24 * time.Hour
)

// Repository is the subset of the storage layer the streamer needs.
type Repository interface {
	GetMetric(ctx context.Context, id uuid.UUID) (model.Metric, error)
	AddMetricData(ctx context.Context, metricID uuid.UUID, samples []model.Sample) ([]model.MetricData, error)
	GetLastSampleTimestamp(ctx context.Context, metricID uuid.UUID) (time.Time, error)
}

// Activator triggers the PendingData → Active model-activation path.
// Satisfied by *metrics.Adapter.
type Activator interface {
	ActivateModel(ctx context.Context, metric model.Metric) (bool, error)
}

// Streamer is the sample scrubbing-and-routing pipeline for one process.
type Streamer struct {
	repo      Repository
	activator Activator
	gateway   engine.Gateway
	cache     *TimestampCache
	logger    *slog.Logger
	chunkSize int
	threshold int64
	rejected  metric.Int64Counter
}

// New creates a Streamer. chunkSize <= 0 uses DefaultChunkSize; threshold
// <= 0 uses the lifecycle package's model-creation record threshold.
func New(repo Repository, activator Activator, gateway engine.Gateway, logger *slog.Logger, chunkSize int, threshold int64) *Streamer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	s := &Streamer{
		repo:      repo,
		activator: activator,
		gateway:   gateway,
		cache:     NewTimestampCache(DefaultCacheGCInterval),
		logger:    logger,
		chunkSize: chunkSize,
		threshold: threshold,
	}
	s.registerMetrics()
	return s
}

func (s *Streamer) registerMetrics() {
	meter := telemetry.Meter("nagare/streamer")

	s.rejected, _ = meter.Int64Counter("nagare.streamer.rejected_samples",
		metric.WithDescription("Total samples dropped by the scrubber as out-of-order or duplicate"),
	)

	_, _ = meter.Int64ObservableGauge("nagare.streamer.cursor_cache_size",
		metric.WithDescription("Number of metrics with a cached scrub cursor"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.cache.Len()))
			return nil
		}),
	)
}

// Cache exposes the timestamp cache for tests.
func (s *Streamer) Cache() *TimestampCache { return s.cache }

// ScrubSamples drops samples whose timestamp is not strictly later than the
// previously accepted timestamp for the metric. This covers both
// out-of-order delivery and redelivery of already-stored samples. The
// scrub cursor persists across batches via the timestamp cache, seeded from
// the repository on a miss.
//
// Rejections never abort the batch: surviving samples still proceed, which
// is required because a guaranteed-delivery transport may redeliver a batch
// after partial success.
func (s *Streamer) ScrubSamples(ctx context.Context, samples []model.Sample, metric model.Metric) ([]model.Sample, error) {
	prev, ok := s.cache.Get(metric.ID)
	if !ok && metric.LastRowID > 0 {
		ts, err := s.repo.GetLastSampleTimestamp(ctx, metric.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("streamer: seed scrub cursor: %w", err)
		}
		if err == nil {
			prev = ts
			s.cache.Set(metric.ID, ts)
		}
	}

	accepted := samples[:0:0]
	var rejected int
	var rejFirst, rejLast time.Time
	for _, sample := range samples {
		if !prev.IsZero() && !sample.Timestamp.After(prev) {
			if rejected == 0 {
				rejFirst = sample.Timestamp
			}
			rejLast = sample.Timestamp
			rejected++
			continue
		}
		prev = sample.Timestamp
		accepted = append(accepted, sample)
	}

	if rejected > 0 {
		s.rejected.Add(ctx, int64(rejected))
		s.logger.Warn("streamer: rejected out-of-order or duplicate samples",
			"metric_id", metric.ID,
			"rejected", rejected,
			"first_rejected_ts", rejFirst,
			"last_rejected_ts", rejLast,
			"cursor", prev,
		)
	}
	return accepted, nil
}

// StoreSamples persists scrubbed samples, advances the timestamp cache, and
// returns one input row per stored sample, ordered by assigned rowid.
// Empty input is a warning, not an error.
func (s *Streamer) StoreSamples(ctx context.Context, samples []model.Sample, metricID uuid.UUID) ([]model.InputRow, error) {
	if len(samples) == 0 {
		s.logger.Warn("streamer: store called with no samples", "metric_id", metricID)
		return nil, nil
	}

	stored, err := s.repo.AddMetricData(ctx, metricID, samples)
	if err != nil {
		return nil, fmt.Errorf("streamer: store samples: %w", err)
	}
	s.cache.Set(metricID, stored[len(stored)-1].Timestamp)

	rows := make([]model.InputRow, len(stored))
	for i, d := range stored {
		rows[i] = model.InputRow{RowID: d.RowID, Timestamp: d.Timestamp, Value: d.Value}
	}
	return rows, nil
}

// StreamMetricData is the routing state machine: re-read status, scrub,
// store, then route by lifecycle state.
//
//   - Unmonitored: samples are stored for audit but never forwarded.
//   - PendingData: once the last stored rowid crosses the bootstrap
//     threshold, attempt model activation; activation errors are logged and
//     retried on a subsequent batch, never propagated.
//   - Active (or PendingData whose activation attempt just succeeded):
//     forward the stored rows to the engine in chunks.
//
// A metric in any other state aborts without storing.
func (s *Streamer) StreamMetricData(ctx context.Context, samples []model.Sample, metricID uuid.UUID) error {
	metric, err := s.repo.GetMetric(ctx, metricID)
	if err != nil {
		return fmt.Errorf("streamer: read metric: %w", err)
	}
	if !metric.Status.Streamable() {
		s.logger.Error("streamer: metric not streamable, dropping batch",
			"metric_id", metricID, "status", metric.Status.Code.String())
		return nil
	}

	scrubbed, err := s.ScrubSamples(ctx, samples, metric)
	if err != nil {
		return err
	}
	if len(scrubbed) == 0 {
		return nil
	}

	rows, err := s.StoreSamples(ctx, scrubbed, metricID)
	if err != nil {
		return err
	}

	switch metric.Status.Code {
	case model.StatusUnmonitored, model.StatusCreatePending:
		return nil

	case model.StatusPendingData:
		lastRowID := rows[len(rows)-1].RowID
		if lastRowID <= s.threshold {
			return nil
		}
		started, err := s.activator.ActivateModel(ctx, metric)
		if err != nil {
			// Retried on the next batch; a retry storm on one bad batch
			// helps nobody.
			s.logger.Warn("streamer: model activation failed, will retry on next batch",
				"metric_id", metricID, "error", err)
			return nil
		}
		if !started {
			return nil
		}
		return s.forwardRows(ctx, metricID, rows)

	case model.StatusActive:
		return s.forwardRows(ctx, metricID, rows)
	}
	return nil
}

// forwardRows submits stored rows to the engine in chunks of at most
// chunkSize rows each.
func (s *Streamer) forwardRows(ctx context.Context, metricID uuid.UUID, rows []model.InputRow) error {
	for start := 0; start < len(rows); start += s.chunkSize {
		end := min(start+s.chunkSize, len(rows))
		batchID, err := s.gateway.SubmitRequests(ctx, metricID, rows[start:end])
		if err != nil {
			return fmt.Errorf("streamer: submit rows [%d,%d): %w",
				rows[start].RowID, rows[end-1].RowID+1, err)
		}
		s.logger.Debug("streamer: submitted rows",
			"metric_id", metricID,
			"batch_id", batchID,
			"from_rowid", rows[start].RowID,
			"to_rowid", rows[end-1].RowID,
		)
	}
	return nil
}
