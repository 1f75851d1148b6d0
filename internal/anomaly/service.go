// Package anomaly consumes inference-result batches from the scoring
// engine, converts raw scores to likelihoods, persists them, and republishes
// a results envelope to downstream subscribers.
//
// The engine delivers at-least-once; all writes here are keyed on rowid so
// re-consuming an already-processed batch leaves stored state unchanged.
package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/nagare/internal/engine"
	"github.com/ashita-ai/nagare/internal/likelihood"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/storage"
	"github.com/ashita-ai/nagare/internal/telemetry"
)

// Repository is the subset of the storage layer the anomaly service needs.
type Repository interface {
	GetMetric(ctx context.Context, id uuid.UUID) (model.Metric, error)
	GetMetricData(ctx context.Context, metricID uuid.UUID, fromRowID int64, limit int) ([]model.MetricData, error)
	UpdateAnomalyScores(ctx context.Context, metricID uuid.UUID, scored []model.MetricData) error
	UpdateMetricForStatus(ctx context.Context, id uuid.UUID, refStatus model.StatusCode, changes storage.MetricChanges) (bool, error)
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected model.StatusCode, next model.Status) (bool, error)
}

// Publisher fans results out to downstream subscribers.
// Satisfied by *storage.DB via LISTEN/NOTIFY.
type Publisher interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Envelope is the downstream results payload for one processed batch.
type Envelope struct {
	MetricID      uuid.UUID     `json:"metric_id"`
	FromTimestamp time.Time     `json:"from_timestamp"`
	ToTimestamp   time.Time     `json:"to_timestamp"`
	Rows          []EnvelopeRow `json:"rows"`
}

// EnvelopeRow is one scored sample in an Envelope.
type EnvelopeRow struct {
	RowID        int64     `json:"rowid"`
	Timestamp    time.Time `json:"timestamp"`
	Value        float64   `json:"value"`
	RawAnomaly   float64   `json:"raw_anomaly"`
	AnomalyScore float64   `json:"anomaly_score"`
}

// Service is the result-consumption worker: one poll loop per process.
type Service struct {
	repo       Repository
	gateway    engine.Gateway
	helper     *likelihood.Helper
	publisher  Publisher
	logger     *slog.Logger
	retryDelay time.Duration

	processed atomic.Int64

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewService creates an anomaly service. retryDelay <= 0 defaults to one second.
func NewService(repo Repository, gateway engine.Gateway, helper *likelihood.Helper, publisher Publisher, logger *slog.Logger, retryDelay time.Duration) *Service {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Service{
		repo:       repo,
		gateway:    gateway,
		helper:     helper,
		publisher:  publisher,
		logger:     logger,
		retryDelay: retryDelay,
		done:       make(chan struct{}),
	}
}

// Start begins the result-consumption loop. Safe to call only once.
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("anomaly: Start called more than once, ignoring")
		return
	}
	s.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.consumeLoop(loopCtx)
}

// Drain stops the loop and blocks until the in-flight batch finishes or ctx
// expires.
func (s *Service) Drain(ctx context.Context) {
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("anomaly: drain timed out")
	}
}

func (s *Service) consumeLoop(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })

	for {
		if ctx.Err() != nil {
			return
		}

		batches, err := s.gateway.ConsumeResults(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("anomaly: consume results", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}

		for _, batch := range batches {
			if err := s.ProcessBatch(ctx, batch); err != nil {
				// The engine redelivers; the rowid-keyed writes make the
				// replay harmless.
				s.logger.Error("anomaly: process batch",
					"metric_id", batch.ModelID, "batch_id", batch.BatchID, "error", err)
			}
		}
	}
}

// ProcessBatch applies one result batch: promote a just-created model to
// Active if needed, compute likelihoods, persist scored rows and refreshed
// params, and publish the envelope.
func (s *Service) ProcessBatch(ctx context.Context, batch engine.ResultBatch) error {
	if len(batch.Results) == 0 {
		return nil
	}

	metric, err := s.repo.GetMetric(ctx, batch.ModelID)
	if err != nil {
		return fmt.Errorf("anomaly: read metric: %w", err)
	}

	// First results for a freshly created model complete the
	// CreatePending → Active transition.
	if metric.Status.Code == model.StatusCreatePending {
		ok, err := s.repo.CompareAndSetStatus(ctx, metric.ID,
			model.StatusCreatePending, model.Status{Code: model.StatusActive})
		if err != nil {
			return err
		}
		if ok {
			s.logger.Info("anomaly: metric activated", "metric_id", metric.ID)
		}
		metric, err = s.repo.GetMetric(ctx, metric.ID)
		if err != nil {
			return fmt.Errorf("anomaly: re-read metric: %w", err)
		}
	}

	rows, err := s.hydrateRows(ctx, metric.ID, batch.Results)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		s.logger.Warn("anomaly: no stored rows match result batch",
			"metric_id", metric.ID, "batch_id", batch.BatchID)
		return nil
	}

	params, err := s.helper.UpdateModelAnomalyScores(ctx, metric, rows)
	if err != nil {
		if errors.Is(err, likelihood.ErrMetricNotActive) {
			s.logger.Warn("anomaly: dropping results for inactive metric",
				"metric_id", metric.ID, "status", metric.Status.Code.String())
			return nil
		}
		return err
	}

	if err := s.repo.UpdateAnomalyScores(ctx, metric.ID, rows); err != nil {
		return err
	}
	if err := s.persistParams(ctx, metric, params); err != nil {
		return err
	}

	s.processed.Add(int64(len(rows)))
	s.publish(ctx, metric.ID, rows)
	return nil
}

// hydrateRows joins results onto their stored samples, attaching raw scores.
// Results for rowids this pipeline never stored are dropped.
func (s *Service) hydrateRows(ctx context.Context, metricID uuid.UUID, results []model.InferenceResult) ([]model.MetricData, error) {
	minRowID, maxRowID := results[0].RowID, results[0].RowID
	raw := make(map[int64]float64, len(results))
	for _, r := range results {
		raw[r.RowID] = r.RawAnomaly
		if r.RowID < minRowID {
			minRowID = r.RowID
		}
		if r.RowID > maxRowID {
			maxRowID = r.RowID
		}
	}

	stored, err := s.repo.GetMetricData(ctx, metricID, minRowID, int(maxRowID-minRowID)+1)
	if err != nil {
		return nil, fmt.Errorf("anomaly: hydrate rows: %w", err)
	}

	var rows []model.MetricData
	for _, d := range stored {
		v, ok := raw[d.RowID]
		if !ok {
			continue
		}
		d.RawAnomaly = &v
		rows = append(rows, d)
	}
	return rows, nil
}

// persistParams writes the refreshed likelihood params into the metric's
// model config, conditional on the metric still being Active. Losing the
// race is benign: the params are recreated from the stored sample window on
// the next batch.
func (s *Service) persistParams(ctx context.Context, metric model.Metric, params model.AnomalyParams) error {
	cfg, err := model.ParseModelConfig(metric.ModelConfig)
	if err != nil {
		return err
	}
	cfg.Anomaly = &params
	encoded, err := cfg.Encode()
	if err != nil {
		return err
	}

	ok, err := s.repo.UpdateMetricForStatus(ctx, metric.ID, model.StatusActive,
		storage.MetricChanges{ModelConfig: encoded})
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("anomaly: metric left Active, likelihood params not persisted",
			"metric_id", metric.ID)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, metricID uuid.UUID, rows []model.MetricData) {
	if s.publisher == nil {
		return
	}

	env := Envelope{
		MetricID:      metricID,
		FromTimestamp: rows[0].Timestamp,
		ToTimestamp:   rows[len(rows)-1].Timestamp,
		Rows:          make([]EnvelopeRow, len(rows)),
	}
	for i, d := range rows {
		row := EnvelopeRow{RowID: d.RowID, Timestamp: d.Timestamp, Value: d.Value}
		if d.RawAnomaly != nil {
			row.RawAnomaly = *d.RawAnomaly
		}
		if d.AnomalyScore != nil {
			row.AnomalyScore = *d.AnomalyScore
		}
		env.Rows[i] = row
	}

	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("anomaly: marshal envelope", "metric_id", metricID, "error", err)
		return
	}
	if err := s.publisher.Notify(ctx, storage.ChannelAnomalies, string(payload)); err != nil {
		s.logger.Warn("anomaly: publish envelope", "metric_id", metricID, "error", err)
	}
}

// registerMetrics registers OTEL instruments for result throughput.
func (s *Service) registerMetrics() {
	meter := telemetry.Meter("nagare/anomaly")

	_, _ = meter.Int64ObservableCounter("nagare.anomaly.rows_processed",
		metric.WithDescription("Total inference-result rows converted to likelihoods"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.processed.Load())
			return nil
		}),
	)
}
