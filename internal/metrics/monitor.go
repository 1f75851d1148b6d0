package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/engine"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/storage"
)

// Repository is the subset of the storage layer the lifecycle adapter needs.
type Repository interface {
	GetMetric(ctx context.Context, id uuid.UUID) (model.Metric, error)
	GetMetricByName(ctx context.Context, datasource, name string) (model.Metric, error)
	CreateMetric(ctx context.Context, m model.Metric) error
	GetMetricDataCount(ctx context.Context, id uuid.UUID) (int64, error)
	GetMetricStats(ctx context.Context, id uuid.UUID) (model.MetricStats, error)
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected model.StatusCode, next model.Status) (bool, error)
	UpdateMetricForStatus(ctx context.Context, id uuid.UUID, refStatus model.StatusCode, changes storage.MetricChanges) (bool, error)
	SetMetricStatus(ctx context.Context, id uuid.UUID, next model.Status) error
}

// Adapter is the per-datasource policy for creating metrics and deciding
// when and how to start monitoring them.
type Adapter struct {
	repo    Repository
	gateway engine.Gateway
	logger  *slog.Logger
}

// NewAdapter creates a lifecycle adapter.
func NewAdapter(repo Repository, gateway engine.Gateway, logger *slog.Logger) *Adapter {
	return &Adapter{repo: repo, gateway: gateway, logger: logger}
}

// MonitorOutcome tags the result of a MonitorMetric call. AlreadyExists and
// AlreadyMonitored are expected outcomes on the happy path of idempotent
// retries, not failures — callers follow the embedded metric id.
type MonitorOutcome int

const (
	MonitorCreated MonitorOutcome = iota
	MonitorAlreadyExists
	MonitorAlreadyMonitored
)

// MonitorResult is the outcome of MonitorMetric: which case occurred, the
// resolved metric id, and whether a model was started immediately.
type MonitorResult struct {
	Outcome  MonitorOutcome
	MetricID uuid.UUID
	Started  bool
}

// MonitorMetric resolves or creates a metric from the spec and begins
// monitoring it. When explicit bounds are absent and the metric already has
// more than ModelCreationRecordThreshold stored samples, bounds are
// estimated from stored data; otherwise bootstrapping is deferred until
// enough samples arrive.
func (a *Adapter) MonitorMetric(ctx context.Context, spec model.ModelSpec) (MonitorResult, error) {
	if err := spec.Validate(); err != nil {
		return MonitorResult{}, err
	}

	metric, outcome, err := a.resolveMetric(ctx, spec)
	if err != nil {
		return MonitorResult{}, err
	}
	if metric.Status.Code != model.StatusUnmonitored {
		return MonitorResult{Outcome: MonitorAlreadyMonitored, MetricID: metric.ID}, nil
	}

	stats, err := a.resolveStats(ctx, spec, metric.ID)
	if err != nil {
		return MonitorResult{}, err
	}

	started, err := a.StartMonitoring(ctx, metric.ID, GenerateSwarmParams(stats))
	if err != nil {
		return MonitorResult{}, err
	}
	return MonitorResult{Outcome: outcome, MetricID: metric.ID, Started: started}, nil
}

// resolveMetric finds the metric by uid or name, creating it when absent.
func (a *Adapter) resolveMetric(ctx context.Context, spec model.ModelSpec) (model.Metric, MonitorOutcome, error) {
	if spec.MetricSpec.UID != "" {
		id, err := uuid.Parse(spec.MetricSpec.UID)
		if err != nil {
			return model.Metric{}, 0, fmt.Errorf("metrics: invalid metric uid %q: %w", spec.MetricSpec.UID, err)
		}
		m, err := a.repo.GetMetric(ctx, id)
		if err != nil {
			return model.Metric{}, 0, fmt.Errorf("metrics: resolve metric %s: %w", id, err)
		}
		return m, MonitorAlreadyExists, nil
	}

	m, err := a.repo.GetMetricByName(ctx, spec.Datasource, spec.MetricSpec.Metric)
	if err == nil {
		return m, MonitorAlreadyExists, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Metric{}, 0, fmt.Errorf("metrics: resolve metric %q: %w", spec.MetricSpec.Metric, err)
	}

	m = model.Metric{
		ID:           uuid.New(),
		Datasource:   spec.Datasource,
		Name:         spec.MetricSpec.Metric,
		Server:       spec.MetricSpec.Resource,
		Unit:         spec.MetricSpec.Unit,
		PollInterval: 300,
		Status:       model.Status{Code: model.StatusUnmonitored},
	}
	if err := a.repo.CreateMetric(ctx, m); err != nil {
		if errors.Is(err, storage.ErrMetricExists) {
			// Lost a creation race; resolve the winner.
			existing, gerr := a.repo.GetMetricByName(ctx, spec.Datasource, spec.MetricSpec.Metric)
			if gerr != nil {
				return model.Metric{}, 0, fmt.Errorf("metrics: resolve after collision: %w", gerr)
			}
			return existing, MonitorAlreadyExists, nil
		}
		return model.Metric{}, 0, err
	}
	a.logger.Info("metrics: created metric",
		"metric_id", m.ID, "datasource", m.Datasource, "name", m.Name)
	return m, MonitorCreated, nil
}

// resolveStats picks explicit bounds when supplied, estimates them from
// stored data once enough samples exist, and otherwise leaves them unknown.
func (a *Adapter) resolveStats(ctx context.Context, spec model.ModelSpec, metricID uuid.UUID) (ScalarStats, error) {
	if spec.HasBounds() {
		return ScalarStats{
			Min:           spec.ModelParams.Min,
			Max:           spec.ModelParams.Max,
			MinResolution: spec.ModelParams.MinResolution,
		}, nil
	}

	count, err := a.repo.GetMetricDataCount(ctx, metricID)
	if err != nil {
		return ScalarStats{}, fmt.Errorf("metrics: count stored samples: %w", err)
	}
	if count <= ModelCreationRecordThreshold {
		return ScalarStats{MinResolution: spec.ModelParams.MinResolution}, nil
	}
	return a.statsFromStoredData(ctx, metricID, spec.ModelParams.MinResolution)
}

// StartMonitoring starts the model immediately when params are known, and
// otherwise parks the metric in PendingData until the streamer accumulates
// enough samples to estimate bounds. Returns whether a model was started.
func (a *Adapter) StartMonitoring(ctx context.Context, metricID uuid.UUID, params *model.SwarmParams) (bool, error) {
	if params != nil {
		metric, err := a.repo.GetMetric(ctx, metricID)
		if err != nil {
			return false, fmt.Errorf("metrics: read metric for start: %w", err)
		}
		return a.StartModel(ctx, metric, *params)
	}

	ok, err := a.repo.CompareAndSetStatus(ctx, metricID,
		model.StatusUnmonitored, model.Status{Code: model.StatusPendingData})
	if err != nil {
		return false, err
	}
	if !ok {
		// Someone raced us. Re-read: landing on PendingData or further along
		// is benign (an idempotent retry won); anything else is a
		// consistency bug.
		current, err := a.repo.GetMetric(ctx, metricID)
		if err != nil {
			return false, fmt.Errorf("metrics: re-read after lost transition: %w", err)
		}
		switch current.Status.Code {
		case model.StatusPendingData, model.StatusCreatePending, model.StatusActive:
			return false, nil
		default:
			return false, fmt.Errorf("%w: wanted pending_data, found %s",
				ErrMetricStatusChanged, current.Status.Code)
		}
	}
	return false, nil
}

// StartModel conditionally transitions the metric to CreatePending with the
// serialized params and asks the engine to materialize the model.
//
// A metric already in CreatePending or Active returns false without error —
// that is a benign race with another actor doing the same work, not a
// failure. Any engine failure marks the metric Error with the captured
// detail and re-raises; that is the only path that externally marks a metric
// unusable pending operator intervention.
func (a *Adapter) StartModel(ctx context.Context, metric model.Metric, params model.SwarmParams) (bool, error) {
	switch metric.Status.Code {
	case model.StatusCreatePending, model.StatusActive:
		return false, nil
	case model.StatusUnmonitored, model.StatusPendingData:
	default:
		return false, fmt.Errorf("%w: cannot start model from %s",
			ErrMetricStatusChanged, metric.Status.Code)
	}

	cfg, err := model.ParseModelConfig(metric.ModelConfig)
	if err != nil {
		return false, err
	}
	cfg.Swarm = &params
	raw, err := cfg.Encode()
	if err != nil {
		return false, err
	}

	ok, err := a.repo.UpdateMetricForStatus(ctx, metric.ID, metric.Status.Code, storage.MetricChanges{
		Status:      &model.Status{Code: model.StatusCreatePending},
		ModelConfig: raw,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		// Re-read to classify the race.
		current, err := a.repo.GetMetric(ctx, metric.ID)
		if err != nil {
			return false, fmt.Errorf("metrics: re-read after lost transition: %w", err)
		}
		switch current.Status.Code {
		case model.StatusCreatePending, model.StatusActive:
			return false, nil
		default:
			return false, fmt.Errorf("%w: wanted create_pending, found %s",
				ErrMetricStatusChanged, current.Status.Code)
		}
	}

	if err := a.gateway.CreateModel(ctx, metric.ID, params); err != nil {
		detail := fmt.Sprintf("model creation failed: %v", err)
		if serr := a.repo.SetMetricStatus(ctx, metric.ID,
			model.Status{Code: model.StatusError, Message: detail}); serr != nil {
			a.logger.Error("metrics: failed to record error status",
				"metric_id", metric.ID, "error", serr)
		}
		return false, fmt.Errorf("metrics: create model for %s: %w", metric.ID, err)
	}

	a.logger.Info("metrics: model creation requested",
		"metric_id", metric.ID,
		"input_min", params.InputMin, "input_max", params.InputMax,
		"resolution", params.Resolution)
	return true, nil
}

// UnmonitorMetric tears down a metric's model and returns it to Unmonitored.
// The engine model is deleted first; a metric that never had a model (the
// engine treats unknown deletes as success) unwinds the same way. The status
// reset is conditional on the status observed here, so a concurrent
// transition wins and the caller may retry.
func (a *Adapter) UnmonitorMetric(ctx context.Context, metricID uuid.UUID) error {
	metric, err := a.repo.GetMetric(ctx, metricID)
	if err != nil {
		return fmt.Errorf("metrics: resolve metric %s: %w", metricID, err)
	}
	if metric.Status.Code == model.StatusUnmonitored {
		return nil
	}

	if err := a.gateway.DeleteModel(ctx, metric.ID); err != nil {
		return fmt.Errorf("metrics: delete model for %s: %w", metric.ID, err)
	}

	ok, err := a.repo.UpdateMetricForStatus(ctx, metric.ID, metric.Status.Code, storage.MetricChanges{
		Status:      &model.Status{Code: model.StatusUnmonitored},
		ModelConfig: []byte(`{}`),
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unmonitor lost a concurrent transition", ErrMetricStatusChanged)
	}
	a.logger.Info("metrics: metric unmonitored", "metric_id", metric.ID)
	return nil
}

// ActivateModel is the PendingData activation path: estimate bounds from
// stored data and start the model. Called by the streamer once the stored
// rowid crosses ModelCreationRecordThreshold.
func (a *Adapter) ActivateModel(ctx context.Context, metric model.Metric) (bool, error) {
	stats, err := a.statsFromStoredData(ctx, metric.ID, nil)
	if err != nil {
		return false, fmt.Errorf("metrics: stats for activation: %w", err)
	}
	params := GenerateSwarmParams(stats)
	if params == nil {
		return false, nil
	}
	return a.StartModel(ctx, metric, *params)
}
