package likelihood

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
)

// ErrMetricNotActive is returned when likelihood processing is requested for
// a metric that is not in Active state.
var ErrMetricNotActive = errors.New("likelihood: metric not active")

const (
	// DefaultStatisticsMinSampleCount is the minimum window size for a
	// statistically valid refresh; until the window reaches it, run cutoffs
	// are extended so the first refresh sees enough history.
	DefaultStatisticsMinSampleCount = 100

	// DefaultStatisticsSampleSize caps the rolling sample window the
	// distribution is rebuilt from.
	DefaultStatisticsSampleSize = 500

	// DefaultHighLikelihoodThreshold is the likelihood at which a single
	// sample can cut a run short and force an immediate refresh.
	DefaultHighLikelihoodThreshold = 0.99

	// DefaultEarlyRefreshRowDistance is the minimum rowid distance since
	// the last refresh before a high-likelihood sample may force one.
	// Without it a regime shift would trigger a refresh per sample.
	DefaultEarlyRefreshRowDistance = 10
)

// RefreshPolicy maps the remaining unprocessed batch size to the refresh
// interval, in rowids, for the next run.
type RefreshPolicy func(remaining int) int64

// DefaultRefreshPolicy mirrors the steady-state/backlog tradeoff: while a
// large backlog remains, refreshes are spaced further apart to bound the
// cost of churning through it; the spacing shrinks toward a tenth of the
// sample window as the backlog is consumed.
func DefaultRefreshPolicy(remaining int) int64 {
	interval := int64(DefaultStatisticsSampleSize)
	if batch := int64(remaining) * 20; batch > interval {
		interval = batch
	}
	return interval / 10
}

// Config tunes the refresh algorithm. The zero value selects all defaults.
type Config struct {
	StatisticsMinSampleCount int
	StatisticsSampleSize     int
	HighLikelihoodThreshold  float64
	EarlyRefreshRowDistance  int64
	RefreshPolicy            RefreshPolicy
}

func (c Config) withDefaults() Config {
	if c.StatisticsMinSampleCount <= 0 {
		c.StatisticsMinSampleCount = DefaultStatisticsMinSampleCount
	}
	if c.StatisticsSampleSize <= 0 {
		c.StatisticsSampleSize = DefaultStatisticsSampleSize
	}
	if c.HighLikelihoodThreshold <= 0 {
		c.HighLikelihoodThreshold = DefaultHighLikelihoodThreshold
	}
	if c.EarlyRefreshRowDistance <= 0 {
		c.EarlyRefreshRowDistance = DefaultEarlyRefreshRowDistance
	}
	if c.RefreshPolicy == nil {
		c.RefreshPolicy = DefaultRefreshPolicy
	}
	return c
}

// SampleReader loads previously stored, already-scored rows so the sample
// window can be rebuilt when the helper has no in-memory state.
type SampleReader interface {
	GetMetricData(ctx context.Context, metricID uuid.UUID, fromRowID int64, limit int) ([]model.MetricData, error)
}

// Helper owns the per-metric anomaly-likelihood parameters. It holds no
// cross-call mutable state: the sample window lives only for the duration
// of one refresh cycle and is rebuilt from the repository when needed, so a
// process restart (or a second process) converges on the same results.
type Helper struct {
	repo   SampleReader
	logger *slog.Logger
	cfg    Config
}

// NewHelper creates a likelihood helper.
func NewHelper(repo SampleReader, logger *slog.Logger, cfg Config) *Helper {
	return &Helper{repo: repo, logger: logger, cfg: cfg.withDefaults()}
}

// UpdateModelAnomalyScores converts each row's raw anomaly score into a
// likelihood and refreshes the distribution at run boundaries.
//
// Processing proceeds in runs. Each run ends at a cutoff rowid of
// last_rowid_for_stats + refresh interval, except that the cutoff is
// extended just far enough to collect the minimum window for a valid
// refresh, and collapsed to the next unprocessed rowid when stale (data
// gap, changed configuration) — every call retires at least one sample or
// reaches end of input. A single high-likelihood sample cuts the run short
// once enough rowid distance has accumulated since the last refresh, so the
// model stays responsive to regime shifts.
//
// rows must be sorted by rowid with RawAnomaly set. The rows are annotated
// in place with their likelihoods; the returned params must be persisted by
// the caller. Replaying the same rows with the same starting params yields
// identical results.
func (h *Helper) UpdateModelAnomalyScores(ctx context.Context, metric model.Metric, rows []model.MetricData) (model.AnomalyParams, error) {
	if metric.Status.Code != model.StatusActive {
		return model.AnomalyParams{}, fmt.Errorf("%w: metric %s is %s",
			ErrMetricNotActive, metric.ID, metric.Status.Code)
	}
	cfg, err := model.ParseModelConfig(metric.ModelConfig)
	if err != nil {
		return model.AnomalyParams{}, err
	}
	if len(rows) == 0 {
		if cfg.Anomaly == nil {
			return model.AnomalyParams{}, nil
		}
		return *cfg.Anomaly, nil
	}

	var params model.AnomalyParams
	var window []float64
	if cfg.Anomaly != nil {
		params = *cfg.Anomaly
		window, err = h.loadWindow(ctx, metric.ID, params.LastRowIDForStats)
		if err != nil {
			return model.AnomalyParams{}, err
		}
	} else {
		params, window, err = h.bootstrap(ctx, metric.ID, rows)
		if err != nil {
			return model.AnomalyParams{}, err
		}
	}

	start := h.skipProcessed(rows, params)
	for start < len(rows) {
		interval := h.cfg.RefreshPolicy(len(rows) - start)
		cutoff := params.LastRowIDForStats + interval

		// Not enough history for a valid refresh yet: push the cutoff out
		// far enough to reach the minimum window.
		if short := h.cfg.StatisticsMinSampleCount - len(window); short > 0 {
			if extended := rows[start].RowID + int64(short) - 1; extended > cutoff {
				cutoff = extended
			}
		}
		// Stale interval, data gap, or changed configuration: collapse to
		// the next unprocessed rowid so the loop always makes progress.
		if cutoff < rows[start].RowID {
			cutoff = rows[start].RowID
		}

		end := start
		for end < len(rows) && rows[end].RowID <= cutoff {
			raw := *rows[end].RawAnomaly
			like := score(params.Distribution, raw)
			rows[end].AnomalyScore = &like
			window = appendBounded(window, raw, h.cfg.StatisticsSampleSize)
			end++

			if like >= h.cfg.HighLikelihoodThreshold &&
				rows[end-1].RowID-params.LastRowIDForStats >= h.cfg.EarlyRefreshRowDistance {
				h.logger.Debug("likelihood: early refresh on high-likelihood sample",
					"metric_id", metric.ID, "rowid", rows[end-1].RowID, "likelihood", like)
				break
			}
		}

		params.Distribution = RefreshDistribution(window, params.Distribution)
		params.LastRowIDForStats = rows[end-1].RowID
		params.RefreshRowCount = interval
		start = end
	}

	return params, nil
}

// bootstrap builds the initial distribution from any stored backlog plus an
// initial prefix of the new rows, then scores that prefix with it.
func (h *Helper) bootstrap(ctx context.Context, metricID uuid.UUID, rows []model.MetricData) (model.AnomalyParams, []float64, error) {
	window, err := h.loadWindow(ctx, metricID, rows[0].RowID-1)
	if err != nil {
		return model.AnomalyParams{}, nil, err
	}

	prefix := h.cfg.StatisticsMinSampleCount - len(window)
	if prefix < 1 {
		prefix = 1
	}
	if prefix > len(rows) {
		prefix = len(rows)
	}
	for _, r := range rows[:prefix] {
		window = appendBounded(window, *r.RawAnomaly, h.cfg.StatisticsSampleSize)
	}

	params := model.AnomalyParams{
		Distribution:      RefreshDistribution(window, model.Distribution{}),
		LastRowIDForStats: rows[prefix-1].RowID,
		RefreshRowCount:   h.cfg.RefreshPolicy(len(rows)),
	}
	for i := range rows[:prefix] {
		like := score(params.Distribution, *rows[i].RawAnomaly)
		rows[i].AnomalyScore = &like
	}
	h.logger.Info("likelihood: bootstrapped distribution",
		"metric_id", metricID,
		"window", len(window),
		"last_rowid_for_stats", params.LastRowIDForStats)
	return params, window, nil
}

// loadWindow rebuilds the sample window from stored rows that already carry
// raw scores, ending at upToRowID.
func (h *Helper) loadWindow(ctx context.Context, metricID uuid.UUID, upToRowID int64) ([]float64, error) {
	if upToRowID <= 0 {
		return nil, nil
	}
	from := upToRowID - int64(h.cfg.StatisticsSampleSize) + 1
	if from < 1 {
		from = 1
	}
	stored, err := h.repo.GetMetricData(ctx, metricID, from, h.cfg.StatisticsSampleSize)
	if err != nil {
		return nil, fmt.Errorf("likelihood: load sample window: %w", err)
	}
	var window []float64
	for _, d := range stored {
		if d.RowID > upToRowID || d.RawAnomaly == nil {
			continue
		}
		window = append(window, *d.RawAnomaly)
	}
	return window, nil
}

// skipProcessed walks past already-retired rows (rowid <= last_rowid_for_stats)
// without re-entering the run loop. Rows that already carry a stored likelihood
// keep it, so a redelivered batch reproduces its previous output; only rows
// that somehow lost their score are filled in from the current distribution.
func (h *Helper) skipProcessed(rows []model.MetricData, params model.AnomalyParams) int {
	start := 0
	for start < len(rows) && rows[start].RowID <= params.LastRowIDForStats {
		if rows[start].AnomalyScore == nil {
			like := score(params.Distribution, *rows[start].RawAnomaly)
			rows[start].AnomalyScore = &like
		}
		start++
	}
	return start
}

func appendBounded(window []float64, v float64, limit int) []float64 {
	window = append(window, v)
	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	return window
}
