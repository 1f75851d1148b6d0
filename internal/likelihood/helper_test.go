package likelihood_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/likelihood"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/testutil"
)

// fakeReader serves stored rows by rowid range.
type fakeReader struct {
	rows []model.MetricData
}

func (f *fakeReader) GetMetricData(_ context.Context, _ uuid.UUID, fromRowID int64, limit int) ([]model.MetricData, error) {
	var out []model.MetricData
	for _, r := range f.rows {
		if r.RowID >= fromRowID {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func ptr[T any](v T) *T { return &v }

// scoredRows builds consecutive rows carrying raw anomaly scores.
func scoredRows(metricID uuid.UUID, fromRowID int64, raws []float64) []model.MetricData {
	rows := make([]model.MetricData, len(raws))
	for i, raw := range raws {
		rows[i] = model.MetricData{
			MetricID:   metricID,
			RowID:      fromRowID + int64(i),
			Value:      raw,
			RawAnomaly: ptr(raw),
		}
	}
	return rows
}

func activeMetric(t *testing.T, id uuid.UUID, anomaly *model.AnomalyParams) model.Metric {
	t.Helper()
	cfg := model.ModelConfig{
		Swarm:   &model.SwarmParams{InputMax: 100, Resolution: 1},
		Anomaly: anomaly,
	}
	raw, err := cfg.Encode()
	require.NoError(t, err)
	return model.Metric{ID: id, Status: model.Status{Code: model.StatusActive}, ModelConfig: raw}
}

func TestUpdateModelAnomalyScores_NotActive(t *testing.T) {
	h := likelihood.NewHelper(&fakeReader{}, testutil.TestLogger(), likelihood.Config{})
	metric := model.Metric{ID: uuid.New(), Status: model.Status{Code: model.StatusCreatePending}}

	_, err := h.UpdateModelAnomalyScores(context.Background(), metric, nil)
	assert.ErrorIs(t, err, likelihood.ErrMetricNotActive)
}

func TestUpdateModelAnomalyScores_EmptyRows(t *testing.T) {
	h := likelihood.NewHelper(&fakeReader{}, testutil.TestLogger(), likelihood.Config{})
	prev := model.AnomalyParams{
		Distribution:      model.Distribution{Mean: 0.2, Variance: 0.01, Stdev: 0.1},
		LastRowIDForStats: 42,
		RefreshRowCount:   50,
	}
	metric := activeMetric(t, uuid.New(), &prev)

	params, err := h.UpdateModelAnomalyScores(context.Background(), metric, nil)
	require.NoError(t, err)
	assert.Equal(t, prev, params, "no rows leaves the params untouched")
}

func TestUpdateModelAnomalyScores_BootstrapScoresEveryRow(t *testing.T) {
	id := uuid.New()
	h := likelihood.NewHelper(&fakeReader{}, testutil.TestLogger(), likelihood.Config{
		StatisticsMinSampleCount: 2,
		StatisticsSampleSize:     5,
		RefreshPolicy:            func(int) int64 { return 2 },
	})
	metric := activeMetric(t, id, nil)

	rows := scoredRows(id, 1, []float64{0.1, 0.2, 0.15, 0.3, 0.25, 0.1})
	params, err := h.UpdateModelAnomalyScores(context.Background(), metric, rows)
	require.NoError(t, err)

	for i, r := range rows {
		require.NotNil(t, r.AnomalyScore, "row %d must be scored", i)
		assert.GreaterOrEqual(t, *r.AnomalyScore, 0.0)
		assert.LessOrEqual(t, *r.AnomalyScore, 1.0)
	}
	assert.Equal(t, rows[len(rows)-1].RowID, params.LastRowIDForStats,
		"every sample retired by the end of the call")
	assert.Greater(t, params.Distribution.Variance, 0.0)
}

func TestUpdateModelAnomalyScores_ForwardProgressAcrossGap(t *testing.T) {
	id := uuid.New()
	h := likelihood.NewHelper(&fakeReader{}, testutil.TestLogger(), likelihood.Config{
		StatisticsMinSampleCount: 1,
		StatisticsSampleSize:     5,
		RefreshPolicy:            func(int) int64 { return 2 },
	})

	// The stored refresh watermark is far behind the incoming rowids
	// (data gap). Cutoffs must collapse forward instead of spinning.
	prev := model.AnomalyParams{
		Distribution:      model.Distribution{Mean: 0.1, Variance: 0.01, Stdev: 0.1},
		LastRowIDForStats: 100,
		RefreshRowCount:   2,
	}
	metric := activeMetric(t, id, &prev)

	rows := scoredRows(id, 1000, []float64{0.1, 0.2, 0.3})
	params, err := h.UpdateModelAnomalyScores(context.Background(), metric, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(1002), params.LastRowIDForStats)
	for _, r := range rows {
		require.NotNil(t, r.AnomalyScore)
	}
}

func TestUpdateModelAnomalyScores_ReplayIsDeterministic(t *testing.T) {
	id := uuid.New()
	raws := []float64{0.1, 0.2, 0.15, 0.3, 0.25, 0.1, 0.4, 0.2}

	run := func() ([]model.MetricData, model.AnomalyParams) {
		h := likelihood.NewHelper(&fakeReader{}, testutil.TestLogger(), likelihood.Config{
			StatisticsMinSampleCount: 2,
			StatisticsSampleSize:     5,
			RefreshPolicy:            func(int) int64 { return 3 },
		})
		metric := activeMetric(t, id, nil)
		rows := scoredRows(id, 1, raws)
		params, err := h.UpdateModelAnomalyScores(context.Background(), metric, rows)
		require.NoError(t, err)
		return rows, params
	}

	rowsA, paramsA := run()
	rowsB, paramsB := run()
	assert.Equal(t, paramsA, paramsB)
	for i := range rowsA {
		assert.Equal(t, *rowsA[i].AnomalyScore, *rowsB[i].AnomalyScore, "row %d", i)
	}
}

func TestUpdateModelAnomalyScores_RedeliveredRowsKeepStoredScores(t *testing.T) {
	id := uuid.New()
	reader := &fakeReader{rows: scoredRows(id, 1, []float64{0.1, 0.1, 0.1, 0.1, 0.1})}
	h := likelihood.NewHelper(reader, testutil.TestLogger(), likelihood.Config{
		StatisticsMinSampleCount: 1,
		StatisticsSampleSize:     5,
		RefreshPolicy:            func(int) int64 { return 100 },
	})

	prev := model.AnomalyParams{
		Distribution:      model.Distribution{Mean: 0.1, Variance: 0.01, Stdev: 0.1},
		LastRowIDForStats: 5,
		RefreshRowCount:   100,
	}
	metric := activeMetric(t, id, &prev)

	// All rowids are at or below the refresh watermark: a pure redelivery.
	// Rows 3 and 5 still carry the likelihood stored by the first delivery;
	// row 4 lost its score and is the only one filled back in.
	rows := scoredRows(id, 3, []float64{0.1, 0.1, 0.1})
	rows[0].AnomalyScore = ptr(0.42)
	rows[2].AnomalyScore = ptr(0.9)
	params, err := h.UpdateModelAnomalyScores(context.Background(), metric, rows)
	require.NoError(t, err)

	assert.Equal(t, prev.LastRowIDForStats, params.LastRowIDForStats,
		"redelivery must not advance the refresh watermark")
	assert.Equal(t, prev.Distribution, params.Distribution)
	require.NotNil(t, rows[0].AnomalyScore)
	assert.Equal(t, 0.42, *rows[0].AnomalyScore, "stored likelihood must survive redelivery")
	require.NotNil(t, rows[1].AnomalyScore, "unscored retired rows are filled in")
	require.NotNil(t, rows[2].AnomalyScore)
	assert.Equal(t, 0.9, *rows[2].AnomalyScore)
}

func TestUpdateModelAnomalyScores_EarlyRefreshOnSpike(t *testing.T) {
	id := uuid.New()
	raws := make([]float64, 30)
	for i := range raws {
		raws[i] = 0.1
	}
	raws[14] = 0.9 // spike at rowid 115

	run := func(earlyDistance int64) []float64 {
		reader := &fakeReader{rows: scoredRows(id, 96, []float64{0.1, 0.1, 0.1, 0.1, 0.1})}
		h := likelihood.NewHelper(reader, testutil.TestLogger(), likelihood.Config{
			StatisticsMinSampleCount: 1,
			StatisticsSampleSize:     50,
			EarlyRefreshRowDistance:  earlyDistance,
			RefreshPolicy:            func(int) int64 { return 1000 },
		})
		prev := model.AnomalyParams{
			Distribution:      model.Distribution{Mean: 0.1, Variance: 1e-6, Stdev: 0.001},
			LastRowIDForStats: 100,
			RefreshRowCount:   1000,
		}
		metric := activeMetric(t, id, &prev)
		rows := scoredRows(id, 101, raws)
		_, err := h.UpdateModelAnomalyScores(context.Background(), metric, rows)
		require.NoError(t, err)

		scores := make([]float64, len(rows))
		for i, r := range rows {
			scores[i] = *r.AnomalyScore
		}
		return scores
	}

	withEarly := run(10)
	withoutEarly := run(1 << 40)

	// The spike itself scores near certainty either way.
	assert.Greater(t, withEarly[14], 0.99)
	assert.Greater(t, withoutEarly[14], 0.99)

	// With early refresh enabled, the distribution is rebuilt at the spike,
	// so the rows after it see a wider distribution and score differently.
	assert.NotEqual(t, withoutEarly[20], withEarly[20])
}
