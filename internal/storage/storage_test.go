package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/storage"
	"github.com/ashita-ai/nagare/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close(ctx)

	os.Exit(m.Run())
}

func newMetric(t *testing.T, status model.StatusCode) model.Metric {
	t.Helper()
	m := model.Metric{
		ID:           uuid.New(),
		Datasource:   "custom",
		Name:         fmt.Sprintf("test.metric.%s", uuid.New()),
		PollInterval: 300,
		Status:       model.Status{Code: status},
	}
	require.NoError(t, testDB.CreateMetric(context.Background(), m))
	return m
}

func sampleAt(sec int, value float64) model.Sample {
	return model.Sample{
		Timestamp: time.Date(2026, 1, 1, 0, 0, sec, 0, time.UTC),
		Value:     value,
	}
}

func TestCreateAndGetMetric(t *testing.T) {
	ctx := context.Background()
	m := newMetric(t, model.StatusUnmonitored)

	got, err := testDB.GetMetric(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Name, got.Name)
	assert.Equal(t, model.StatusUnmonitored, got.Status.Code)
	assert.Zero(t, got.LastRowID)

	byName, err := testDB.GetMetricByName(ctx, "custom", m.Name)
	require.NoError(t, err)
	assert.Equal(t, m.ID, byName.ID)
}

func TestGetMetric_NotFound(t *testing.T) {
	_, err := testDB.GetMetric(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.GetMetricByName(context.Background(), "custom", "does.not.exist")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateMetric_DuplicateName(t *testing.T) {
	m := newMetric(t, model.StatusUnmonitored)

	dup := m
	dup.ID = uuid.New()
	err := testDB.CreateMetric(context.Background(), dup)
	assert.ErrorIs(t, err, storage.ErrMetricExists)
}

func TestCompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	m := newMetric(t, model.StatusUnmonitored)

	ok, err := testDB.CompareAndSetStatus(ctx, m.ID,
		model.StatusUnmonitored, model.Status{Code: model.StatusPendingData})
	require.NoError(t, err)
	assert.True(t, ok)

	// Same expectation again: the row moved, so the write must miss.
	ok, err = testDB.CompareAndSetStatus(ctx, m.ID,
		model.StatusUnmonitored, model.Status{Code: model.StatusPendingData})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := testDB.GetMetric(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingData, got.Status.Code)
}

func TestUpdateMetricForStatus(t *testing.T) {
	ctx := context.Background()
	m := newMetric(t, model.StatusPendingData)

	cfg, err := model.ModelConfig{Swarm: &model.SwarmParams{InputMax: 100, Resolution: 1}}.Encode()
	require.NoError(t, err)

	ok, err := testDB.UpdateMetricForStatus(ctx, m.ID, model.StatusPendingData,
		storage.MetricChanges{
			Status:      &model.Status{Code: model.StatusCreatePending},
			ModelConfig: cfg,
		})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := testDB.GetMetric(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreatePending, got.Status.Code)
	parsed, err := model.ParseModelConfig(got.ModelConfig)
	require.NoError(t, err)
	require.NotNil(t, parsed.Swarm)
	assert.Equal(t, 100.0, parsed.Swarm.InputMax)

	// Stale reference status: the conditional write misses and nothing
	// changes.
	ok, err = testDB.UpdateMetricForStatus(ctx, m.ID, model.StatusPendingData,
		storage.MetricChanges{ModelConfig: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetMetricStatus_Unconditional(t *testing.T) {
	ctx := context.Background()
	m := newMetric(t, model.StatusActive)

	require.NoError(t, testDB.SetMetricStatus(ctx, m.ID,
		model.Status{Code: model.StatusError, Message: "engine unreachable"}))

	got, err := testDB.GetMetric(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status.Code)
	assert.Equal(t, "engine unreachable", got.Status.Message)
}

func TestAddMetricData_AssignsSequentialRowIDs(t *testing.T) {
	ctx := context.Background()
	m := newMetric(t, model.StatusActive)

	first, err := testDB.AddMetricData(ctx, m.ID, []model.Sample{
		sampleAt(1, 10), sampleAt(2, 11),
	})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(1), first[0].RowID)
	assert.Equal(t, int64(2), first[1].RowID)

	// A second batch continues the sequence with no gaps.
	second, err := testDB.AddMetricData(ctx, m.ID, []model.Sample{sampleAt(3, 12)})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(3), second[0].RowID)

	got, err := testDB.GetMetric(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.LastRowID, "watermark advanced with the inserts")

	count, err := testDB.GetMetricDataCount(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestAddMetricData_UnknownMetric(t *testing.T) {
	_, err := testDB.AddMetricData(context.Background(), uuid.New(),
		[]model.Sample{sampleAt(1, 10)})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetLastSampleTimestamp(t *testing.T) {
	ctx := context.Background()
	m := newMetric(t, model.StatusActive)

	_, err := testDB.GetLastSampleTimestamp(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.AddMetricData(ctx, m.ID, []model.Sample{
		sampleAt(1, 10), sampleAt(5, 11),
	})
	require.NoError(t, err)

	ts, err := testDB.GetLastSampleTimestamp(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, sampleAt(5, 0).Timestamp, ts.UTC())
}

func TestGetMetricStats(t *testing.T) {
	ctx := context.Background()
	m := newMetric(t, model.StatusActive)

	_, err := testDB.GetMetricStats(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrStatsNotAvailable)

	_, err = testDB.AddMetricData(ctx, m.ID, []model.Sample{
		sampleAt(1, 10), sampleAt(2, 30), sampleAt(3, 20),
	})
	require.NoError(t, err)

	stats, err := testDB.GetMetricStats(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, stats.Min)
	assert.Equal(t, 30.0, stats.Max)
}

func TestUpdateAnomalyScores_IdempotentByRowID(t *testing.T) {
	ctx := context.Background()
	m := newMetric(t, model.StatusActive)

	stored, err := testDB.AddMetricData(ctx, m.ID, []model.Sample{
		sampleAt(1, 10), sampleAt(2, 11),
	})
	require.NoError(t, err)

	raw1, like1 := 0.2, 0.7
	stored[0].RawAnomaly = &raw1
	stored[0].AnomalyScore = &like1
	raw2, like2 := 0.9, 0.99
	stored[1].RawAnomaly = &raw2
	stored[1].AnomalyScore = &like2

	require.NoError(t, testDB.UpdateAnomalyScores(ctx, m.ID, stored))

	// Redelivery: even a batch carrying different likelihoods must not
	// touch rows that were already scored.
	replay := make([]model.MetricData, len(stored))
	copy(replay, stored)
	rawR, likeR := 0.5, 0.123
	replay[0].RawAnomaly = &rawR
	replay[0].AnomalyScore = &likeR
	require.NoError(t, testDB.UpdateAnomalyScores(ctx, m.ID, replay))

	rows, err := testDB.GetMetricData(ctx, m.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].AnomalyScore)
	assert.Equal(t, 0.7, *rows[0].AnomalyScore)
	require.NotNil(t, rows[0].RawAnomaly)
	assert.Equal(t, 0.2, *rows[0].RawAnomaly)
	require.NotNil(t, rows[1].RawAnomaly)
	assert.Equal(t, 0.9, *rows[1].RawAnomaly)
}

func TestGetMetricData_RangeAndLimit(t *testing.T) {
	ctx := context.Background()
	m := newMetric(t, model.StatusActive)

	var samples []model.Sample
	for i := 1; i <= 5; i++ {
		samples = append(samples, sampleAt(i, float64(i)))
	}
	_, err := testDB.AddMetricData(ctx, m.ID, samples)
	require.NoError(t, err)

	rows, err := testDB.GetMetricData(ctx, m.ID, 3, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(3), rows[0].RowID)
	assert.Equal(t, int64(4), rows[1].RowID)
}

func TestQueue_EnqueueClaimAck(t *testing.T) {
	ctx := context.Background()

	name := fmt.Sprintf("queue.metric.%s", uuid.New())
	msgs := []model.IngestMessage{
		{Datasource: "custom", MetricName: name, Timestamp: sampleAt(1, 0).Timestamp, Value: 10},
		{Datasource: "custom", MetricName: name, Timestamp: sampleAt(2, 0).Timestamp, Value: 11},
	}
	require.NoError(t, testDB.EnqueueSamples(ctx, msgs))

	depth, err := testDB.QueueDepth(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, depth, int64(2))

	claimed, err := testDB.ClaimBatch(ctx, 100)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(claimed), 2)

	// Claimed messages are locked: an immediate second claim sees nothing.
	again, err := testDB.ClaimBatch(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, again)

	ids := make([]int64, len(claimed))
	for i, c := range claimed {
		ids[i] = c.ID
	}
	require.NoError(t, testDB.AckMessages(ctx, ids))

	depth, err = testDB.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestQueue_NackSchedulesRedelivery(t *testing.T) {
	ctx := context.Background()

	name := fmt.Sprintf("queue.metric.%s", uuid.New())
	require.NoError(t, testDB.EnqueueSamples(ctx, []model.IngestMessage{
		{Datasource: "custom", MetricName: name, Timestamp: sampleAt(1, 0).Timestamp, Value: 10},
	}))

	claimed, err := testDB.ClaimBatch(ctx, 100)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, testDB.NackMessages(ctx, []int64{claimed[0].ID}, "stream failed"))

	// Backed off: not immediately claimable again.
	again, err := testDB.ClaimBatch(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, again)

	// First nack backs off 2 seconds; the message then reappears.
	require.Eventually(t, func() bool {
		msgs, err := testDB.ClaimBatch(ctx, 100)
		require.NoError(t, err)
		if len(msgs) != 1 {
			return false
		}
		require.NoError(t, testDB.AckMessages(ctx, []int64{msgs[0].ID}))
		return true
	}, 10*time.Second, 250*time.Millisecond)
}

func TestNotify_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelAnomalies))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelAnomalies, `{"ping":true}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelAnomalies, channel)
	assert.JSONEq(t, `{"ping":true}`, payload)
}
