package anomaly_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/anomaly"
	"github.com/ashita-ai/nagare/internal/testutil"
)

// fakeSource replays payloads from a channel as notifications.
type fakeSource struct {
	payloads chan string
}

func (f *fakeSource) Listen(_ context.Context, _ string) error { return nil }

func (f *fakeSource) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case p := <-f.payloads:
		return "nagare_anomalies", p, nil
	}
}

func TestBroker_DeliversEnvelopes(t *testing.T) {
	source := &fakeSource{payloads: make(chan string, 4)}
	b := anomaly.NewBroker(source, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	env := anomaly.Envelope{
		MetricID:      uuid.New(),
		FromTimestamp: time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
		ToTimestamp:   time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC),
		Rows: []anomaly.EnvelopeRow{
			{RowID: 1, Value: 10, RawAnomaly: 0.1, AnomalyScore: 0.5},
		},
	}
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	source.payloads <- string(payload)

	select {
	case got := <-sub:
		assert.Equal(t, env.MetricID, got.MetricID)
		require.Len(t, got.Rows, 1)
		assert.Equal(t, int64(1), got.Rows[0].RowID)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered")
	}
}

func TestBroker_BadPayloadSkipped(t *testing.T) {
	source := &fakeSource{payloads: make(chan string, 4)}
	b := anomaly.NewBroker(source, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	source.payloads <- "{not json"
	good := anomaly.Envelope{MetricID: uuid.New()}
	payload, err := json.Marshal(good)
	require.NoError(t, err)
	source.payloads <- string(payload)

	// The bad payload is logged and skipped; the next one still arrives.
	select {
	case got := <-sub:
		assert.Equal(t, good.MetricID, got.MetricID)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered after bad payload")
	}
}

func TestBroker_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	source := &fakeSource{payloads: make(chan string, 128)}
	b := anomaly.NewBroker(source, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)

	slow := b.Subscribe()
	defer b.Unsubscribe(slow)
	// Never read from slow: its 64-entry buffer fills and further envelopes
	// are dropped for it without stalling the broadcast loop.
	for range 100 {
		payload, err := json.Marshal(anomaly.Envelope{MetricID: uuid.New()})
		require.NoError(t, err)
		source.payloads <- string(payload)
	}

	require.Eventually(t, func() bool { return len(source.payloads) == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, len(slow), 64)
	assert.Greater(t, len(slow), 0)
}

func TestBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := anomaly.NewBroker(&fakeSource{payloads: make(chan string)}, testutil.TestLogger())
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}
