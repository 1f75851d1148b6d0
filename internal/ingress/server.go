// Package ingress is the queue-consuming front door of the pipeline: a
// single-consumer loop that drains inbound metric messages, batches them,
// and hands them to the streamer grouped by metric.
//
// The design is backpressure-free: the loop never blocks producers, it only
// throttles its own CPU by sleeping when the queue is empty.
package ingress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/telemetry"
)

const (
	// DefaultMaxBatch is the most messages claimed per dispatch round.
	DefaultMaxBatch = 100

	// DefaultPollDelay is how long the loop sleeps after finding the queue
	// empty, instead of busy-spinning.
	DefaultPollDelay = 250 * time.Millisecond
)

// Queue is the inbound message source. Delivery is at-least-once: claimed
// but unacked messages reappear after their lock window expires.
type Queue interface {
	ClaimBatch(ctx context.Context, limit int) ([]model.IngestMessage, error)
	AckMessages(ctx context.Context, ids []int64) error
	NackMessages(ctx context.Context, ids []int64, errMsg string) error
	QueueDepth(ctx context.Context) (int64, error)
}

// SampleStreamer receives a grouped batch for one metric.
// Satisfied by *streamer.Streamer.
type SampleStreamer interface {
	StreamMetricData(ctx context.Context, samples []model.Sample, metricID uuid.UUID) error
}

// Server runs the single consumer loop for one process. Multiple processes
// may consume the same queue; SKIP LOCKED claiming keeps them off each
// other's batches.
type Server struct {
	queue     Queue
	streamer  SampleStreamer
	directory *Directory
	logger    *slog.Logger
	maxBatch  int
	pollDelay time.Duration

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewServer creates an ingress server. maxBatch <= 0 and pollDelay <= 0
// fall back to the defaults.
func NewServer(queue Queue, str SampleStreamer, directory *Directory, logger *slog.Logger, maxBatch int, pollDelay time.Duration) *Server {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	if pollDelay <= 0 {
		pollDelay = DefaultPollDelay
	}
	return &Server{
		queue:     queue,
		streamer:  str,
		directory: directory,
		logger:    logger,
		maxBatch:  maxBatch,
		pollDelay: pollDelay,
		done:      make(chan struct{}),
	}
}

// Start begins the consumer loop. Safe to call only once; subsequent calls
// are no-ops and log a warning.
func (s *Server) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("ingress: Start called more than once, ignoring")
		return
	}
	s.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.consumeLoop(loopCtx)
}

// Drain stops the consumer loop and blocks until the in-flight batch
// finishes or ctx expires. Unprocessed messages stay queued; the lock
// window returns any claimed-but-unacked ones to other consumers.
func (s *Server) Drain(ctx context.Context) {
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("ingress: drain timed out")
	}
}

func (s *Server) consumeLoop(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })

	for {
		if ctx.Err() != nil {
			return
		}

		batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		msgs, err := s.queue.ClaimBatch(batchCtx, s.maxBatch)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("ingress: claim batch", "error", err)
			s.sleep(ctx)
			continue
		}

		if len(msgs) == 0 {
			cancel()
			s.sleep(ctx)
			continue
		}

		s.dispatch(batchCtx, msgs)
		cancel()
	}
}

func (s *Server) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.pollDelay):
	}
}

// metricGroup is one metric's slice of a claimed batch, in arrival order.
type metricGroup struct {
	datasource string
	name       string
	ids        []int64
	samples    []model.Sample
}

// dispatch groups the batch by metric name and streams each group.
// Successful groups are acked; failed groups are nacked for redelivery —
// the scrubber's timestamp cursor makes the redelivery idempotent.
func (s *Server) dispatch(ctx context.Context, msgs []model.IngestMessage) {
	order := make([]string, 0, 8)
	groups := make(map[string]*metricGroup, 8)
	for _, m := range msgs {
		key := directoryKey(m.Datasource, m.MetricName)
		g, ok := groups[key]
		if !ok {
			g = &metricGroup{datasource: m.Datasource, name: m.MetricName}
			groups[key] = g
			order = append(order, key)
		}
		g.ids = append(g.ids, m.ID)
		g.samples = append(g.samples, model.Sample{Timestamp: m.Timestamp, Value: m.Value})
	}

	for _, key := range order {
		g := groups[key]
		metric, err := s.directory.Resolve(ctx, g.datasource, g.name)
		if err != nil {
			s.logger.Error("ingress: resolve metric", "metric", g.name, "error", err)
			s.nack(ctx, g.ids, err)
			continue
		}

		if err := s.streamer.StreamMetricData(ctx, g.samples, metric.ID); err != nil {
			s.logger.Error("ingress: stream batch",
				"metric_id", metric.ID, "count", len(g.samples), "error", err)
			// A vanished metric means the cached entry is stale.
			s.directory.Evict(g.datasource, g.name)
			s.nack(ctx, g.ids, err)
			continue
		}

		if err := s.queue.AckMessages(ctx, g.ids); err != nil {
			// Already processed; redelivery is absorbed by the scrubber.
			s.logger.Warn("ingress: ack failed, batch will redeliver",
				"metric_id", metric.ID, "error", err)
		}
	}
}

func (s *Server) nack(ctx context.Context, ids []int64, cause error) {
	if err := s.queue.NackMessages(ctx, ids, cause.Error()); err != nil {
		s.logger.Error("ingress: nack failed", "error", err)
	}
}

// registerMetrics registers observable OTEL gauges for ingress health.
func (s *Server) registerMetrics() {
	meter := telemetry.Meter("nagare/ingress")

	_, _ = meter.Int64ObservableGauge("nagare.ingress.queue_depth",
		metric.WithDescription("Number of pending messages in the ingest queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := s.queue.QueueDepth(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(depth)
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("nagare.ingress.directory_size",
		metric.WithDescription("Number of metrics in the ingress directory cache"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.directory.Len()))
			return nil
		}),
	)
}
