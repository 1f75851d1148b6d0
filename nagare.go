// Package nagare is the public API for embedding the Nagare metric
// anomaly-likelihood pipeline.
//
// Consumers import this package to construct and extend the service without
// forking it:
//
//	app, err := nagare.New(
//	    nagare.WithVersion(version),
//	    nagare.WithLogger(logger),
//	    nagare.WithGateway(myEngine),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: nagare (root) imports
// internal/*, but internal/* never imports nagare (root). Public types
// (MetricSample, AnomalyEnvelope, etc.) are standalone structs with no
// internal imports; conversion helpers live here because this is the only
// file that sees both sides of the boundary.
package nagare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/nagare/internal/anomaly"
	"github.com/ashita-ai/nagare/internal/config"
	"github.com/ashita-ai/nagare/internal/engine"
	"github.com/ashita-ai/nagare/internal/ingress"
	"github.com/ashita-ai/nagare/internal/likelihood"
	"github.com/ashita-ai/nagare/internal/metrics"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/storage"
	"github.com/ashita-ai/nagare/internal/streamer"
	"github.com/ashita-ai/nagare/internal/telemetry"
	"github.com/ashita-ai/nagare/migrations"
)

// ErrRetriesExceeded is returned by MonitorWithRetry once the retry budget
// is spent.
var ErrRetriesExceeded = metrics.ErrRetriesExceeded

// App is the Nagare service lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	adapter      *metrics.Adapter
	streamer     *streamer.Streamer
	ingress      *ingress.Server
	service      *anomaly.Service
	broker       *anomaly.Broker // nil when no notify connection
	resultHooks  []ResultHook
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Nagare service. It connects to the database, runs
// migrations, and wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.engineURL != "" {
		cfg.EngineURL = o.engineURL
	}
	if o.engineAPIKey != "" {
		cfg.EngineAPIKey = o.engineAPIKey
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, err
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, err
	}

	var gw engine.Gateway
	if o.gateway != nil {
		gw = &gatewayAdapter{gw: o.gateway}
	} else {
		client, err := engine.NewClient(engine.ClientConfig{
			BaseURL: cfg.EngineURL,
			APIKey:  cfg.EngineAPIKey,
		})
		if err != nil {
			db.Close(ctx)
			return nil, err
		}
		gw = client
	}

	adapter := metrics.NewAdapter(db, gw, logger)
	str := streamer.New(db, adapter, gw, logger,
		cfg.StreamChunkSize, metrics.ModelCreationRecordThreshold)
	directory := ingress.NewDirectory(db, logger)
	ingressSrv := ingress.NewServer(db, str, directory, logger,
		cfg.IngressMaxBatch, cfg.IngressPollDelay)

	helper := likelihood.NewHelper(db, logger, likelihood.Config{
		StatisticsMinSampleCount: cfg.StatsMinSampleCount,
		StatisticsSampleSize:     cfg.StatsSampleSize,
	})
	service := anomaly.NewService(db, gw, helper, db, logger, cfg.ResultRetryDelay)

	var broker *anomaly.Broker
	if cfg.NotifyURL != "" {
		broker = anomaly.NewBroker(db, logger)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		adapter:      adapter,
		streamer:     str,
		ingress:      ingressSrv,
		service:      service,
		broker:       broker,
		resultHooks:  o.resultHooks,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the ingress consumer, the anomaly result consumer, and the
// downstream broker, then blocks until ctx is cancelled. It returns after a
// graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("nagare: starting", "version", a.version)

	a.ingress.Start(ctx)
	a.service.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if a.broker != nil {
		g.Go(func() error {
			a.broker.Start(gctx)
			return nil
		})
		if len(a.resultHooks) > 0 {
			g.Go(func() error {
				a.runResultHooks(gctx)
				return nil
			})
		}
	}

	<-ctx.Done()
	_ = g.Wait()
	return a.Shutdown(context.Background())
}

// Shutdown drains the background workers and releases resources. Safe to
// call after Run returns; Run calls it itself on cancellation.
func (a *App) Shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a.ingress.Drain(drainCtx)
	a.service.Drain(drainCtx)

	var firstErr error
	if err := a.otelShutdown(drainCtx); err != nil {
		firstErr = err
	}
	a.db.Close(drainCtx)
	a.logger.Info("nagare: stopped")
	return firstErr
}

// EnqueueSamples appends inbound samples to the ingest queue. Producers
// never block on consumer progress; the ingress loop picks the samples up
// on its next claim.
func (a *App) EnqueueSamples(ctx context.Context, samples []MetricSample) error {
	msgs := make([]model.IngestMessage, len(samples))
	for i, s := range samples {
		msgs[i] = model.IngestMessage{
			Datasource: s.Datasource,
			MetricName: s.Metric,
			Timestamp:  s.Timestamp,
			Value:      s.Value,
		}
	}
	return a.db.EnqueueSamples(ctx, msgs)
}

// Monitor resolves or creates a metric from the spec and begins monitoring
// it. AlreadyExists and AlreadyMonitored outcomes are successful idempotent
// no-ops, not errors.
func (a *App) Monitor(ctx context.Context, spec ModelSpec) (MonitorResult, error) {
	result, err := a.adapter.MonitorMetric(ctx, toInternalSpec(spec))
	if err != nil {
		return MonitorResult{}, err
	}
	return MonitorResult{
		Outcome:  MonitorOutcome(result.Outcome),
		MetricID: result.MetricID,
		Started:  result.Started,
	}, nil
}

// Ping verifies database connectivity. Health endpoints of embedding
// services call this.
func (a *App) Ping(ctx context.Context) error {
	return a.db.Ping(ctx)
}

// Unmonitor deletes a metric's model from the scoring engine and returns
// the metric to the unmonitored state. Stored samples are kept. A metric
// that is not being monitored unwinds as a no-op.
func (a *App) Unmonitor(ctx context.Context, metricID uuid.UUID) error {
	return a.adapter.UnmonitorMetric(ctx, metricID)
}

// MonitorWithRetry wraps Monitor in a bounded retry loop for transient
// failures. Consistency errors (ErrMetricStatusChanged) are never retried.
// Returns ErrRetriesExceeded once the budget is spent.
func (a *App) MonitorWithRetry(ctx context.Context, spec ModelSpec, maxAttempts int) (MonitorResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var lastErr error
	for attempt := range maxAttempts {
		result, err := a.Monitor(ctx, spec)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, metrics.ErrMetricStatusChanged) {
			return MonitorResult{}, err
		}
		lastErr = err
		a.logger.Warn("nagare: monitor attempt failed",
			"metric", spec.Metric, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return MonitorResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return MonitorResult{}, fmt.Errorf("%w: %v", ErrRetriesExceeded, lastErr)
}

// Subscribe returns a channel of anomaly envelopes and a cancel function.
// Returns an error when the App was built without a notify connection.
func (a *App) Subscribe() (<-chan AnomalyEnvelope, func(), error) {
	if a.broker == nil {
		return nil, nil, fmt.Errorf("nagare: subscriptions require a notify connection (NOTIFY_URL)")
	}
	in := a.broker.Subscribe()
	out := make(chan AnomalyEnvelope, 64)
	go func() {
		defer close(out)
		for env := range in {
			select {
			case out <- toPublicEnvelope(env):
			default:
				// Subscriber not keeping up — drop, same policy as the broker.
			}
		}
	}()
	return out, func() { a.broker.Unsubscribe(in) }, nil
}

// runResultHooks feeds every published envelope to the registered hooks.
func (a *App) runResultHooks(ctx context.Context) {
	ch := a.broker.Subscribe()
	defer a.broker.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			public := toPublicEnvelope(env)
			for _, hook := range a.resultHooks {
				if err := hook.OnAnomalyBatch(ctx, public); err != nil {
					a.logger.Warn("nagare: result hook failed",
						"metric_id", public.MetricID, "error", err)
				}
			}
		}
	}
}

func toInternalSpec(spec ModelSpec) model.ModelSpec {
	return model.ModelSpec{
		Datasource: spec.Datasource,
		MetricSpec: model.MetricSpec{
			UID:      spec.MetricUID,
			Metric:   spec.Metric,
			Unit:     spec.Unit,
			Resource: spec.Resource,
		},
		ModelParams: model.ModelParams{
			Min:           spec.Min,
			Max:           spec.Max,
			MinResolution: spec.MinResolution,
		},
	}
}

func toPublicEnvelope(env anomaly.Envelope) AnomalyEnvelope {
	out := AnomalyEnvelope{
		MetricID:      env.MetricID,
		FromTimestamp: env.FromTimestamp,
		ToTimestamp:   env.ToTimestamp,
		Rows:          make([]AnomalyRow, len(env.Rows)),
	}
	for i, r := range env.Rows {
		out.Rows[i] = AnomalyRow{
			RowID:        r.RowID,
			Timestamp:    r.Timestamp,
			Value:        r.Value,
			RawAnomaly:   r.RawAnomaly,
			AnomalyScore: r.AnomalyScore,
		}
	}
	return out
}

// gatewayAdapter bridges a caller-supplied ScoringGateway to the internal
// engine.Gateway interface.
type gatewayAdapter struct {
	gw ScoringGateway
}

func (g *gatewayAdapter) CreateModel(ctx context.Context, modelID uuid.UUID, params model.SwarmParams) error {
	return g.gw.CreateModel(ctx, modelID, ScoringModelConfig{
		InputMin:   params.InputMin,
		InputMax:   params.InputMax,
		Resolution: params.Resolution,
	})
}

func (g *gatewayAdapter) DeleteModel(ctx context.Context, modelID uuid.UUID) error {
	return g.gw.DeleteModel(ctx, modelID)
}

func (g *gatewayAdapter) SubmitRequests(ctx context.Context, modelID uuid.UUID, rows []model.InputRow) (uuid.UUID, error) {
	public := make([]ScoringInputRow, len(rows))
	for i, r := range rows {
		public[i] = ScoringInputRow{RowID: r.RowID, Timestamp: r.Timestamp, Value: r.Value}
	}
	return g.gw.SubmitRequests(ctx, modelID, public)
}

func (g *gatewayAdapter) ConsumeResults(ctx context.Context) ([]engine.ResultBatch, error) {
	public, err := g.gw.ConsumeResults(ctx)
	if err != nil {
		return nil, err
	}
	batches := make([]engine.ResultBatch, len(public))
	for i, b := range public {
		batch := engine.ResultBatch{
			ModelID: b.ModelID,
			BatchID: b.BatchID,
			Results: make([]model.InferenceResult, len(b.Results)),
		}
		for j, r := range b.Results {
			batch.Results[j] = model.InferenceResult{
				RowID:      r.RowID,
				RawAnomaly: r.RawAnomaly,
				Prediction: r.Prediction,
			}
		}
		batches[i] = batch
	}
	return batches, nil
}
