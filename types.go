package nagare

import (
	"time"

	"github.com/google/uuid"
)

// MetricSample is one inbound data point addressed by metric name.
// Producers enqueue these; the ingress server batches and streams them.
type MetricSample struct {
	Datasource string
	Metric     string
	Timestamp  time.Time
	Value      float64
}

// ModelSpec is the public monitor-request payload. Min and Max must both be
// set or both be nil; a presence mismatch is rejected.
type ModelSpec struct {
	Datasource    string
	MetricUID     string // existing metric id; leave empty to resolve by name
	Metric        string
	Unit          string
	Resource      string
	Min           *float64
	Max           *float64
	MinResolution *float64
}

// MonitorOutcome tags the result of a Monitor call.
type MonitorOutcome int

const (
	// MonitorCreated means a new metric was created and monitoring began.
	MonitorCreated MonitorOutcome = iota
	// MonitorAlreadyExists means the metric already existed; monitoring
	// began on the existing metric. An idempotent-retry outcome.
	MonitorAlreadyExists
	// MonitorAlreadyMonitored means the metric was already past
	// Unmonitored; nothing changed. An idempotent-retry outcome.
	MonitorAlreadyMonitored
)

// MonitorResult is the outcome of a Monitor call: which case occurred, the
// resolved metric id, and whether a model was started immediately (false
// means bootstrapping was deferred until enough samples accumulate).
type MonitorResult struct {
	Outcome  MonitorOutcome
	MetricID uuid.UUID
	Started  bool
}

// AnomalyEnvelope is the public downstream results payload: one processed
// batch of likelihoods for one metric.
// It is a curated view of the internal envelope for use in extension
// interfaces — no internal package imports, safe to use outside the module.
type AnomalyEnvelope struct {
	MetricID      uuid.UUID
	FromTimestamp time.Time
	ToTimestamp   time.Time
	Rows          []AnomalyRow
}

// AnomalyRow is one scored sample in an AnomalyEnvelope.
type AnomalyRow struct {
	RowID        int64
	Timestamp    time.Time
	Value        float64
	RawAnomaly   float64
	AnomalyScore float64
}

// ScoringModelConfig is the engine configuration for one metric's model.
type ScoringModelConfig struct {
	InputMin   float64
	InputMax   float64
	Resolution float64
}

// ScoringInputRow is one stored sample handed to the scoring engine.
type ScoringInputRow struct {
	RowID     int64
	Timestamp time.Time
	Value     float64
}

// ScoringResult is one scored row coming back from the engine.
type ScoringResult struct {
	RowID      int64
	RawAnomaly float64
	Prediction *float64
}

// ScoringResultBatch is one metric's worth of results.
type ScoringResultBatch struct {
	ModelID uuid.UUID
	BatchID uuid.UUID
	Results []ScoringResult
}
