package model

import (
	"time"

	"github.com/google/uuid"
)

// Sample is a raw inbound data point, before scrubbing. Timestamp and Value
// come straight off the wire; the transport is at-least-once, so duplicates
// and reordering are expected.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MetricData is a stored sample. RowID is assigned by the repository,
// strictly increasing per metric, and is the unit of idempotence: batches
// are keyed and resumed by rowid, never by wall-clock time.
//
// RawAnomaly and AnomalyScore are nil until the anomaly service processes
// the scoring-engine result for this row.
type MetricData struct {
	MetricID     uuid.UUID `json:"metric_id"`
	RowID        int64     `json:"rowid"`
	Timestamp    time.Time `json:"timestamp"`
	Value        float64   `json:"value"`
	RawAnomaly   *float64  `json:"raw_anomaly,omitempty"`
	AnomalyScore *float64  `json:"anomaly_score,omitempty"`
	DisplayValue *float64  `json:"display_value,omitempty"`
}

// InputRow is the wire unit sent to the scoring engine: one stored sample's
// rowid plus the encoded field values. Ephemeral, never persisted.
type InputRow struct {
	RowID     int64     `json:"rowid"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// InferenceResult is one scored row coming back from the engine.
type InferenceResult struct {
	RowID      int64    `json:"rowid"`
	RawAnomaly float64  `json:"raw_anomaly"`
	Prediction *float64 `json:"prediction,omitempty"`
}

// IngestMessage is one queued inbound sample addressed by metric name.
// The ingress server groups messages by name before streaming.
type IngestMessage struct {
	ID         int64     `json:"-"`
	Datasource string    `json:"datasource"`
	MetricName string    `json:"metric"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
}
