package model

import (
	"time"

	"github.com/google/uuid"
)

// StatusCode is the persisted metric status code. Values are bit-flag style
// for compatibility with pre-existing rows; new code should treat the set as
// a closed enum and switch exhaustively.
type StatusCode int

const (
	StatusUnmonitored   StatusCode = 0
	StatusActive        StatusCode = 1
	StatusCreatePending StatusCode = 2
	StatusError         StatusCode = 4
	StatusPendingData   StatusCode = 8
)

// String returns the lowercase name used in logs and API payloads.
func (c StatusCode) String() string {
	switch c {
	case StatusUnmonitored:
		return "unmonitored"
	case StatusActive:
		return "active"
	case StatusCreatePending:
		return "create_pending"
	case StatusError:
		return "error"
	case StatusPendingData:
		return "pending_data"
	default:
		return "unknown"
	}
}

// Status is a metric's lifecycle state: a status code plus, for StatusError,
// the captured failure detail. Transitions are one-directional
// (Unmonitored → PendingData → CreatePending → Active) except Error, which is
// reachable from any state and terminal for that model instance.
type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"` // populated only for StatusError
}

// CanStartModel reports whether a model may be created for a metric in this
// state. Only Unmonitored and PendingData metrics may transition to
// CreatePending.
func (s Status) CanStartModel() bool {
	return s.Code == StatusUnmonitored || s.Code == StatusPendingData
}

// Streamable reports whether incoming samples should be accepted at all.
// Error metrics are frozen pending operator intervention.
func (s Status) Streamable() bool {
	switch s.Code {
	case StatusUnmonitored, StatusActive, StatusCreatePending, StatusPendingData:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether this state ends the model instance's lifecycle.
// Only Error is terminal; recovery requires unmonitoring and starting over.
func (s Status) IsTerminal() bool {
	return s.Code == StatusError
}

// Metric is a monitored scalar time series. The row in the metrics table is
// the source of truth for status and the last_rowid watermark; process-local
// caches are best-effort and rebuilt from here on a miss.
type Metric struct {
	ID           uuid.UUID `json:"id"`
	Datasource   string    `json:"datasource"`
	Name         string    `json:"name"`
	Server       string    `json:"server,omitempty"`
	Unit         string    `json:"unit,omitempty"`
	PollInterval int       `json:"poll_interval"` // seconds between expected samples

	// ModelConfig is the serialized scoring-engine configuration, including
	// the anomaly-likelihood parameters once the model is active. Opaque to
	// the storage layer.
	ModelConfig []byte `json:"-"`

	// LastRowID is the highest rowid assigned to a stored sample for this
	// metric. Rowids are gapless within what this pipeline has stored.
	LastRowID int64 `json:"last_rowid"`

	Status Status `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MetricStats holds the observed value range of a metric's stored samples.
type MetricStats struct {
	Min float64
	Max float64
}
