package metrics

import "errors"

// ErrMetricStatusChanged is a consistency failure: a conditional status
// transition lost a race to an unexpected state. Fatal for the current
// operation — the metric is left in its last-known-good persisted state and
// the error is surfaced, never silently retried.
var ErrMetricStatusChanged = errors.New("metrics: metric status changed concurrently")

// ErrRetriesExceeded is returned by bounded-retry wrappers around the model
// bootstrap/start path once the retry budget is spent. The lifecycle
// operations themselves never retry.
var ErrRetriesExceeded = errors.New("metrics: retries exceeded")

// ErrModelQuotaExceeded is returned when the scoring engine refuses to
// materialize another model instance.
var ErrModelQuotaExceeded = errors.New("metrics: model quota exceeded")
