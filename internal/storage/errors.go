package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrMetricExists is returned by CreateMetric on a (datasource, name)
// collision. Callers treat this as an expected idempotent-retry outcome,
// not a failure.
var ErrMetricExists = errors.New("storage: metric already exists")

// ErrStatsNotAvailable is returned by GetMetricStats when the metric has no
// stored samples to compute a value range from.
var ErrStatsNotAvailable = errors.New("storage: metric stats not available")
