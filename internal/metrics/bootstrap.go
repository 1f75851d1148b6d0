// Package metrics owns the metric lifecycle: creating metrics from model
// specs, deriving scoring-engine configuration from explicit bounds or
// observed data statistics, and driving the one-directional status machine
// (unmonitored → pending data → create pending → active).
package metrics

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
)

const (
	// ModelCreationRecordThreshold is the minimum number of stored samples
	// before a metric without explicit bounds may be activated: one day of
	// 5-minute samples. A metric with exactly this many samples is still
	// pending; threshold+1 triggers activation.
	ModelCreationRecordThreshold = 288

	// statsBufferFraction is the symmetric margin added to the observed
	// min/max spread when bounds are estimated from stored data.
	statsBufferFraction = 0.2

	// defaultMinResolution is the encoder resolution floor applied when the
	// caller does not supply one.
	defaultMinResolution = 0.001

	// numBuckets is the encoder bucket count the resolution is derived from.
	numBuckets = 130
)

// ScalarStats holds a metric's value bounds as known so far. A nil bound
// means unknown; swarm-param generation is deferred until both are known.
type ScalarStats struct {
	Min           *float64
	Max           *float64
	MinResolution *float64
}

// GenerateSwarmParams derives the scoring-engine configuration from value
// bounds. Returns nil when either bound is unknown, signaling a deferred
// bootstrap. A degenerate range (min == max) is widened by 1 so the encoder
// never collapses to a single bucket.
func GenerateSwarmParams(stats ScalarStats) *model.SwarmParams {
	if stats.Min == nil || stats.Max == nil {
		return nil
	}
	minV, maxV := *stats.Min, *stats.Max
	if minV == maxV {
		maxV = minV + 1
	}

	minResolution := defaultMinResolution
	if stats.MinResolution != nil {
		minResolution = *stats.MinResolution
	}
	resolution := (maxV - minV) / numBuckets
	if resolution < minResolution {
		resolution = minResolution
	}

	return &model.SwarmParams{
		InputMin:   minV,
		InputMax:   maxV,
		Resolution: resolution,
	}
}

// statsFromStoredData estimates bounds from a metric's stored samples,
// widening the observed spread by statsBufferFraction on each side.
func (a *Adapter) statsFromStoredData(ctx context.Context, metricID uuid.UUID, minResolution *float64) (ScalarStats, error) {
	stored, err := a.repo.GetMetricStats(ctx, metricID)
	if err != nil {
		return ScalarStats{}, err
	}
	buffer := (stored.Max - stored.Min) * statsBufferFraction
	minV := stored.Min - buffer
	maxV := stored.Max + buffer
	return ScalarStats{Min: &minV, Max: &maxV, MinResolution: minResolution}, nil
}
