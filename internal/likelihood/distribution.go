// Package likelihood converts raw anomaly scores into calibrated anomaly
// likelihoods using a windowed statistical model of each metric's recent
// score history, and decides when that model must be recomputed.
package likelihood

import (
	"math"

	"github.com/ashita-ai/nagare/internal/model"
)

// varianceFloor keeps a flat score history from producing a degenerate
// distribution that would turn every later score into a certainty.
const varianceFloor = 1e-6

// RefreshDistribution rebuilds the Gaussian from the sample window. It is a
// pure function of its inputs: replaying the same window twice yields the
// same distribution, which is what makes run replay safe under
// at-least-once delivery. The previous distribution is returned unchanged
// only when the window is empty.
func RefreshDistribution(window []float64, prev model.Distribution) model.Distribution {
	if len(window) == 0 {
		return prev
	}

	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))

	var sq float64
	for _, v := range window {
		d := v - mean
		sq += d * d
	}
	variance := sq / float64(len(window))
	if variance < varianceFloor {
		variance = varianceFloor
	}

	return model.Distribution{
		Mean:     mean,
		Variance: variance,
		Stdev:    math.Sqrt(variance),
	}
}

// score converts a raw anomaly score into a likelihood in [0, 1]: the
// probability mass of the distribution at or below the raw score. Scores far
// above the recent mean approach 1; scores at or below it stay near or
// under 0.5.
func score(dist model.Distribution, raw float64) float64 {
	if dist.Stdev == 0 {
		return 0.5
	}
	z := (raw - dist.Mean) / dist.Stdev
	// Complement of the Gaussian upper-tail probability.
	return 1 - 0.5*math.Erfc(z/math.Sqrt2)
}
