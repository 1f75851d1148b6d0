package model

import (
	"encoding/json"
	"fmt"
)

// SwarmParams is the scoring-engine configuration derived from a metric's
// value range. InputMin/InputMax bound the encoder; Resolution is the
// smallest value delta the encoder distinguishes.
type SwarmParams struct {
	InputMin   float64 `json:"inputMin"`
	InputMax   float64 `json:"inputMax"`
	Resolution float64 `json:"resolution"`
}

// ModelConfig is the serialized per-metric model state stored on the metric
// row: the engine configuration plus the anomaly-likelihood parameters once
// the likelihood helper has bootstrapped a distribution.
type ModelConfig struct {
	Swarm   *SwarmParams   `json:"swarm,omitempty"`
	Anomaly *AnomalyParams `json:"anomaly,omitempty"`
}

// ParseModelConfig decodes a metric's serialized model configuration.
// A nil or empty payload decodes to the zero config.
func ParseModelConfig(raw []byte) (ModelConfig, error) {
	var cfg ModelConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("model: parse model config: %w", err)
	}
	return cfg, nil
}

// Encode serializes the config for storage on the metric row.
func (c ModelConfig) Encode() ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("model: encode model config: %w", err)
	}
	return raw, nil
}

// AnomalyParams is the per-metric anomaly-likelihood state owned exclusively
// by the likelihood helper. LastRowIDForStats is the rowid at which the
// distribution was last recomputed; RefreshRowCount is the refresh interval,
// in rowids, used to produce it.
type AnomalyParams struct {
	Distribution      Distribution `json:"distribution"`
	LastRowIDForStats int64        `json:"last_rowid_for_stats"`
	RefreshRowCount   int64        `json:"refresh_row_count"`
}

// Distribution summarizes the recent raw-anomaly-score history as a Gaussian.
// Variance carries a floor so a flat score history never yields a degenerate
// distribution.
type Distribution struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Stdev    float64 `json:"stdev"`
}
