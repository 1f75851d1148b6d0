package model

import (
	"errors"
	"fmt"
)

// ModelSpec is the monitor-request payload: which metric to monitor and,
// optionally, explicit value bounds for the scoring-engine encoder.
type ModelSpec struct {
	Datasource  string      `json:"datasource"`
	MetricSpec  MetricSpec  `json:"metricSpec"`
	ModelParams ModelParams `json:"modelParams,omitempty"`
}

// MetricSpec identifies the metric either by uid (existing metric) or by
// name (resolved/created per datasource).
type MetricSpec struct {
	UID      string         `json:"uid,omitempty"`
	Metric   string         `json:"metric,omitempty"`
	Unit     string         `json:"unit,omitempty"`
	Resource string         `json:"resource,omitempty"`
	UserInfo map[string]any `json:"userInfo,omitempty"`
}

// ModelParams carries optional explicit bounds. Min and Max must both be
// present or both absent; a presence mismatch is a caller error.
type ModelParams struct {
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	MinResolution *float64 `json:"minResolution,omitempty"`
}

// ErrBoundsMismatch is returned when exactly one of min/max is supplied.
var ErrBoundsMismatch = errors.New("model: min and max must both be set or both be omitted")

// Validate checks structural validity of the spec.
func (s ModelSpec) Validate() error {
	if s.Datasource == "" {
		return fmt.Errorf("model: datasource is required")
	}
	if s.MetricSpec.UID == "" && s.MetricSpec.Metric == "" {
		return fmt.Errorf("model: metricSpec requires uid or metric")
	}
	if (s.ModelParams.Min == nil) != (s.ModelParams.Max == nil) {
		return ErrBoundsMismatch
	}
	return nil
}

// HasBounds reports whether explicit min/max bounds were supplied.
func (s ModelSpec) HasBounds() bool {
	return s.ModelParams.Min != nil && s.ModelParams.Max != nil
}
