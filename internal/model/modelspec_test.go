package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

func TestModelSpecValidate_HappyPath(t *testing.T) {
	s := model.ModelSpec{
		Datasource: "custom",
		MetricSpec: model.MetricSpec{Metric: "cpu.user"},
	}
	assert.NoError(t, s.Validate())
}

func TestModelSpecValidate_UIDOnly(t *testing.T) {
	s := model.ModelSpec{
		Datasource: "custom",
		MetricSpec: model.MetricSpec{UID: "0c9bcc02-6cb4-4f4c-be18-b9ba5b16ec65"},
	}
	assert.NoError(t, s.Validate())
}

func TestModelSpecValidate_MissingDatasource(t *testing.T) {
	s := model.ModelSpec{MetricSpec: model.MetricSpec{Metric: "cpu.user"}}
	require.Error(t, s.Validate())
}

func TestModelSpecValidate_MissingIdentity(t *testing.T) {
	s := model.ModelSpec{Datasource: "custom"}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uid or metric")
}

func TestModelSpecValidate_BoundsMismatch(t *testing.T) {
	minOnly := model.ModelSpec{
		Datasource:  "custom",
		MetricSpec:  model.MetricSpec{Metric: "cpu.user"},
		ModelParams: model.ModelParams{Min: ptr(0.0)},
	}
	assert.ErrorIs(t, minOnly.Validate(), model.ErrBoundsMismatch)

	maxOnly := model.ModelSpec{
		Datasource:  "custom",
		MetricSpec:  model.MetricSpec{Metric: "cpu.user"},
		ModelParams: model.ModelParams{Max: ptr(100.0)},
	}
	assert.ErrorIs(t, maxOnly.Validate(), model.ErrBoundsMismatch)
}

func TestModelSpecHasBounds(t *testing.T) {
	withBounds := model.ModelSpec{
		ModelParams: model.ModelParams{Min: ptr(0.0), Max: ptr(100.0)},
	}
	assert.True(t, withBounds.HasBounds())
	assert.False(t, model.ModelSpec{}.HasBounds())
}

func TestParseModelConfig_Empty(t *testing.T) {
	cfg, err := model.ParseModelConfig(nil)
	require.NoError(t, err)
	assert.Nil(t, cfg.Swarm)
	assert.Nil(t, cfg.Anomaly)
}

func TestParseModelConfig_RoundTrip(t *testing.T) {
	in := model.ModelConfig{
		Swarm: &model.SwarmParams{InputMin: 0, InputMax: 100, Resolution: 0.5},
		Anomaly: &model.AnomalyParams{
			Distribution:      model.Distribution{Mean: 0.1, Variance: 0.02, Stdev: 0.1414},
			LastRowIDForStats: 500,
			RefreshRowCount:   50,
		},
	}
	raw, err := in.Encode()
	require.NoError(t, err)

	out, err := model.ParseModelConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseModelConfig_Garbage(t *testing.T) {
	_, err := model.ParseModelConfig([]byte("{not json"))
	require.Error(t, err)
}
