package guardrail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeStats(t *testing.T) {
	stats := computeStats([]float64{0.3, 0.1, 0.5, 0.2, 0.4})

	assert.Equal(t, 5, stats.Count)
	assert.InDelta(t, 0.3, stats.Mean, 1e-9)
	assert.InDelta(t, 0.5, stats.Max, 1e-9)
	assert.InDelta(t, 0.1, stats.Min, 1e-9)
	assert.InDelta(t, 0.1414213562, stats.StdDev, 1e-9, "population standard deviation")
	assert.InDelta(t, 0.2, stats.P25, 1e-9)
	assert.InDelta(t, 0.3, stats.P50, 1e-9)
	assert.InDelta(t, 0.4, stats.P75, 1e-9)
	assert.InDelta(t, 0.46, stats.P90, 1e-9, "p90 interpolates between the top two scores")
}

func TestComputeStatsSingleScore(t *testing.T) {
	stats := computeStats([]float64{0.7})

	assert.Equal(t, 1, stats.Count)
	assert.InDelta(t, 0.7, stats.Mean, 1e-9)
	assert.InDelta(t, 0.7, stats.P25, 1e-9)
	assert.InDelta(t, 0.7, stats.P90, 1e-9)
	assert.Zero(t, stats.StdDev)
}

func TestComputeStatsEmpty(t *testing.T) {
	assert.Equal(t, ScoreStats{}, computeStats(nil))
}

func TestComputeStatsOrderIndependent(t *testing.T) {
	a := computeStats([]float64{0.9, 0.1, 0.5})
	b := computeStats([]float64{0.5, 0.9, 0.1})
	assert.Equal(t, a, b)
}

func TestComputeStatsDoesNotMutateInput(t *testing.T) {
	scores := []float64{0.9, 0.1, 0.5}
	computeStats(scores)
	assert.Equal(t, []float64{0.9, 0.1, 0.5}, scores)
}
