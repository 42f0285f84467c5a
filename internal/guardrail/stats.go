package guardrail

import (
	"math"
	"sort"
)

// ScoreStats summarizes the score distribution a decision is based on.
type ScoreStats struct {
	Mean   float64 `json:"mean"`
	Max    float64 `json:"max"`
	Min    float64 `json:"min"`
	StdDev float64 `json:"stdDev"`
	Count  int     `json:"count"`
	P25    float64 `json:"p25"`
	P50    float64 `json:"p50"`
	P75    float64 `json:"p75"`
	P90    float64 `json:"p90"`
}

// computeStats summarizes scores. Percentiles interpolate linearly between
// order statistics; standard deviation is the population one.
func computeStats(scores []float64) ScoreStats {
	n := len(scores)
	if n == 0 {
		return ScoreStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, scores)
	sort.Float64s(sorted)

	sum := 0.0
	for _, s := range sorted {
		sum += s
	}
	mean := sum / float64(n)

	variance := 0.0
	for _, s := range sorted {
		d := s - mean
		variance += d * d
	}
	variance /= float64(n)

	return ScoreStats{
		Mean:   mean,
		Max:    sorted[n-1],
		Min:    sorted[0],
		StdDev: math.Sqrt(variance),
		Count:  n,
		P25:    percentile(sorted, 0.25),
		P50:    percentile(sorted, 0.50),
		P75:    percentile(sorted, 0.75),
		P90:    percentile(sorted, 0.90),
	}
}

func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	if lo+1 >= n {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
