package anomaly

import "math"

const (
	// sigmaFloor keeps the std-dev test meaningful for windows with
	// near-zero variance, where any jitter would otherwise flag.
	sigmaFloor = 1e-3
)

// windowStats returns the mean and standard deviation of the values using
// Welford's accumulation, which stays numerically stable for the small
// engagement ratios this detector sees.
func windowStats(values []float64) (mean, sigma float64) {
	if len(values) == 0 {
		return 0, sigmaFloor
	}

	var m2 float64
	for i, v := range values {
		delta := v - mean
		mean += delta / float64(i+1)
		m2 += delta * (v - mean)
	}

	if len(values) < 2 {
		return mean, sigmaFloor
	}
	variance := m2 / float64(len(values)-1)
	return mean, math.Max(math.Sqrt(variance), sigmaFloor)
}
