package decision

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// confidenceInterval returns the two-sided interval for a sample mean.
// Student-t below 30 observations, normal approximation above.
func confidenceInterval(mean, std float64, n int64, confidence float64) (float64, float64) {
	if n < 2 {
		return mean, mean
	}
	var critical float64
	p := (1 + confidence) / 2
	if n < 30 {
		critical = distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}.Quantile(p)
	} else {
		critical = distuv.UnitNormal.Quantile(p)
	}
	margin := critical * std / math.Sqrt(float64(n))
	return mean - margin, mean + margin
}

// welchTTest returns the two-sided p-value of Welch's unequal-variance
// t-test between two samples. Returns 1 when either sample has fewer than
// two values; when both samples have zero variance it returns 1 for equal
// means and 0 otherwise.
func welchTTest(a, b []float64) float64 {
	na, nb := float64(len(a)), float64(len(b))
	if na < 2 || nb < 2 {
		return 1
	}
	meanA, varA := meanVariance(a)
	meanB, varB := meanVariance(b)

	sa := varA / na
	sb := varB / nb
	se := sa + sb
	if se == 0 {
		if meanA == meanB {
			return 1
		}
		return 0
	}

	t := (meanA - meanB) / math.Sqrt(se)

	// Welch–Satterthwaite degrees of freedom.
	df := se * se / (sa*sa/(na-1) + sb*sb/(nb-1))
	if df < 1 {
		df = 1
	}

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * dist.CDF(-math.Abs(t))
}

// meanVariance returns the sample mean and unbiased variance.
func meanVariance(xs []float64) (float64, float64) {
	n := float64(len(xs))
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	if n < 2 {
		return mean, 0
	}
	return mean, ss / (n - 1)
}
