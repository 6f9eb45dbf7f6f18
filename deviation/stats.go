package deviation

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarizes the valid deviations of every probed vertex. Distances are
// magnitudes in the grid's physical units.
type Stats struct {
	// Count is the number of vertices with a valid deviation out of Total probed.
	Count, Total int
	Mean         float64
	StdDev       float64
	// SignedMean is the mean of signed deviations, zero for unsigned probes.
	SignedMean float64
	P50        float64
	P90        float64
	P95        float64
	Max        float64
	// Coverage holds the fraction of valid vertices at or below each threshold.
	Coverage []Coverage
	// RelativeP95 is P95 as a percentage of the longest bounding box edge of the probed meshes.
	RelativeP95 float64
}

// Coverage is the fraction of samples with a deviation at or below Threshold.
type Coverage struct {
	Threshold float64
	Fraction  float64
}

// Percentile returns the nearest-rank percentile p in [0,1] of ascending sorted samples:
// the element at index round(p*(n-1)) clamped to the slice. It returns NaN for no samples.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	i := int(math.Round(p * float64(n-1)))
	i = min(max(i, 0), n-1)
	return sorted[i]
}

// computeStats summarizes the valid samples. It does not fill Total nor RelativeP95.
func computeStats(signed []float64, thresholds []float32) Stats {
	st := Stats{Count: len(signed)}
	if len(signed) == 0 {
		return st
	}
	abs := make([]float64, len(signed))
	for i, v := range signed {
		abs[i] = math.Abs(v)
	}
	st.SignedMean = stat.Mean(signed, nil)
	st.Mean, st.StdDev = stat.MeanStdDev(abs, nil)
	if len(abs) == 1 {
		st.StdDev = 0
	}
	st.Max = floats.Max(abs)
	slices.Sort(abs)
	st.P50 = Percentile(abs, 0.5)
	st.P90 = Percentile(abs, 0.9)
	st.P95 = Percentile(abs, 0.95)
	for _, th := range thresholds {
		// Count of samples <= th in sorted order.
		k, found := slices.BinarySearch(abs, float64(th))
		for found && k < len(abs) && abs[k] == float64(th) {
			k++
		}
		st.Coverage = append(st.Coverage, Coverage{
			Threshold: float64(th),
			Fraction:  float64(k) / float64(len(abs)),
		})
	}
	return st
}

// String returns a printable multi-line summary of the statistics.
func (st Stats) String() string {
	var b strings.Builder
	if st.Count == 0 {
		fmt.Fprintf(&b, "deviation: no valid samples out of %d vertices\n", st.Total)
		return b.String()
	}
	fmt.Fprintf(&b, "deviation: %d/%d vertices valid (%.2f%%)\n", st.Count, st.Total, 100*float64(st.Count)/float64(max(st.Total, 1)))
	fmt.Fprintf(&b, "  mean %.4f ± %.4f (signed mean %.4f)\n", st.Mean, st.StdDev, st.SignedMean)
	fmt.Fprintf(&b, "  p50 %.4f  p90 %.4f  p95 %.4f  max %.4f\n", st.P50, st.P90, st.P95, st.Max)
	for _, c := range st.Coverage {
		fmt.Fprintf(&b, "  <= %.3f: %.2f%%\n", c.Threshold, 100*c.Fraction)
	}
	fmt.Fprintf(&b, "  p95 relative to longest bounds edge: %.3f%%\n", st.RelativeP95)
	return b.String()
}
