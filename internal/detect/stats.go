package detect

import (
	"math"
	"sort"

	"github.com/maristack/pelorus/internal/clients/metricstore"
)

// zscoreWarmup and ewmaWarmup are the minimum sample counts before the
// respective detector scores anything other than 0.
const (
	zscoreWarmup = 10
	ewmaWarmup   = 5
)

// madConstant is the consistency factor for the modified z-score.
const madConstant = 0.6745

// rollingWindow holds the last N observations of one series in insertion
// order. The current value is scored BEFORE it is appended, so a value never
// contributes to its own baseline.
type rollingWindow struct {
	values []float64
	size   int
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{values: make([]float64, 0, size), size: size}
}

func (w *rollingWindow) Append(v float64) {
	w.values = append(w.values, v)
	if len(w.values) > w.size {
		w.values = w.values[len(w.values)-w.size:]
	}
}

func (w *rollingWindow) Len() int { return len(w.values) }

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// zscoreScore returns min(|v-mu| / (divisor*sigma), 1). Zero variance and
// short windows score 0.
func zscoreScore(w *rollingWindow, v, divisor float64) float64 {
	if w.Len() < zscoreWarmup {
		return 0
	}
	sigma := stddev(w.values)
	if sigma == 0 {
		return 0
	}
	return clampScore(math.Abs(v-mean(w.values)) / (divisor * sigma))
}

// ewmaState tracks the exponentially weighted moving average of one series.
type ewmaState struct {
	value float64
	count int
}

// Score compares v against the running EWMA, normalized by the window mean,
// then folds v into the average. Scores 0 during warm-up or when the series
// is flat at zero.
func (s *ewmaState) Score(w *rollingWindow, v, alpha float64) float64 {
	defer s.update(v, alpha)

	if s.count < ewmaWarmup {
		return 0
	}
	m := mean(w.values)
	if m == 0 {
		return 0
	}
	return clampScore(math.Abs(v-s.value) / math.Abs(m))
}

func (s *ewmaState) update(v, alpha float64) {
	if s.count == 0 {
		s.value = v
	} else {
		s.value = alpha*v + (1-alpha)*s.value
	}
	s.count++
}

// madScore returns the modified z-score min(|0.6745(v-med)/MAD| / divisor, 1).
// A zero MAD (constant window) scores 0.
func madScore(w *rollingWindow, v, divisor float64) float64 {
	if w.Len() < zscoreWarmup {
		return 0
	}
	med := median(w.values)
	deviations := make([]float64, len(w.values))
	for i, x := range w.values {
		deviations[i] = math.Abs(x - med)
	}
	mad := median(deviations)
	if mad == 0 {
		return 0
	}
	return clampScore(math.Abs(madConstant*(v-med)/mad) / divisor)
}

// fixedCaps are the builtin per-metric absolute caps for the fixed-threshold
// detector. Raw-unit entries in the thresholds table override them.
var fixedCaps = map[string]float64{
	"cpu_usage":    85,
	"memory_usage": 90,
	"disk_usage":   85,
}

// fixedThresholdScore scales linearly into [0,1] above an absolute limit.
// Percent-style metrics saturate at 100. A zero limit never fires.
func fixedThresholdScore(v, limit float64) float64 {
	if limit <= 0 || v <= limit {
		return 0
	}
	ceiling := 100.0
	if limit >= ceiling {
		ceiling = limit * 2
	}
	return clampScore((v - limit) / (ceiling - limit))
}

// fixedFloorScore grades values that drop below an absolute floor, for
// metrics where lower is worse (satellite SNR).
func fixedFloorScore(v, limit float64) float64 {
	if limit <= 0 || v >= limit {
		return 0
	}
	return clampScore((limit - v) / limit)
}

// baselineScore grades v against the historical aggregate. An empty baseline
// scores 0; values inside the p95 envelope score 0.
func baselineScore(b metricstore.Baseline, v float64) float64 {
	if b.SampleCount == 0 || v <= b.P95 {
		return 0
	}
	spread := b.P99 - b.Median
	if spread <= 0 {
		spread = math.Abs(b.P99)
	}
	if spread == 0 {
		return 0
	}
	return clampScore((v - b.P95) / spread)
}

func clampScore(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
