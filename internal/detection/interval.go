package detection

import (
	"math"
	"time"
)

// IntervalDetector flags bot-like regularity: inter-event intervals with a
// coefficient of variation humans never achieve.
type IntervalDetector struct {
	// MaxVariation is the coefficient of variation (stddev/mean of the
	// inter-event gaps) below which activity counts as scheduled.
	MaxVariation float64
	// MinInterval filters bursts; sub-second gaps are velocity territory.
	MinInterval time.Duration
}

func NewIntervalDetector() *IntervalDetector {
	return &IntervalDetector{MaxVariation: 0.15, MinInterval: time.Second}
}

func (d *IntervalDetector) Name() string { return "regular_interval" }

func (d *IntervalDetector) Detect(w Window) []Finding {
	intervals := interEventIntervals(w)
	if len(intervals) < 4 {
		return nil
	}

	var filtered []float64
	for _, iv := range intervals {
		if iv >= d.MinInterval.Seconds() {
			filtered = append(filtered, iv)
		}
	}
	if len(filtered) < 4 {
		return nil
	}

	mean, stddev := meanStddev(filtered)
	if mean == 0 {
		return nil
	}
	cv := stddev / mean
	if cv > d.MaxVariation {
		return nil
	}
	return []Finding{{
		PatternType: "regular_interval",
		Confidence:  clampConfidence(1 - cv/d.MaxVariation*0.5),
		Severity:    SeverityMedium,
		Evidence: map[string]any{
			"meanIntervalSeconds": mean,
			"coefficientOfVariation": cv,
			"sampleCount":         len(filtered),
		},
	}}
}

func interEventIntervals(w Window) []float64 {
	if len(w.Events) < 2 {
		return nil
	}
	out := make([]float64, 0, len(w.Events)-1)
	for i := 1; i < len(w.Events); i++ {
		out = append(out, w.Events[i].Timestamp.Sub(w.Events[i-1].Timestamp).Seconds())
	}
	return out
}

func meanStddev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
