package detection

import "fmt"

// VelocityDetector flags automations acting faster than a human plausibly
// could. The threshold is events per second and may be tuned per deployment.
type VelocityDetector struct {
	// EventsPerSecond above which activity is considered machine-speed.
	EventsPerSecond float64
}

// NewVelocityDetector returns a detector with the default machine-speed
// threshold of one action per second sustained over the window.
func NewVelocityDetector() *VelocityDetector {
	return &VelocityDetector{EventsPerSecond: 1.0}
}

func (d *VelocityDetector) Name() string { return "velocity" }

func (d *VelocityDetector) Detect(w Window) []Finding {
	if len(w.Events) < 5 {
		return nil
	}
	span := w.Span()
	if span <= 0 {
		span = 1
	}
	rate := float64(len(w.Events)) / span.Seconds()
	if rate <= d.EventsPerSecond {
		return nil
	}

	ratio := rate / d.EventsPerSecond
	severity := SeverityMedium
	if ratio >= 5 {
		severity = SeverityCritical
	} else if ratio >= 2 {
		severity = SeverityHigh
	}
	return []Finding{{
		PatternType: "velocity",
		Confidence:  clampConfidence(0.5 + 0.1*ratio),
		Severity:    severity,
		Evidence: map[string]any{
			"eventsPerSecond": rate,
			"threshold":       d.EventsPerSecond,
			"eventCount":      len(w.Events),
			"windowSpan":      fmt.Sprintf("%.1fs", span.Seconds()),
		},
	}}
}
