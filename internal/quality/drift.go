package quality

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/singura/singura/internal/models"
)

type DriftSeverity string

const (
	DriftWarning  DriftSeverity = "warning"
	DriftCritical DriftSeverity = "critical"
)

// DriftAlert reports one metric degrading against the baseline.
// PercentageChange is negative for drops.
type DriftAlert struct {
	Metric           string        `json:"metric"`
	BaselineValue    float64       `json:"baselineValue"`
	CurrentValue     float64       `json:"currentValue"`
	PercentageChange float64       `json:"percentageChange"`
	Severity         DriftSeverity `json:"severity"`
	Message          string        `json:"message"`
}

// Per-metric drop thresholds. Recall drops matter at smaller deltas:
// missing malicious automations is worse than over-flagging.
type driftThreshold struct {
	warning  float64
	critical float64
}

var driftThresholds = map[string]driftThreshold{
	"precision": {warning: 0.05, critical: 0.07},
	"recall":    {warning: 0.03, critical: 0.05},
	"f1":        {warning: 0.05, critical: 0.07},
}

// DetectDrift compares a fresh report against the recorded baseline.
// Improvements never alert. The calculation is pure: identical inputs
// always produce identical alerts.
func DetectDrift(baseline *models.DetectorBaseline, current Report) []DriftAlert {
	if baseline == nil {
		return nil
	}
	checks := []struct {
		metric   string
		was, now float64
	}{
		{"precision", baseline.Precision, current.Precision},
		{"recall", baseline.Recall, current.Recall},
		{"f1", baseline.F1, current.F1},
	}

	var alerts []DriftAlert
	for _, c := range checks {
		drop := c.was - c.now
		th := driftThresholds[c.metric]
		if drop < th.warning {
			continue
		}
		severity := DriftWarning
		if drop >= th.critical {
			severity = DriftCritical
		}
		alert := DriftAlert{
			Metric:           c.metric,
			BaselineValue:    c.was,
			CurrentValue:     c.now,
			PercentageChange: -drop,
			Severity:         severity,
			Message: fmt.Sprintf("%s %s drift: %.3f -> %.3f (%.1f%% drop)",
				current.DetectorName, c.metric, c.was, c.now, drop*100),
		}
		alerts = append(alerts, alert)
		log.Warn().
			Str("detector", current.DetectorName).
			Str("metric", c.metric).
			Float64("baseline", c.was).
			Float64("current", c.now).
			Str("severity", string(severity)).
			Msg("Detector drift detected")
	}
	return alerts
}
