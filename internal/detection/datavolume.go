package detection

import "github.com/singura/singura/internal/models"

// DataVolumeDetector flags reads and exports exceeding the learned volume
// baseline for the automation. Explicit exfiltration actions escalate
// severity regardless of volume.
type DataVolumeDetector struct {
	// BaselineBytes is the learned normal volume per window. Zero means no
	// baseline is learned yet; only explicit exfiltration actions flag then.
	BaselineBytes int64
	// Multiplier over the baseline before volume alone flags.
	Multiplier float64
}

func NewDataVolumeDetector(baselineBytes int64) *DataVolumeDetector {
	return &DataVolumeDetector{BaselineBytes: baselineBytes, Multiplier: 2.0}
}

func (d *DataVolumeDetector) Name() string { return "data_volume" }

func (d *DataVolumeDetector) Detect(w Window) []Finding {
	var total int64
	exfilEvents := 0
	for _, ev := range w.Events {
		total += ev.Bytes
		if ev.ActionType == models.ActionDataExfiltration {
			exfilEvents++
		}
	}

	overBaseline := d.BaselineBytes > 0 && float64(total) > float64(d.BaselineBytes)*d.Multiplier
	if !overBaseline && exfilEvents == 0 {
		return nil
	}

	severity := SeverityHigh
	confidence := 0.7
	if exfilEvents > 0 {
		severity = SeverityCritical
		confidence = 0.85
	}
	return []Finding{{
		PatternType: "data_volume",
		Confidence:  clampConfidence(confidence),
		Severity:    severity,
		Evidence: map[string]any{
			"totalBytes":         total,
			"baselineBytes":      d.BaselineBytes,
			"exfiltrationEvents": exfilEvents,
		},
	}}
}
