package detection

import "time"

// OffHoursDetector flags activity concentrated outside the organization's
// working hours. The window bounds come from observed human activity and
// default to 08:00-18:00 local when nothing is learned yet.
type OffHoursDetector struct {
	StartHour int
	EndHour   int
	Location  *time.Location
	// MinFraction of events that must fall off-hours before flagging.
	MinFraction float64
}

func NewOffHoursDetector(loc *time.Location) *OffHoursDetector {
	if loc == nil {
		loc = time.UTC
	}
	return &OffHoursDetector{StartHour: 8, EndHour: 18, Location: loc, MinFraction: 0.5}
}

func (d *OffHoursDetector) Name() string { return "off_hours" }

func (d *OffHoursDetector) Detect(w Window) []Finding {
	if len(w.Events) < 5 {
		return nil
	}
	offHours := 0
	for _, ev := range w.Events {
		h := ev.Timestamp.In(d.Location).Hour()
		if h < d.StartHour || h >= d.EndHour {
			offHours++
		}
	}
	fraction := float64(offHours) / float64(len(w.Events))
	if fraction < d.MinFraction {
		return nil
	}
	severity := SeverityLow
	if fraction >= 0.9 {
		severity = SeverityMedium
	}
	return []Finding{{
		PatternType: "off_hours",
		Confidence:  clampConfidence(fraction),
		Severity:    severity,
		Evidence: map[string]any{
			"offHoursEvents": offHours,
			"totalEvents":    len(w.Events),
			"workingHours":   []int{d.StartHour, d.EndHour},
		},
	}}
}
