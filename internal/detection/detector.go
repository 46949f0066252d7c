// Package detection runs independent pattern detectors over a window of
// normalized activity events and condenses their findings into risk factors.
// Detectors are pure: a read-only window in, zero or more findings out.
package detection

import (
	"sort"
	"time"

	"github.com/singura/singura/internal/models"
)

// Severity grades one finding. The pipeline translates severities into
// factor weights; detectors never talk to the risk engine directly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Window is the read-only snapshot a detector consumes: one automation's
// events between Start and End, sorted by timestamp.
type Window struct {
	Automation *models.DiscoveredAutomation
	Events     []models.ActivityEvent
	Start      time.Time
	End        time.Time
}

// NewWindow copies and sorts the events so detectors running in parallel
// share an immutable snapshot.
func NewWindow(automation *models.DiscoveredAutomation, events []models.ActivityEvent, start, end time.Time) Window {
	sorted := make([]models.ActivityEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return Window{Automation: automation, Events: sorted, Start: start, End: end}
}

// Span returns the effective observation span of the window.
func (w Window) Span() time.Duration {
	if len(w.Events) >= 2 {
		return w.Events[len(w.Events)-1].Timestamp.Sub(w.Events[0].Timestamp)
	}
	return w.End.Sub(w.Start)
}

// Finding is one detector hit.
type Finding struct {
	PatternType string
	Confidence  float64
	Severity    Severity
	Evidence    map[string]any
}

// Detector is a deterministic function over a window. Implementations must
// not mutate the window and must not retain references to it.
type Detector interface {
	Name() string
	Detect(w Window) []Finding
}

func severityWeight(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 40
	case SeverityHigh:
		return 30
	case SeverityMedium:
		return 20
	default:
		return 10
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
