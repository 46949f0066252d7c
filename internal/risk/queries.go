package risk

import (
	"time"

	"github.com/singura/singura/internal/models"
)

// trendThreshold is the score delta below which a window counts as stable.
const trendThreshold = 10.0

type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// Trend summarizes score movement over a window.
type Trend struct {
	FirstScore float64        `json:"firstScore"`
	LastScore  float64        `json:"lastScore"`
	Direction  TrendDirection `json:"direction"`
	Entries    int            `json:"entries"`
}

// Peak is the highest score in history and when it was recorded.
type Peak struct {
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// Current returns the latest entry, or nil for an empty history.
func (e *Engine) Current(automationID string) (*models.RiskScoreEntry, error) {
	history, err := e.store.RiskHistory(automationID)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	return &history[len(history)-1], nil
}

// TrendOver reports direction of movement across entries inside the window
// ending now.
func (e *Engine) TrendOver(automationID string, window time.Duration) (*Trend, error) {
	history, err := e.store.RiskHistory(automationID)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window)
	var inWindow []models.RiskScoreEntry
	for _, entry := range history {
		if !entry.Timestamp.Before(cutoff) {
			inWindow = append(inWindow, entry)
		}
	}
	if len(inWindow) == 0 {
		return nil, nil
	}

	t := &Trend{
		FirstScore: inWindow[0].Score,
		LastScore:  inWindow[len(inWindow)-1].Score,
		Entries:    len(inWindow),
	}
	switch delta := t.LastScore - t.FirstScore; {
	case delta >= trendThreshold:
		t.Direction = TrendIncreasing
	case delta <= -trendThreshold:
		t.Direction = TrendDecreasing
	default:
		t.Direction = TrendStable
	}
	return t, nil
}

// PeakOf returns the highest score ever recorded for the automation.
func (e *Engine) PeakOf(automationID string) (*Peak, error) {
	history, err := e.store.RiskHistory(automationID)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	peak := Peak{Score: history[0].Score, Timestamp: history[0].Timestamp}
	for _, entry := range history[1:] {
		if entry.Score > peak.Score {
			peak = Peak{Score: entry.Score, Timestamp: entry.Timestamp}
		}
	}
	return &peak, nil
}

// Average returns the mean score across all history entries.
func (e *Engine) Average(automationID string) (float64, error) {
	history, err := e.store.RiskHistory(automationID)
	if err != nil || len(history) == 0 {
		return 0, err
	}
	var sum float64
	for _, entry := range history {
		sum += entry.Score
	}
	return sum / float64(len(history)), nil
}
