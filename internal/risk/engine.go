// Package risk computes automation risk scores from detector factor bundles
// and maintains the append-only score history.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/singura/singura/internal/models"
)

// rapidChangeDelta is the absolute score jump that marks an entry as a
// rapid change and makes it alert-eligible.
const rapidChangeDelta = 50.0

// History is the persistence surface the engine needs.
type History interface {
	AppendRiskEntry(automationID string, entry *models.RiskScoreEntry) error
	RiskHistory(automationID string) ([]models.RiskScoreEntry, error)
}

// Notifier receives the engine's realtime events. Implementations must not
// block; the bus drops rather than applies backpressure.
type Notifier interface {
	NotifyScoreUpdated(organizationID, automationID string, oldScore, newScore float64, reason string)
	NotifyHighAlert(organizationID, automationID string, score float64, level models.RiskLevel, patterns []string)
}

// Engine owns the read-modify-write cycle on risk history. A per-automation
// critical section keeps appends monotone under concurrent reassessment.
type Engine struct {
	store    History
	notifier Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(store History, notifier Notifier) *Engine {
	return &Engine{store: store, notifier: notifier, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) lockFor(automationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[automationID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[automationID] = l
	}
	return l
}

// Score sums the signed factor scores and clamps to [0,100].
func Score(factors []models.RiskFactor) float64 {
	var total float64
	for _, f := range factors {
		total += f.Score
	}
	if total < 0 {
		return 0
	}
	if total > 100 {
		return 100
	}
	return total
}

// Reassess computes a new entry from the factor bundle and appends it when
// the append rules allow. trigger may be empty, in which case the engine
// classifies the cause by comparing factors against the previous entry.
// Returns the appended entry, or nil when the history is unchanged.
func (e *Engine) Reassess(automation *models.DiscoveredAutomation, factors []models.RiskFactor, trigger models.RiskTrigger, patterns []string) (*models.RiskScoreEntry, error) {
	l := e.lockFor(automation.ID)
	l.Lock()
	defer l.Unlock()

	history, err := e.store.RiskHistory(automation.ID)
	if err != nil {
		return nil, fmt.Errorf("loading risk history: %w", err)
	}

	score := Score(factors)
	var prev *models.RiskScoreEntry
	if len(history) > 0 {
		prev = &history[len(history)-1]
	}

	// Only an explicitly requested manual reassessment or detector update
	// forces an equal-score append; auto-classified reruns over unchanged
	// factors must leave the history alone.
	forceAppend := trigger == models.TriggerManualReassessment || trigger == models.TriggerDetectorUpdate
	if trigger == "" {
		trigger = classifyTrigger(prev, factors)
	}
	if prev != nil && prev.Score == score && !forceAppend {
		return nil, nil
	}

	entry := &models.RiskScoreEntry{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		Score:     score,
		Level:     models.LevelForScore(score),
		Factors:   factors,
		Trigger:   trigger,
	}

	oldScore := 0.0
	if prev != nil {
		oldScore = prev.Score
		if delta := score - prev.Score; delta > rapidChangeDelta || delta < -rapidChangeDelta {
			entry.RapidChange = true
		}
	}

	if err := e.store.AppendRiskEntry(automation.ID, entry); err != nil {
		return nil, fmt.Errorf("appending risk entry: %w", err)
	}

	log.Info().
		Str("automationID", automation.ID).
		Float64("oldScore", oldScore).
		Float64("newScore", score).
		Str("level", string(entry.Level)).
		Str("trigger", string(trigger)).
		Bool("rapidChange", entry.RapidChange).
		Msg("Risk score updated")

	if e.notifier != nil && prev != nil {
		e.notifier.NotifyScoreUpdated(automation.OrganizationID, automation.ID, oldScore, score, string(trigger))
		if entry.RapidChange && (entry.Level == models.RiskHigh || entry.Level == models.RiskCritical) {
			e.notifier.NotifyHighAlert(automation.OrganizationID, automation.ID, score, entry.Level, patterns)
		}
	}
	return entry, nil
}

// classifyTrigger inspects what changed between the previous entry's
// factors and the new bundle. First entries are always initial discovery.
func classifyTrigger(prev *models.RiskScoreEntry, factors []models.RiskFactor) models.RiskTrigger {
	if prev == nil {
		return models.TriggerInitialDiscovery
	}

	before := make(map[string]float64, len(prev.Factors))
	for _, f := range prev.Factors {
		before[f.Type] = f.Score
	}

	permissionChanged := false
	activityIncreased := false
	newFactor := false
	for _, f := range factors {
		old, existed := before[f.Type]
		switch {
		case f.Type == "permission" && f.Score != old:
			permissionChanged = true
		case f.Type == "activity" && f.Score > old:
			activityIncreased = true
		case !existed:
			newFactor = true
		}
	}

	switch {
	case permissionChanged:
		return models.TriggerPermissionChange
	case activityIncreased:
		return models.TriggerActivitySpike
	case newFactor:
		return models.TriggerDetectorUpdate
	default:
		return models.TriggerDetectorUpdate
	}
}
