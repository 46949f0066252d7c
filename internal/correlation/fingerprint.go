// Package correlation equates automations across platforms by comparing
// behavioral fingerprints and forms links with confidence priors.
package correlation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/singura/singura/internal/models"
)

// Schedule is a discovered execution cadence: the typical gap between runs
// and the hour of day activity clusters in.
type Schedule struct {
	Interval  time.Duration
	PhaseHour int
}

// Profile is the per-automation view the correlator compares. Profiles are
// built once per discovery run from the catalog record and its events.
type Profile struct {
	AutomationID          string
	Platform              models.PlatformType
	RiskScore             float64
	AIProviderFingerprint string
	Schedule              *Schedule
	TopActions            []models.ActionType
	EventTimes            []time.Time
}

// BuildProfile derives the comparable facets from an automation and its
// event window. Events must be sorted by timestamp.
func BuildProfile(a *models.DiscoveredAutomation, platform models.PlatformType, events []models.ActivityEvent) Profile {
	p := Profile{
		AutomationID:          a.ID,
		Platform:              platform,
		RiskScore:             currentScore(a),
		AIProviderFingerprint: a.DetectionMetadata.AIProviderFingerprint,
		TopActions:            topActions(events, 3),
	}
	for _, ev := range events {
		p.EventTimes = append(p.EventTimes, ev.Timestamp)
	}
	p.Schedule = discoverSchedule(events)
	return p
}

func currentScore(a *models.DiscoveredAutomation) float64 {
	if entry := a.CurrentRisk(); entry != nil {
		return entry.Score
	}
	return 0
}

// aiProviderFp hashes the shared provider identity (client id or key
// suffix). Empty fingerprints never match.
func aiProviderFp(p Profile) string {
	if p.AIProviderFingerprint == "" {
		return ""
	}
	return "ai:" + shortHash(p.AIProviderFingerprint)
}

// timingFp quantizes the schedule: intervals round to the nearest hour
// when an hour or longer, to the nearest five minutes otherwise, and the
// phase hour is kept. Distinct schedules in the same hourly window match.
func timingFp(p Profile) string {
	if p.Schedule == nil {
		return ""
	}
	iv := p.Schedule.Interval
	var bucket string
	// Round to the nearest hour first so 58m and 61m land in the same
	// bucket; only sub-hour intervals after rounding use minute buckets.
	if hours := int((iv + 30*time.Minute) / time.Hour); hours >= 1 {
		bucket = fmt.Sprintf("%dh", hours)
	} else {
		bucket = fmt.Sprintf("%dm", int((iv+150*time.Second)/(5*time.Minute)*5))
	}
	return fmt.Sprintf("timing:%s@%02d", bucket, p.Schedule.PhaseHour)
}

// behaviorFp is the ordered top-3 action tuple.
func behaviorFp(p Profile) string {
	if len(p.TopActions) == 0 {
		return ""
	}
	parts := make([]string, len(p.TopActions))
	for i, a := range p.TopActions {
		parts[i] = string(a)
	}
	return "behavior:" + strings.Join(parts, ",")
}

// discoverSchedule looks for a regular cadence. Fewer than four events, or
// a gap spread wider than 20% of the mean, means no schedule.
func discoverSchedule(events []models.ActivityEvent) *Schedule {
	if len(events) < 4 {
		return nil
	}
	var gaps []float64
	for i := 1; i < len(events); i++ {
		gaps = append(gaps, events[i].Timestamp.Sub(events[i-1].Timestamp).Seconds())
	}
	var sum float64
	for _, g := range gaps {
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean <= 0 {
		return nil
	}
	for _, g := range gaps {
		if diff := g - mean; diff > mean*0.2 || diff < -mean*0.2 {
			return nil
		}
	}
	return &Schedule{
		Interval:  time.Duration(mean * float64(time.Second)),
		PhaseHour: events[0].Timestamp.UTC().Hour(),
	}
}

func topActions(events []models.ActivityEvent, n int) []models.ActionType {
	counts := make(map[models.ActionType]int)
	for _, ev := range events {
		counts[ev.ActionType]++
	}
	actions := make([]models.ActionType, 0, len(counts))
	for a := range counts {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool {
		if counts[actions[i]] != counts[actions[j]] {
			return counts[actions[i]] > counts[actions[j]]
		}
		return actions[i] < actions[j]
	})
	if len(actions) > n {
		actions = actions[:n]
	}
	return actions
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
