package detection

import (
	"time"

	"github.com/singura/singura/internal/models"
)

// BatchDetector flags N similar actions on distinct resources inside a
// short spread. Humans touch one resource at a time; batch jobs fan out.
type BatchDetector struct {
	// MinCount is the smallest cluster size worth flagging.
	MinCount int
	// MaxSpread is the widest time a cluster may cover.
	MaxSpread time.Duration
}

func NewBatchDetector() *BatchDetector {
	return &BatchDetector{MinCount: 10, MaxSpread: 30 * time.Second}
}

func (d *BatchDetector) Name() string { return "batch_operation" }

func (d *BatchDetector) Detect(w Window) []Finding {
	byAction := make(map[models.ActionType][]models.ActivityEvent)
	for _, ev := range w.Events {
		byAction[ev.ActionType] = append(byAction[ev.ActionType], ev)
	}

	var findings []Finding
	for action, events := range byAction {
		if len(events) < d.MinCount {
			continue
		}
		// Events arrive sorted; slide a window over them looking for the
		// densest cluster touching distinct resources.
		best := 0
		lo := 0
		for hi := range events {
			for events[hi].Timestamp.Sub(events[lo].Timestamp) > d.MaxSpread {
				lo++
			}
			if n := distinctResources(events[lo : hi+1]); n > best {
				best = n
			}
		}
		if best < d.MinCount {
			continue
		}
		severity := SeverityMedium
		if best >= d.MinCount*5 {
			severity = SeverityHigh
		}
		findings = append(findings, Finding{
			PatternType: "batch_operation",
			Confidence:  clampConfidence(0.6 + 0.02*float64(best-d.MinCount)),
			Severity:    severity,
			Evidence: map[string]any{
				"actionType":        string(action),
				"distinctResources": best,
				"maxSpread":         d.MaxSpread.String(),
			},
		})
	}
	return findings
}

func distinctResources(events []models.ActivityEvent) int {
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.Resource == "" {
			continue
		}
		seen[ev.Resource] = struct{}{}
	}
	return len(seen)
}
