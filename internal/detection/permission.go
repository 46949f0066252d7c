package detection

import (
	"strings"

	"github.com/singura/singura/internal/models"
)

// PermissionEscalationDetector flags sequences of permission-class events
// whose scope strictly widens over the window. Lateral changes (same rank)
// never flag.
type PermissionEscalationDetector struct{}

func NewPermissionEscalationDetector() *PermissionEscalationDetector {
	return &PermissionEscalationDetector{}
}

func (d *PermissionEscalationDetector) Name() string { return "permission_escalation" }

func (d *PermissionEscalationDetector) Detect(w Window) []Finding {
	maxRank := 0
	maxScope := ""
	steps := 0
	var firstScope string

	for _, ev := range w.Events {
		switch ev.ActionType {
		case models.ActionPermissionChange, models.ActionACLChange, models.ActionSharing:
		default:
			continue
		}
		rank, scope := strongestScope(ev.ScopeHints)
		if rank == 0 {
			continue
		}
		if maxRank == 0 {
			maxRank, maxScope, firstScope = rank, scope, scope
			continue
		}
		if rank > maxRank {
			maxRank, maxScope = rank, scope
			steps++
		}
	}

	if steps == 0 {
		return nil
	}
	severity := SeverityHigh
	if maxRank >= rankAdmin {
		severity = SeverityCritical
	}
	return []Finding{{
		PatternType: "permission_escalation",
		Confidence:  clampConfidence(0.6 + 0.15*float64(steps)),
		Severity:    severity,
		Evidence: map[string]any{
			"from":  firstScope,
			"to":    maxScope,
			"steps": steps,
		},
	}}
}

const (
	rankRead  = 1
	rankWrite = 2
	rankAdmin = 3
)

// strongestScope ranks the widest scope hint on an event. Unknown hints
// rank zero and are ignored.
func strongestScope(hints []string) (int, string) {
	best := 0
	scope := ""
	for _, h := range hints {
		r := scopeRank(h)
		if r > best {
			best, scope = r, h
		}
	}
	return best, scope
}

func scopeRank(hint string) int {
	h := strings.ToLower(hint)
	switch {
	case strings.Contains(h, "admin") || strings.Contains(h, "owner") || strings.Contains(h, "full"):
		return rankAdmin
	case strings.Contains(h, "write") || strings.Contains(h, "edit") || strings.Contains(h, "manage"):
		return rankWrite
	case strings.Contains(h, "read") || strings.Contains(h, "view"):
		return rankRead
	default:
		return 0
	}
}
