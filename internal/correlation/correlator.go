package correlation

import (
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/singura/singura/internal/models"
)

// Confidence priors per signal class. The bonus is added once per extra
// matching signal; the cap keeps stacked evidence short of certainty.
var defaultPriors = map[models.CorrelationSignal]float64{
	models.SignalAIProvider: 0.6,
	models.SignalTiming:     0.5,
	models.SignalBehavior:   0.45,
	models.SignalDataFlow:   0.85,
}

const (
	extraSignalBonus = 0.15
	confidenceCap    = 0.95

	// Shared AI accounts are common across teams; provider identity alone
	// stays at medium confidence.
	aiProviderAloneCap = 0.6

	// data_flow chains require this many A-then-B occurrences within the
	// chain window.
	dataFlowMinChains = 3
	dataFlowWindow    = 5 * time.Minute

	// Aggregate risk bonus per platform beyond the first.
	perPlatformBonus = 5.0
)

// Correlator forms cross-platform links from automation profiles.
type Correlator struct {
	priors map[models.CorrelationSignal]float64
}

func NewCorrelator() *Correlator {
	return &Correlator{priors: defaultPriors}
}

// Correlate compares every cross-platform pair of profiles and returns the
// links whose fingerprints match. Same-platform pairs never link.
func (c *Correlator) Correlate(organizationID string, profiles []Profile) []*models.CorrelationLink {
	var links []*models.CorrelationLink
	for i := 0; i < len(profiles); i++ {
		for j := i + 1; j < len(profiles); j++ {
			a, b := profiles[i], profiles[j]
			if a.Platform == b.Platform {
				continue
			}
			if link := c.linkFor(organizationID, a, b); link != nil {
				links = append(links, link)
			}
		}
	}
	return links
}

func (c *Correlator) linkFor(organizationID string, a, b Profile) *models.CorrelationLink {
	var signals []models.CorrelationSignal

	if fp := aiProviderFp(a); fp != "" && fp == aiProviderFp(b) {
		signals = append(signals, models.SignalAIProvider)
	}
	if fp := timingFp(a); fp != "" && fp == timingFp(b) {
		signals = append(signals, models.SignalTiming)
	}
	if fp := behaviorFp(a); fp != "" && fp == behaviorFp(b) {
		signals = append(signals, models.SignalBehavior)
	}
	if hasTemporalChain(a.EventTimes, b.EventTimes) {
		signals = append(signals, models.SignalDataFlow)
	}
	if len(signals) == 0 {
		return nil
	}

	link := &models.CorrelationLink{
		ID:             ulid.Make().String(),
		OrganizationID: organizationID,
		Fingerprint:    pairFingerprint(a.AutomationID, b.AutomationID),
		AutomationIDs:  []string{a.AutomationID, b.AutomationID},
		Signals:        signals,
		Confidence:     c.confidence(signals),
		AggregateRisk:  aggregateRisk([]Profile{a, b}),
		CreatedAt:      time.Now().UTC(),
	}
	log.Debug().
		Str("organizationID", organizationID).
		Strs("automationIDs", link.AutomationIDs).
		Float64("confidence", link.Confidence).
		Msg("Cross-platform link formed")
	return link
}

// confidence is the strongest matching prior plus a bonus per additional
// signal. A lone ai_provider match never exceeds medium confidence.
func (c *Correlator) confidence(signals []models.CorrelationSignal) float64 {
	best := 0.0
	for _, s := range signals {
		if p := c.priors[s]; p > best {
			best = p
		}
	}
	conf := best + extraSignalBonus*float64(len(signals)-1)
	if conf > confidenceCap {
		conf = confidenceCap
	}
	if len(signals) == 1 && signals[0] == models.SignalAIProvider && conf > aiProviderAloneCap {
		conf = aiProviderAloneCap
	}
	return conf
}

// hasTemporalChain reports whether b's activity repeatedly follows a's
// within the chain window, in either direction.
func hasTemporalChain(a, b []time.Time) bool {
	return directedChains(a, b) >= dataFlowMinChains || directedChains(b, a) >= dataFlowMinChains
}

func directedChains(from, to []time.Time) int {
	chains := 0
	j := 0
	for _, t0 := range from {
		for j < len(to) && !to[j].After(t0) {
			j++
		}
		if j < len(to) && to[j].Sub(t0) <= dataFlowWindow {
			chains++
			j++
		}
	}
	return chains
}

// aggregateRisk is the maximum constituent risk plus a bonus per extra
// platform, capped at 100.
func aggregateRisk(profiles []Profile) float64 {
	maxRisk := 0.0
	platforms := make(map[models.PlatformType]struct{})
	for _, p := range profiles {
		if p.RiskScore > maxRisk {
			maxRisk = p.RiskScore
		}
		platforms[p.Platform] = struct{}{}
	}
	risk := maxRisk + perPlatformBonus*float64(len(platforms)-1)
	if risk > 100 {
		risk = 100
	}
	return risk
}

// pairFingerprint identifies a link independently of discovery order so
// repeated runs upsert instead of duplicating.
func pairFingerprint(ids ...string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return "link:" + shortHash(strings.Join(sorted, "|"))
}
