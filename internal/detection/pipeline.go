package detection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/singura/singura/internal/metrics"
	"github.com/singura/singura/internal/models"
)

// Factor type names the risk engine keys its trigger classification on.
const (
	FactorActivity   = "activity"
	FactorPermission = "permission"
	FactorAIProvider = "ai_provider"
	FactorDataVolume = "data_volume"
)

// Negative factors applied from catalog metadata; vetting reduces risk.
const (
	factorVerifiedPublisher   = "verified_publisher"
	factorMarketplaceVerified = "marketplace_verified"
	vettingCredit             = -30.0
)

// Outcome is what one pipeline pass produces for one automation: quality
// predictions per detector, a fused factor bundle for the risk engine, the
// matched pattern names, and the AI provider identity when traffic to a
// known vendor was seen.
type Outcome struct {
	Results               []models.DetectionResult
	Factors               []models.RiskFactor
	Patterns              []string
	AIProvider            string
	AIProviderFingerprint string
}

// Pipeline fans a window out to every detector and fuses the findings.
// A panicking detector is recovered, logged and counted; the rest continue.
type Pipeline struct {
	detectors []Detector
}

// NewPipeline builds the standard detector set.
func NewPipeline(loc *time.Location) *Pipeline {
	return &Pipeline{detectors: []Detector{
		NewVelocityDetector(),
		NewBatchDetector(),
		NewOffHoursDetector(loc),
		NewIntervalDetector(),
		NewAIProviderDetector(),
		NewPermissionEscalationDetector(),
		NewDataVolumeDetector(0),
	}}
}

// NewPipelineWith builds a pipeline over an explicit detector set.
func NewPipelineWith(detectors ...Detector) *Pipeline {
	return &Pipeline{detectors: detectors}
}

// Run executes all detectors over the window. Detectors see the same
// immutable snapshot and run concurrently.
func (p *Pipeline) Run(ctx context.Context, w Window) Outcome {
	now := time.Now()
	findings := make(map[string][]Finding, len(p.detectors))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, d := range p.detectors {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(d Detector) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					metrics.DetectorFailures.WithLabelValues(d.Name()).Inc()
					log.Error().
						Str("detector", d.Name()).
						Str("automationID", w.Automation.ID).
						Interface("panic", r).
						Msg("Detector panicked, skipping")
				}
			}()
			hits := d.Detect(w)
			mu.Lock()
			findings[d.Name()] = hits
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	out := Outcome{}
	for _, d := range p.detectors {
		hits, ran := findings[d.Name()]
		if !ran {
			// Panicked detectors contribute no prediction at all.
			continue
		}
		out.Results = append(out.Results, resultFor(d.Name(), w.Automation.ID, hits, now))
		for _, f := range hits {
			out.Patterns = append(out.Patterns, f.PatternType)
		}
	}
	sort.Strings(out.Patterns)
	out.Patterns = dedupe(out.Patterns)
	out.Factors = fuseFactors(w.Automation, findings)
	out.AIProvider, out.AIProviderFingerprint = aiIdentity(findings)
	return out
}

// aiIdentity extracts the strongest ai_provider match so the caller can
// persist a correlatable identity.
func aiIdentity(findings map[string][]Finding) (provider, fingerprint string) {
	var best float64
	for _, hits := range findings {
		for _, f := range hits {
			if f.PatternType != "ai_provider" || f.Confidence <= best {
				continue
			}
			p, _ := f.Evidence["provider"].(string)
			id, _ := f.Evidence["identity"].(string)
			if p == "" {
				continue
			}
			if id == "" {
				id = p
			}
			best = f.Confidence
			provider, fingerprint = p, id
		}
	}
	return provider, fingerprint
}

func resultFor(detector, automationID string, hits []Finding, now time.Time) models.DetectionResult {
	result := models.DetectionResult{
		AutomationID: automationID,
		Predicted:    models.PredictedLegitimate,
		Confidence:   1,
		DetectorName: detector,
		Timestamp:    now,
	}
	for _, f := range hits {
		if result.Predicted == models.PredictedLegitimate || f.Confidence > result.Confidence {
			result.Predicted = models.PredictedMalicious
			result.Confidence = f.Confidence
		}
	}
	return result
}

// fuseFactors condenses all findings into one signed factor per concern,
// then applies the catalog's vetting credits.
func fuseFactors(automation *models.DiscoveredAutomation, findings map[string][]Finding) []models.RiskFactor {
	contribution := map[string]float64{}
	patterns := map[string][]string{}

	for _, hits := range findings {
		for _, f := range hits {
			factor := factorForPattern(f.PatternType)
			score := severityWeight(f.Severity) * f.Confidence
			if score > contribution[factor] {
				contribution[factor] = score
			}
			patterns[factor] = append(patterns[factor], f.PatternType)
		}
	}

	var factors []models.RiskFactor
	for _, factor := range []string{FactorActivity, FactorPermission, FactorAIProvider, FactorDataVolume} {
		score, ok := contribution[factor]
		if !ok {
			continue
		}
		names := dedupe(patterns[factor])
		sort.Strings(names)
		factors = append(factors, models.RiskFactor{
			Type:        factor,
			Score:       score,
			Description: fmt.Sprintf("patterns: %s", strings.Join(names, ", ")),
		})
	}

	if automation.DetectionMetadata.VerifiedPublisher {
		factors = append(factors, models.RiskFactor{
			Type:        factorVerifiedPublisher,
			Score:       vettingCredit,
			Description: "publisher identity verified by the platform",
		})
	}
	if automation.DetectionMetadata.WellKnownIntegration {
		factors = append(factors, models.RiskFactor{
			Type:        factorMarketplaceVerified,
			Score:       vettingCredit,
			Description: "listed in the platform marketplace",
		})
	}
	return factors
}

func factorForPattern(patternType string) string {
	switch patternType {
	case "permission_escalation":
		return FactorPermission
	case "ai_provider":
		return FactorAIProvider
	case "data_volume":
		return FactorDataVolume
	default:
		return FactorActivity
	}
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
