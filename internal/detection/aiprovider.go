package detection

import "strings"

// aiProvider describes one known AI vendor. Domain matches are specific and
// score high; user-agent substrings are weaker evidence.
type aiProvider struct {
	name       string
	domains    []string
	userAgents []string
}

var knownAIProviders = []aiProvider{
	{
		name:       "openai",
		domains:    []string{"api.openai.com", "openai.com"},
		userAgents: []string{"openai", "chatgpt"},
	},
	{
		name:       "anthropic",
		domains:    []string{"api.anthropic.com", "anthropic.com"},
		userAgents: []string{"anthropic", "claude"},
	},
	{
		name:       "google",
		domains:    []string{"generativelanguage.googleapis.com", "aiplatform.googleapis.com"},
		userAgents: []string{"gemini", "google-genai"},
	},
}

const (
	domainMatchConfidence    = 0.9
	userAgentMatchConfidence = 0.7
)

// AIProviderDetector flags automations talking to known AI vendors by URL
// or user-agent.
type AIProviderDetector struct{}

func NewAIProviderDetector() *AIProviderDetector { return &AIProviderDetector{} }

func (d *AIProviderDetector) Name() string { return "ai_provider" }

func (d *AIProviderDetector) Detect(w Window) []Finding {
	// One finding per provider, keeping the strongest match.
	best := make(map[string]Finding)
	for _, ev := range w.Events {
		for _, p := range knownAIProviders {
			confidence, matchedOn := p.match(ev.TargetURL, ev.UserAgent)
			if confidence == 0 {
				continue
			}
			existing, ok := best[p.name]
			if ok && existing.Confidence >= confidence {
				continue
			}
			best[p.name] = Finding{
				PatternType: "ai_provider",
				Confidence:  confidence,
				Severity:    SeverityMedium,
				Evidence: map[string]any{
					"provider":  p.name,
					"matchedOn": matchedOn,
					"identity":  p.identity(ev.UserAgent),
				},
			}
		}
	}
	if len(best) == 0 {
		return nil
	}
	out := make([]Finding, 0, len(best))
	for _, f := range best {
		out = append(out, f)
	}
	return out
}

// identity is the correlatable caller identity: the provider plus the
// client string the traffic carried. Two automations running the same
// integration against the same vendor share it across platforms.
func (p aiProvider) identity(userAgent string) string {
	if ua := strings.ToLower(strings.TrimSpace(userAgent)); ua != "" {
		return p.name + ":" + ua
	}
	return p.name
}

func (p aiProvider) match(targetURL, userAgent string) (float64, string) {
	lowered := strings.ToLower(targetURL)
	for _, domain := range p.domains {
		if strings.Contains(lowered, domain) {
			return domainMatchConfidence, "domain"
		}
	}
	ua := strings.ToLower(userAgent)
	for _, fragment := range p.userAgents {
		if strings.Contains(ua, fragment) {
			return userAgentMatchConfidence, "user_agent"
		}
	}
	return 0, ""
}
