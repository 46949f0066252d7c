// Package models defines the canonical types shared across the Singura core:
// organizations, platform connections, discovered automations, activity events
// and risk history. Components communicate with these types only; platform
// specific payloads stay inside the connectors.
package models

import (
	"encoding/json"
	"time"
)

// PlatformType identifies a supported SaaS platform.
type PlatformType string

const (
	PlatformSlack     PlatformType = "slack"
	PlatformGoogle    PlatformType = "google"
	PlatformMicrosoft PlatformType = "microsoft"
)

// ConnectionStatus is the lifecycle state of a platform connection.
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionError    ConnectionStatus = "error"
	ConnectionInactive ConnectionStatus = "inactive"
)

// Organization is the root tenant boundary. Every query is scoped to one.
type Organization struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Domain         string    `json:"domain"`
	PlanTier       string    `json:"planTier"`
	MaxConnections int       `json:"maxConnections"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PlatformConnection is an organization's authenticated link to one SaaS
// platform. Credentials live in the encrypted credential store, keyed by
// connection id; they are never embedded here.
type PlatformConnection struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organizationId"`
	PlatformType   PlatformType     `json:"platformType"`
	PlatformUserID string           `json:"platformUserId"`
	WorkspaceID    string           `json:"workspaceId"`
	DisplayName    string           `json:"displayName"`
	Status         ConnectionStatus `json:"status"`
	LastError      string           `json:"lastError,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// OAuthCredentials is the plaintext credential set for a connection. It only
// exists in memory; at rest it is always AES-GCM encrypted.
type OAuthCredentials struct {
	AccessToken      string            `json:"accessToken"`
	RefreshToken     string            `json:"refreshToken,omitempty"`
	Scope            string            `json:"scope"`
	TokenType        string            `json:"tokenType"`
	ExpiresAt        *time.Time        `json:"expiresAt,omitempty"`
	PlatformSpecific map[string]string `json:"platformSpecific,omitempty"`
}

// Expired reports whether the access token expires within the given margin.
// Credentials without an expiry are assumed valid.
func (c *OAuthCredentials) Expired(margin time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Until(*c.ExpiresAt) <= margin
}

// RunStatus is the state of a discovery run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
)

// Terminal reports whether the status is final. Terminal states are immutable.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunPartial
}

// DiscoveryRun records one bounded discovery execution for a connection.
type DiscoveryRun struct {
	ID                   string     `json:"id"`
	OrganizationID       string     `json:"organizationId"`
	PlatformConnectionID string     `json:"platformConnectionId"`
	Status               RunStatus  `json:"status"`
	StartedAt            time.Time  `json:"startedAt"`
	FinishedAt           *time.Time `json:"finishedAt,omitempty"`
	ItemsFound           int        `json:"itemsFound"`
	Error                string     `json:"error,omitempty"`
}

// AutomationType classifies a discovered non-human actor.
type AutomationType string

const (
	AutomationBot            AutomationType = "bot"
	AutomationScript         AutomationType = "script"
	AutomationWorkflow       AutomationType = "workflow"
	AutomationIntegration    AutomationType = "integration"
	AutomationServiceAccount AutomationType = "service_account"
)

// DetectionMetadata carries detector-derived facts about an automation.
type DetectionMetadata struct {
	DetectionPatterns     []string `json:"detectionPatterns,omitempty"`
	AIProvider            string   `json:"aiProvider,omitempty"`
	AIProviderFingerprint string   `json:"aiProviderFingerprint,omitempty"`
	LegitimacyScore       *float64 `json:"legitimacyScore,omitempty"`
	VerifiedPublisher     bool     `json:"verifiedPublisher,omitempty"`
	WellKnownIntegration  bool     `json:"wellKnownIntegration,omitempty"`
}

// DiscoveredAutomation is the canonical record for one automation actor.
// Identity is (organizationId, platformConnectionId, externalId); ID is the
// UUID used for all internal references and the only id exposed in URLs.
type DiscoveredAutomation struct {
	ID                   string            `json:"id"`
	OrganizationID       string            `json:"organizationId"`
	PlatformConnectionID string            `json:"platformConnectionId"`
	DiscoveryRunID       string            `json:"discoveryRunId"`
	ExternalID           string            `json:"externalId"`
	Name                 string            `json:"name"`
	Description          string            `json:"description,omitempty"`
	AutomationType       AutomationType    `json:"automationType"`
	PlatformMetadata     json.RawMessage   `json:"platformMetadata,omitempty"`
	DetectionMetadata    DetectionMetadata `json:"detectionMetadata"`
	PermissionsRequired  []string          `json:"permissionsRequired,omitempty"`
	RiskScoreHistory     []RiskScoreEntry  `json:"riskScoreHistory"`
	FirstDiscoveredAt    time.Time         `json:"firstDiscoveredAt"`
	LastTriggeredAt      *time.Time        `json:"lastTriggeredAt,omitempty"`
}

// CurrentRisk returns the most recent risk entry, or nil for a record that has
// not been scored yet (which the store never persists).
func (a *DiscoveredAutomation) CurrentRisk() *RiskScoreEntry {
	if len(a.RiskScoreHistory) == 0 {
		return nil
	}
	return &a.RiskScoreHistory[len(a.RiskScoreHistory)-1]
}

// RiskLevel buckets a numeric score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
	// RiskUnknown marks data we could not classify, such as an OAuth
	// scope missing from the scope library.
	RiskUnknown RiskLevel = "unknown"
)

// LevelForScore maps a 0-100 score to its level bucket.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score < 30:
		return RiskLow
	case score < 60:
		return RiskMedium
	case score < 85:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// RiskTrigger explains why a risk entry was appended.
type RiskTrigger string

const (
	TriggerInitialDiscovery   RiskTrigger = "initial_discovery"
	TriggerActivitySpike      RiskTrigger = "activity_spike"
	TriggerPermissionChange   RiskTrigger = "permission_change"
	TriggerDetectorUpdate     RiskTrigger = "detector_update"
	TriggerManualReassessment RiskTrigger = "manual_reassessment"
)

// RiskFactor is one named, signed contribution to a score. Negative scores
// reduce risk (verified publishers, marketplace vetting).
type RiskFactor struct {
	Type        string  `json:"type"`
	Score       float64 `json:"score"`
	Description string  `json:"description,omitempty"`
}

// RiskScoreEntry is one append-only point in an automation's risk history.
type RiskScoreEntry struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	Score       float64      `json:"score"`
	Level       RiskLevel    `json:"level"`
	Factors     []RiskFactor `json:"factors"`
	Trigger     RiskTrigger  `json:"trigger"`
	RapidChange bool         `json:"rapidChange,omitempty"`
}

// CorrelationSignal names the evidence class behind a cross-platform link.
type CorrelationSignal string

const (
	SignalAIProvider CorrelationSignal = "ai_provider"
	SignalTiming     CorrelationSignal = "timing"
	SignalBehavior   CorrelationSignal = "behavior"
	SignalDataFlow   CorrelationSignal = "data_flow"
)

// CorrelationLink ties automations on different platforms that share a
// fingerprint. Automations are referenced by id; the link never owns them.
type CorrelationLink struct {
	ID            string              `json:"id"`
	OrganizationID string             `json:"organizationId"`
	Fingerprint   string              `json:"fingerprint"`
	AutomationIDs []string            `json:"automationIds"`
	Signals       []CorrelationSignal `json:"signals"`
	Confidence    float64             `json:"confidence"`
	AggregateRisk float64             `json:"aggregateRisk"`
	CreatedAt     time.Time           `json:"createdAt"`
}

// ActionType is the canonical activity vocabulary all connectors map into.
type ActionType string

const (
	ActionFileCreate       ActionType = "file_create"
	ActionFileEdit         ActionType = "file_edit"
	ActionFileShare        ActionType = "file_share"
	ActionPermissionChange ActionType = "permission_change"
	ActionEmailSend        ActionType = "email_send"
	ActionScriptExecution  ActionType = "script_execution"
	ActionACLChange        ActionType = "acl_change"
	ActionSharing          ActionType = "sharing"
	ActionDataExfiltration ActionType = "data_exfiltration"
)

// ActivityEvent is one normalized platform action attributed to an actor.
// Connectors drop events that would violate the non-null id/timestamp rule
// instead of propagating them.
type ActivityEvent struct {
	ExternalActorID string     `json:"externalActorId"`
	ActionType      ActionType `json:"actionType"`
	Timestamp       time.Time  `json:"timestamp"`
	Resource        string     `json:"resource,omitempty"`
	ScopeHints      []string   `json:"scopeHints,omitempty"`
	Bytes           int64      `json:"bytes,omitempty"`
	UserAgent       string     `json:"userAgent,omitempty"`
	TargetURL       string     `json:"targetUrl,omitempty"`
}

// Prediction is the binary outcome a detector commits to for the quality loop.
type Prediction string

const (
	PredictedMalicious  Prediction = "malicious"
	PredictedLegitimate Prediction = "legitimate"
)

// DetectionResult is the quality-loop output of one detector over one window.
type DetectionResult struct {
	AutomationID string     `json:"automationId"`
	Predicted    Prediction `json:"predicted"`
	Confidence   float64    `json:"confidence"`
	DetectorName string     `json:"detectorName"`
	Timestamp    time.Time  `json:"timestamp"`
}

// DetectorBaseline is one versioned quality snapshot for a detector.
// Baselines below the primary sample floor are recorded but flagged.
type DetectorBaseline struct {
	ID           string    `json:"id"`
	DetectorName string    `json:"detectorName"`
	Version      int       `json:"version"`
	Precision    float64   `json:"precision"`
	Recall       float64   `json:"recall"`
	F1           float64   `json:"f1"`
	SampleSize   int       `json:"sampleSize"`
	Provisional  bool      `json:"provisional,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AuditLogEntry is one business-level audit record. Timestamp is the event
// time; CreatedAt is the row insertion time. They are distinct columns and
// both required.
type AuditLogEntry struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	Action         string          `json:"action"`
	Timestamp      time.Time       `json:"timestamp"`
	CreatedAt      time.Time       `json:"createdAt"`
	Details        json.RawMessage `json:"details,omitempty"`
}
