// Package realtime fans typed events out to websocket subscribers grouped
// by organization room. Delivery is best-effort at-most-once: slow clients
// drop messages rather than slowing producers, and nothing is replayed on
// reconnect.
package realtime

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Message types carried on the bus.
const (
	TypeConnectionUpdate     = "connection.update"
	TypeDiscoveryProgress    = "discovery.progress"
	TypeAutomationDiscovered = "automation.discovered"
	TypeRiskScoreUpdated     = "risk.score_updated"
	TypeRiskHighAlert        = "risk.high_alert"
	TypeSystemNotification   = "system.notification"
)

// Message is the discriminated envelope every broadcast uses. Payload must
// be the struct matching Type; anything else fails validation and is
// dropped before it reaches a socket.
type Message struct {
	Type      string    `json:"type" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Payload   any       `json:"payload" validate:"required"`
}

type ConnectionUpdatePayload struct {
	ConnectionID string `json:"connectionId" validate:"required"`
	Status       string `json:"status" validate:"required,oneof=active inactive error expired"`
	Platform     string `json:"platform" validate:"required"`
}

type DiscoveryProgressPayload struct {
	ConnectionID string  `json:"connectionId" validate:"required"`
	Progress     float64 `json:"progress" validate:"min=0,max=100"`
	Status       string  `json:"status" validate:"required"`
	ItemsFound   int     `json:"itemsFound" validate:"min=0"`
}

type AutomationDiscoveredPayload struct {
	AutomationID      string `json:"automationId" validate:"required"`
	Name              string `json:"name" validate:"required"`
	Platform          string `json:"platform" validate:"required"`
	RiskLevel         string `json:"riskLevel" validate:"required,oneof=low medium high critical"`
	DetectionMetadata any    `json:"detection_metadata,omitempty"`
}

type RiskScoreUpdatedPayload struct {
	AutomationID string  `json:"automationId" validate:"required"`
	OldScore     float64 `json:"oldScore" validate:"min=0,max=100"`
	NewScore     float64 `json:"newScore" validate:"min=0,max=100"`
	Reason       string  `json:"reason" validate:"required"`
}

type RiskHighAlertPayload struct {
	AutomationID      string   `json:"automationId" validate:"required"`
	RiskScore         float64  `json:"riskScore" validate:"min=0,max=100"`
	RiskLevel         string   `json:"riskLevel" validate:"required,oneof=high critical"`
	DetectionPatterns []string `json:"detectionPatterns"`
}

type SystemNotificationPayload struct {
	Level   string `json:"level" validate:"required,oneof=info warning error"`
	Message string `json:"message" validate:"required"`
}

// Auth frames exchanged before a socket joins its room.
type authFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token"`
	OrganizationID string `json:"organizationId"`
}

type authenticatedFrame struct {
	Type           string `json:"type"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
}

type authErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

var validate = validator.New()

// Validate checks the envelope and its payload against the schema for the
// declared type. Unknown types and payload mismatches are schema errors.
func (m Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return err
	}
	switch m.Type {
	case TypeConnectionUpdate:
		return payloadAs[ConnectionUpdatePayload](m)
	case TypeDiscoveryProgress:
		return payloadAs[DiscoveryProgressPayload](m)
	case TypeAutomationDiscovered:
		return payloadAs[AutomationDiscoveredPayload](m)
	case TypeRiskScoreUpdated:
		return payloadAs[RiskScoreUpdatedPayload](m)
	case TypeRiskHighAlert:
		return payloadAs[RiskHighAlertPayload](m)
	case TypeSystemNotification:
		return payloadAs[SystemNotificationPayload](m)
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}

func payloadAs[T any](m Message) error {
	payload, ok := m.Payload.(T)
	if !ok {
		return fmt.Errorf("payload for %s is %T", m.Type, m.Payload)
	}
	return validate.Struct(payload)
}

func newMessage(msgType string, payload any) Message {
	return Message{Type: msgType, Timestamp: time.Now().UTC(), Payload: payload}
}
