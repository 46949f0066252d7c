// Package api exposes the REST surface and the websocket upgrade
// endpoint. Handlers read the organization id from the X-Organization-ID
// header; end-user authentication happens upstream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/singura/singura/internal/audit"
	"github.com/singura/singura/internal/discovery"
	"github.com/singura/singura/internal/models"
	"github.com/singura/singura/internal/risk"
	"github.com/singura/singura/internal/storage"
)

const orgHeader = "X-Organization-ID"

// Runner starts discovery runs; the orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, connectionID string) (*models.DiscoveryRun, error)
}

// Server wires the HTTP surface over the core components.
type Server struct {
	store   *storage.Store
	scopes  *ScopeLibrary
	engine  *risk.Engine
	auditor *audit.Logger
	runner  Runner
	ws      http.HandlerFunc
}

func NewServer(store *storage.Store, scopes *ScopeLibrary, engine *risk.Engine, auditor *audit.Logger, runner Runner, ws http.HandlerFunc) *Server {
	return &Server{store: store, scopes: scopes, engine: engine, auditor: auditor, runner: runner, ws: ws}
}

// Routes builds the mux. Path parameters use the stdlib pattern syntax.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/automations", s.handleListAutomations)
	mux.HandleFunc("GET /api/automations/{id}/details", s.handleAutomationDetails)
	mux.HandleFunc("POST /api/automations/{id}/reassess", s.handleReassess)
	mux.HandleFunc("POST /api/connections/{id}/discover", s.handleDiscover)
	if s.ws != nil {
		mux.HandleFunc("GET /ws", s.ws)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// automationView is the list/detail shape. The UUID is the only id at the
// top level; platform identifiers live under metadata.
type automationView struct {
	ID                string                   `json:"id"`
	Name              string                   `json:"name"`
	Description       string                   `json:"description,omitempty"`
	AutomationType    models.AutomationType    `json:"automationType"`
	RiskScore         float64                  `json:"riskScore"`
	RiskLevel         models.RiskLevel         `json:"riskLevel"`
	FirstDiscoveredAt time.Time                `json:"firstDiscoveredAt"`
	Metadata          automationViewMetadata   `json:"metadata"`
	DetectionMetadata models.DetectionMetadata `json:"detectionMetadata"`
}

type automationViewMetadata struct {
	ExternalID           string          `json:"external_id"`
	PlatformConnectionID string          `json:"platformConnectionId"`
	Platform             json.RawMessage `json:"platform,omitempty"`
}

func viewOf(a *models.DiscoveredAutomation) automationView {
	view := automationView{
		ID:                a.ID,
		Name:              a.Name,
		Description:       a.Description,
		AutomationType:    a.AutomationType,
		RiskLevel:         models.RiskLow,
		FirstDiscoveredAt: a.FirstDiscoveredAt,
		Metadata: automationViewMetadata{
			ExternalID:           a.ExternalID,
			PlatformConnectionID: a.PlatformConnectionID,
			Platform:             a.PlatformMetadata,
		},
		DetectionMetadata: a.DetectionMetadata,
	}
	if entry := a.CurrentRisk(); entry != nil {
		view.RiskScore = entry.Score
		view.RiskLevel = entry.Level
	}
	return view
}

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	orgID := r.Header.Get(orgHeader)
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "missing organization header")
		return
	}
	automations, err := s.store.ListAutomations(orgID)
	if err != nil {
		log.Error().Err(err).Str("organizationID", orgID).Msg("Listing automations failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]automationView, 0, len(automations))
	for _, a := range automations {
		views = append(views, viewOf(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"automations": views})
}

type detailsResponse struct {
	automationView
	Permissions  []EnrichedScope `json:"permissions"`
	RiskAnalysis riskAnalysis    `json:"riskAnalysis"`
}

type riskAnalysis struct {
	OverallRisk  models.RiskLevel `json:"overallRisk"`
	CurrentScore float64          `json:"currentScore"`
	Trend        *risk.Trend      `json:"trend,omitempty"`
}

func (s *Server) handleAutomationDetails(w http.ResponseWriter, r *http.Request) {
	orgID := r.Header.Get(orgHeader)
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "missing organization header")
		return
	}

	// Only the canonical UUID identifies an automation here. Platform
	// external ids are metadata and must 404.
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "automation not found")
		return
	}

	a, err := s.store.GetAutomation(orgID, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "automation not found")
		return
	}

	permissions, overall := s.scopes.Enrich(a.PermissionsRequired)
	trend, err := s.engine.TrendOver(a.ID, 30*24*time.Hour)
	if err != nil {
		log.Warn().Err(err).Str("automationID", a.ID).Msg("Trend query failed")
	}

	resp := detailsResponse{
		automationView: viewOf(a),
		Permissions:    permissions,
		RiskAnalysis: riskAnalysis{
			OverallRisk: overall,
			Trend:       trend,
		},
	}
	if entry := a.CurrentRisk(); entry != nil {
		resp.RiskAnalysis.CurrentScore = entry.Score
	}
	writeJSON(w, http.StatusOK, resp)
}

type reassessRequest struct {
	UserID  string              `json:"userId"`
	Factors []models.RiskFactor `json:"factors"`
}

func (s *Server) handleReassess(w http.ResponseWriter, r *http.Request) {
	orgID := r.Header.Get(orgHeader)
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "missing organization header")
		return
	}
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "automation not found")
		return
	}
	a, err := s.store.GetAutomation(orgID, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "automation not found")
		return
	}

	var req reassessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Factors) == 0 {
		writeError(w, http.StatusBadRequest, "factors required")
		return
	}

	entry, err := s.engine.Reassess(a, req.Factors, models.TriggerManualReassessment, nil)
	if err != nil {
		log.Error().Err(err).Str("automationID", a.ID).Msg("Manual reassessment failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if auditErr := s.auditor.Record(orgID, req.UserID, "automation.reassessed", time.Now().UTC(), map[string]any{
		"automationId": a.ID,
		"newScore":     entry.Score,
		"newLevel":     entry.Level,
	}); auditErr != nil {
		log.Error().Err(auditErr).Msg("Audit write failed")
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	orgID := r.Header.Get(orgHeader)
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "missing organization header")
		return
	}
	connectionID := r.PathValue("id")
	conn, err := s.store.GetConnection(connectionID)
	if err != nil || conn.OrganizationID != orgID {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}

	go func() {
		if _, err := s.runner.Run(context.Background(), connectionID); err != nil {
			if errors.Is(err, discovery.ErrRunInProgress) {
				return
			}
			log.Error().Err(err).Str("connectionID", connectionID).Msg("Discovery run failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "connectionId": connectionID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
