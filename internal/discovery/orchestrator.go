// Package discovery runs bounded discovery executions: enumerate a
// connection's automations, ingest its activity window, feed detection and
// risk scoring, and correlate across the organization's platforms.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/singura/singura/internal/connectors"
	"github.com/singura/singura/internal/correlation"
	"github.com/singura/singura/internal/detection"
	apperrors "github.com/singura/singura/internal/errors"
	"github.com/singura/singura/internal/metrics"
	"github.com/singura/singura/internal/models"
	"github.com/singura/singura/internal/risk"
	"github.com/singura/singura/internal/storage"
)

// ErrRunInProgress is returned when a run is requested for a connection
// that already has one executing.
var ErrRunInProgress = errors.New("discovery run already in progress for connection")

// CredentialSource yields valid credentials for a connection, refreshing
// when needed. A nil, nil return means the connection has no usable
// credentials.
type CredentialSource interface {
	GetValid(ctx context.Context, connectionID string) (*models.OAuthCredentials, error)
}

// Events is the progress surface the orchestrator reports through.
type Events interface {
	NotifyDiscoveryProgress(organizationID, connectionID string, progress float64, status models.RunStatus, itemsFound int)
	NotifyAutomationDiscovered(organizationID string, platform models.PlatformType, a *models.DiscoveredAutomation)
}

// Orchestrator executes discovery runs: one at a time per connection,
// bounded across connections by a worker pool.
type Orchestrator struct {
	store      *storage.Store
	creds      CredentialSource
	connectors map[models.PlatformType]connectors.Connector
	pipeline   *detection.Pipeline
	engine     *risk.Engine
	correlator *correlation.Correlator
	events     Events
	pool       *semaphore.Weighted
	window     time.Duration

	mu     sync.Mutex
	active map[string]bool
}

func NewOrchestrator(store *storage.Store, creds CredentialSource, conns map[models.PlatformType]connectors.Connector,
	pipeline *detection.Pipeline, engine *risk.Engine, correlator *correlation.Correlator,
	events Events, workers int64, window time.Duration) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		store:      store,
		creds:      creds,
		connectors: conns,
		pipeline:   pipeline,
		engine:     engine,
		correlator: correlator,
		events:     events,
		pool:       semaphore.NewWeighted(workers),
		window:     window,
		active:     make(map[string]bool),
	}
}

// Run executes one discovery run for the connection and blocks until it
// reaches a terminal state. A second concurrent call for the same
// connection fails immediately with ErrRunInProgress.
func (o *Orchestrator) Run(ctx context.Context, connectionID string) (*models.DiscoveryRun, error) {
	if !o.claim(connectionID) {
		return nil, ErrRunInProgress
	}
	defer o.release(connectionID)

	if err := o.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.pool.Release(1)

	conn, err := o.store.GetConnection(connectionID)
	if err != nil {
		return nil, err
	}

	run := &models.DiscoveryRun{
		ID:                   uuid.NewString(),
		OrganizationID:       conn.OrganizationID,
		PlatformConnectionID: conn.ID,
		Status:               models.RunQueued,
		StartedAt:            time.Now().UTC(),
	}
	if err := o.store.CreateRun(run); err != nil {
		return nil, err
	}

	status, itemsFound, runErr := o.execute(ctx, conn, run)
	if err := o.store.FinishRun(run.ID, status, itemsFound, errString(runErr)); err != nil {
		log.Error().Err(err).Str("runID", run.ID).Msg("Failed to finalize discovery run")
	}
	metrics.DiscoveryRuns.WithLabelValues(string(status)).Inc()
	o.events.NotifyDiscoveryProgress(conn.OrganizationID, conn.ID, 100, status, itemsFound)

	run.Status = status
	run.ItemsFound = itemsFound
	run.Error = errString(runErr)
	now := time.Now().UTC()
	run.FinishedAt = &now

	log.Info().
		Str("runID", run.ID).
		Str("connectionID", conn.ID).
		Str("status", string(status)).
		Int("itemsFound", itemsFound).
		Msg("Discovery run finished")
	return run, runErr
}

func (o *Orchestrator) execute(ctx context.Context, conn *models.PlatformConnection, run *models.DiscoveryRun) (models.RunStatus, int, error) {
	if err := o.store.TransitionRun(run.ID, models.RunRunning); err != nil {
		return models.RunFailed, 0, err
	}
	o.events.NotifyDiscoveryProgress(conn.OrganizationID, conn.ID, 0, models.RunRunning, 0)

	creds, err := o.creds.GetValid(ctx, conn.ID)
	if err != nil {
		return models.RunFailed, 0, fmt.Errorf("connection %s: %w", conn.ID, err)
	}
	if creds == nil {
		return models.RunFailed, 0, fmt.Errorf("connection %s: %w", conn.ID, apperrors.ErrCredentialsMissing)
	}

	connector, ok := o.connectors[conn.PlatformType]
	if !ok {
		return models.RunFailed, 0, fmt.Errorf("no connector for platform %s", conn.PlatformType)
	}

	automations, listErr := connector.ListAutomations(ctx, conn, creds)
	if listErr != nil && len(automations) == 0 {
		if ctx.Err() != nil {
			return models.RunFailed, 0, fmt.Errorf("cancelled")
		}
		return models.RunFailed, 0, listErr
	}
	o.events.NotifyDiscoveryProgress(conn.OrganizationID, conn.ID, 50, models.RunRunning, len(automations))

	until := time.Now().UTC()
	since := until.Add(-o.window)
	// Incremental runs only need activity since the previous completed run.
	if last, ok, err := o.store.LastCompletedRunTime(conn.ID); err != nil {
		log.Warn().Err(err).Str("connectionID", conn.ID).Msg("Failed to look up last completed run, using full window")
	} else if ok && last.After(since) {
		since = last
	}
	eventsByActor, streamErr := o.collectActivity(ctx, connector, conn, creds, since, until)

	if ctx.Err() != nil {
		// No partial risk history on cancellation.
		return models.RunFailed, 0, fmt.Errorf("cancelled")
	}

	var profiles []correlation.Profile
	for _, a := range automations {
		a.DiscoveryRunID = run.ID
		created, err := o.store.UpsertAutomation(a)
		if err != nil {
			return models.RunFailed, 0, err
		}

		window := detection.NewWindow(a, eventsByActor[a.ExternalID], since, until)
		outcome := o.pipeline.Run(ctx, window)
		if len(outcome.Patterns) > 0 {
			a.DetectionMetadata.DetectionPatterns = outcome.Patterns
		}
		if outcome.AIProvider != "" {
			a.DetectionMetadata.AIProvider = outcome.AIProvider
			a.DetectionMetadata.AIProviderFingerprint = outcome.AIProviderFingerprint
		}
		if err := o.store.UpdateDetectionMetadata(a.ID, a.DetectionMetadata); err != nil {
			return models.RunFailed, 0, err
		}

		if _, err := o.engine.Reassess(a, outcome.Factors, "", outcome.Patterns); err != nil {
			return models.RunFailed, 0, err
		}
		if created {
			o.events.NotifyAutomationDiscovered(conn.OrganizationID, conn.PlatformType, a)
		}
		profiles = append(profiles, correlation.BuildProfile(a, conn.PlatformType, window.Events))
	}

	if err := o.correlate(conn, profiles); err != nil {
		log.Warn().Err(err).Str("connectionID", conn.ID).Msg("Correlation pass failed")
	}

	status := models.RunSucceeded
	var runErr error
	if listErr != nil || streamErr != nil {
		status = models.RunPartial
		runErr = errors.Join(listErr, streamErr)
	}
	return status, len(automations), runErr
}

// collectActivity drains the connector's activity stream into per-actor
// windows. A stream error ends collection but keeps what arrived.
func (o *Orchestrator) collectActivity(ctx context.Context, connector connectors.Connector,
	conn *models.PlatformConnection, creds *models.OAuthCredentials, since, until time.Time) (map[string][]models.ActivityEvent, error) {

	events, errs := connector.StreamActivity(ctx, conn, creds, since, until)
	byActor := make(map[string][]models.ActivityEvent)
	for ev := range events {
		byActor[ev.ExternalActorID] = append(byActor[ev.ExternalActorID], ev)
	}
	return byActor, <-errs
}

// correlate compares this run's profiles against the rest of the
// organization's catalog and upserts any links found.
func (o *Orchestrator) correlate(conn *models.PlatformConnection, profiles []correlation.Profile) error {
	inRun := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		inRun[p.AutomationID] = true
	}

	connections, err := o.store.ListConnections(conn.OrganizationID)
	if err != nil {
		return err
	}
	platformByConnection := make(map[string]models.PlatformType, len(connections))
	for _, c := range connections {
		platformByConnection[c.ID] = c.PlatformType
	}

	others, err := o.store.ListAutomations(conn.OrganizationID)
	if err != nil {
		return err
	}
	for _, a := range others {
		if inRun[a.ID] {
			continue
		}
		profiles = append(profiles, correlation.BuildProfile(a, platformByConnection[a.PlatformConnectionID], nil))
	}

	for _, link := range o.correlator.Correlate(conn.OrganizationID, profiles) {
		if err := o.store.SaveCorrelationLink(link); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) claim(connectionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[connectionID] {
		return false
	}
	o.active[connectionID] = true
	return true
}

func (o *Orchestrator) release(connectionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, connectionID)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
