package discovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/singura/singura/internal/connectors"
	"github.com/singura/singura/internal/correlation"
	"github.com/singura/singura/internal/detection"
	apperrors "github.com/singura/singura/internal/errors"
	"github.com/singura/singura/internal/models"
	"github.com/singura/singura/internal/risk"
	"github.com/singura/singura/internal/storage"
)

type fakeCreds struct {
	missing bool
}

func (f *fakeCreds) GetValid(ctx context.Context, connectionID string) (*models.OAuthCredentials, error) {
	if f.missing {
		return nil, nil
	}
	return &models.OAuthCredentials{AccessToken: "tok"}, nil
}

type progressEvent struct {
	connectionID string
	progress     float64
	status       models.RunStatus
}

type recordingEvents struct {
	mu         sync.Mutex
	progress   []progressEvent
	discovered []string
}

func (r *recordingEvents) NotifyDiscoveryProgress(_, connectionID string, progress float64, status models.RunStatus, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, progressEvent{connectionID, progress, status})
}

func (r *recordingEvents) NotifyAutomationDiscovered(_ string, _ models.PlatformType, a *models.DiscoveredAutomation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, a.ID)
}

// stubConnector returns a fixed inventory and activity set, optionally
// failing or blocking to exercise the run state machine.
type stubConnector struct {
	platform    models.PlatformType
	automations []*models.DiscoveredAutomation
	events      []models.ActivityEvent
	listErr     error
	block       chan struct{}
	entered     chan struct{}
	enterOnce   sync.Once

	mu     sync.Mutex
	sinces []time.Time
}

func (s *stubConnector) Platform() models.PlatformType { return s.platform }

func (s *stubConnector) ListAutomations(ctx context.Context, conn *models.PlatformConnection, _ *models.OAuthCredentials) ([]*models.DiscoveredAutomation, error) {
	if s.entered != nil {
		s.enterOnce.Do(func() { close(s.entered) })
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// Return copies so repeated runs never share mutated records.
	out := make([]*models.DiscoveredAutomation, 0, len(s.automations))
	for _, a := range s.automations {
		clone := *a
		clone.OrganizationID = conn.OrganizationID
		clone.PlatformConnectionID = conn.ID
		out = append(out, &clone)
	}
	return out, s.listErr
}

func (s *stubConnector) StreamActivity(ctx context.Context, _ *models.PlatformConnection, _ *models.OAuthCredentials, since, _ time.Time) (<-chan models.ActivityEvent, <-chan error) {
	s.mu.Lock()
	s.sinces = append(s.sinces, since)
	s.mu.Unlock()

	events := make(chan models.ActivityEvent, len(s.events))
	errs := make(chan error, 1)
	for _, ev := range s.events {
		events <- ev
	}
	close(events)
	errs <- nil
	close(errs)
	return events, errs
}

type fixture struct {
	store *storage.Store
	orch  *Orchestrator
	conn  *models.PlatformConnection
	stub  *stubConnector
	bus   *recordingEvents
}

func newFixture(t *testing.T, stub *stubConnector, creds CredentialSource) *fixture {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "discovery.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	org := &models.Organization{ID: "org-1", Name: "Acme", Domain: "acme.example.com"}
	if err := store.CreateOrganization(org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	conn := &models.PlatformConnection{
		ID:             "conn-1",
		OrganizationID: org.ID,
		PlatformType:   stub.platform,
		PlatformUserID: "admin@acme.example.com",
		Status:         models.ConnectionActive,
	}
	if err := store.CreateConnection(conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}

	bus := &recordingEvents{}
	engine := risk.NewEngine(store, nil)
	orch := NewOrchestrator(store, creds,
		map[models.PlatformType]connectors.Connector{stub.platform: stub},
		detection.NewPipelineWith(detection.NewVelocityDetector(), detection.NewAIProviderDetector()),
		engine, correlation.NewCorrelator(), bus, 4, 7*24*time.Hour)
	return &fixture{store: store, orch: orch, conn: conn, stub: stub, bus: bus}
}

func botInventory(n int) []*models.DiscoveredAutomation {
	out := make([]*models.DiscoveredAutomation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &models.DiscoveredAutomation{
			ExternalID:     fmt.Sprintf("B%03d", i),
			Name:           fmt.Sprintf("bot-%d", i),
			AutomationType: models.AutomationBot,
		})
	}
	return out
}

func TestRun_DiscoversAndScores(t *testing.T) {
	stub := &stubConnector{platform: models.PlatformSlack, automations: botInventory(3)}
	f := newFixture(t, stub, &fakeCreds{})

	run, err := f.orch.Run(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.Status != models.RunSucceeded || run.ItemsFound != 3 {
		t.Fatalf("run = %s with %d items, want succeeded/3", run.Status, run.ItemsFound)
	}

	automations, err := f.store.ListAutomations("org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(automations) != 3 {
		t.Fatalf("stored %d automations, want 3", len(automations))
	}
	for _, a := range automations {
		if len(a.RiskScoreHistory) != 1 {
			t.Fatalf("automation %s history length = %d, want 1", a.ExternalID, len(a.RiskScoreHistory))
		}
		if a.RiskScoreHistory[0].Trigger != models.TriggerInitialDiscovery {
			t.Errorf("first entry trigger = %s", a.RiskScoreHistory[0].Trigger)
		}
	}

	if len(f.bus.discovered) != 3 {
		t.Errorf("automation.discovered events = %d, want 3", len(f.bus.discovered))
	}
	if len(f.bus.progress) < 3 {
		t.Fatalf("progress events = %d, want at least start/mid/final", len(f.bus.progress))
	}
	if first := f.bus.progress[0]; first.progress != 0 {
		t.Errorf("first progress = %v, want 0", first.progress)
	}
	if last := f.bus.progress[len(f.bus.progress)-1]; last.progress != 100 || last.status != models.RunSucceeded {
		t.Errorf("final progress = %+v, want 100/succeeded", last)
	}
}

func TestRun_IdempotentRerun(t *testing.T) {
	stub := &stubConnector{platform: models.PlatformSlack, automations: botInventory(2)}
	f := newFixture(t, stub, &fakeCreds{})

	if _, err := f.orch.Run(context.Background(), f.conn.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before, _ := f.store.ListAutomations("org-1")

	if _, err := f.orch.Run(context.Background(), f.conn.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	after, err := f.store.ListAutomations("org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if len(after) != len(before) {
		t.Fatalf("rerun changed automation count: %d -> %d", len(before), len(after))
	}
	for i, a := range after {
		if a.ID != before[i].ID {
			t.Errorf("rerun changed UUID for %s", a.ExternalID)
		}
		if !a.FirstDiscoveredAt.Equal(before[i].FirstDiscoveredAt) {
			t.Errorf("rerun changed firstDiscoveredAt for %s", a.ExternalID)
		}
		if len(a.RiskScoreHistory) != 1 {
			t.Errorf("rerun duplicated history for %s: %d entries", a.ExternalID, len(a.RiskScoreHistory))
		}
	}
}

func TestRun_MissingCredentialsFailsWithConnectionID(t *testing.T) {
	stub := &stubConnector{platform: models.PlatformSlack, automations: botInventory(1)}
	f := newFixture(t, stub, &fakeCreds{missing: true})

	run, err := f.orch.Run(context.Background(), f.conn.ID)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !errors.Is(err, apperrors.ErrCredentialsMissing) {
		t.Errorf("error = %v, want ErrCredentialsMissing", err)
	}
	if run.Status != models.RunFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	stored, getErr := f.store.GetRun(run.ID)
	if getErr != nil {
		t.Fatalf("get run: %v", getErr)
	}
	if stored.Error == "" || !errors.Is(err, apperrors.ErrCredentialsMissing) {
		t.Errorf("stored run error = %q", stored.Error)
	}
}

func TestRun_SecondConcurrentRunRejected(t *testing.T) {
	stub := &stubConnector{
		platform:    models.PlatformSlack,
		automations: botInventory(1),
		block:       make(chan struct{}),
		entered:     make(chan struct{}),
	}
	f := newFixture(t, stub, &fakeCreds{})

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Run(context.Background(), f.conn.ID)
		done <- err
	}()

	// Wait until the first run holds the claim inside the connector call,
	// then every overlapping attempt must be rejected.
	select {
	case <-stub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never reached the connector")
	}
	if _, err := f.orch.Run(context.Background(), f.conn.ID); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("overlapping run error = %v, want ErrRunInProgress", err)
	}

	close(stub.block)
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
}

func TestRun_PersistsDetectionMetadata(t *testing.T) {
	now := time.Now().UTC()
	stub := &stubConnector{
		platform:    models.PlatformSlack,
		automations: botInventory(1),
		events: []models.ActivityEvent{
			{ExternalActorID: "B000", Timestamp: now.Add(-2 * time.Hour), ActionType: models.ActionScriptExecution,
				TargetURL: "https://api.openai.com/v1/chat/completions", UserAgent: "acme-summarizer/1.0"},
			{ExternalActorID: "B000", Timestamp: now.Add(-time.Hour), ActionType: models.ActionScriptExecution,
				TargetURL: "https://api.openai.com/v1/chat/completions", UserAgent: "acme-summarizer/1.0"},
		},
	}
	f := newFixture(t, stub, &fakeCreds{})

	if _, err := f.orch.Run(context.Background(), f.conn.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	stored, err := f.store.GetAutomationByIdentity("org-1", f.conn.ID, "B000")
	if err != nil {
		t.Fatalf("get automation: %v", err)
	}
	meta := stored.DetectionMetadata
	found := false
	for _, p := range meta.DetectionPatterns {
		if p == "ai_provider" {
			found = true
		}
	}
	if !found {
		t.Errorf("detection patterns = %v, want ai_provider", meta.DetectionPatterns)
	}
	if meta.AIProvider != "openai" {
		t.Errorf("aiProvider = %q, want openai", meta.AIProvider)
	}
	if meta.AIProviderFingerprint == "" {
		t.Error("aiProviderFingerprint not persisted")
	}
}

func TestRun_SecondRunUsesIncrementalWindow(t *testing.T) {
	stub := &stubConnector{platform: models.PlatformSlack, automations: botInventory(1)}
	f := newFixture(t, stub, &fakeCreds{})

	first, err := f.orch.Run(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := f.orch.Run(context.Background(), f.conn.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}

	stub.mu.Lock()
	sinces := append([]time.Time(nil), stub.sinces...)
	stub.mu.Unlock()
	if len(sinces) != 2 {
		t.Fatalf("activity streamed %d times, want 2", len(sinces))
	}

	fullWindow := time.Now().UTC().Add(-7 * 24 * time.Hour)
	if diff := sinces[0].Sub(fullWindow); diff < -2*time.Second || diff > 2*time.Second {
		t.Errorf("first since = %v, want the full window start %v", sinces[0], fullWindow)
	}
	// The second run only needs activity since the first completed run.
	if diff := sinces[1].Sub(first.StartedAt); diff < -2*time.Second || diff > 2*time.Second {
		t.Errorf("second since = %v, want first run start %v", sinces[1], first.StartedAt)
	}
}

func TestRun_CancellationFailsWithoutRiskHistory(t *testing.T) {
	stub := &stubConnector{platform: models.PlatformSlack, automations: botInventory(2), block: make(chan struct{})}
	f := newFixture(t, stub, &fakeCreds{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.DiscoveryRun, 1)
	go func() {
		run, _ := f.orch.Run(ctx, f.conn.ID)
		done <- run
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	run := <-done
	if run == nil {
		t.Fatal("run record missing")
	}
	if run.Status != models.RunFailed || run.Error != "cancelled" {
		t.Fatalf("run = %s %q, want failed/cancelled", run.Status, run.Error)
	}

	automations, _ := f.store.ListAutomations("org-1")
	if len(automations) != 0 {
		t.Errorf("cancelled run wrote %d automations", len(automations))
	}
}

func TestRun_PartialOnConnectorError(t *testing.T) {
	stub := &stubConnector{
		platform:    models.PlatformSlack,
		automations: botInventory(2),
		listErr:     apperrors.WrapRateLimit("platform_request", "conn-1", time.Second),
	}
	f := newFixture(t, stub, &fakeCreds{})

	run, err := f.orch.Run(context.Background(), f.conn.ID)
	if err == nil {
		t.Fatal("expected the rate limit to surface")
	}
	if run.Status != models.RunPartial {
		t.Fatalf("status = %s, want partial", run.Status)
	}
	if run.ItemsFound != 2 {
		t.Errorf("itemsFound = %d, want 2", run.ItemsFound)
	}

	automations, _ := f.store.ListAutomations("org-1")
	if len(automations) != 2 {
		t.Errorf("partial run stored %d automations, want 2", len(automations))
	}
}
