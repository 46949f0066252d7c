package risk

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/singura/singura/internal/models"
)

// fakeHistory is an in-memory History with the same monotone-append rule
// the sqlite store enforces.
type fakeHistory struct {
	mu      sync.Mutex
	entries map[string][]models.RiskScoreEntry
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{entries: make(map[string][]models.RiskScoreEntry)}
}

func (f *fakeHistory) AppendRiskEntry(automationID string, entry *models.RiskScoreEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.entries[automationID]
	if n := len(existing); n > 0 && entry.Timestamp.Before(existing[n-1].Timestamp) {
		return fmt.Errorf("risk entry timestamp regression")
	}
	f.entries[automationID] = append(existing, *entry)
	return nil
}

func (f *fakeHistory) RiskHistory(automationID string) ([]models.RiskScoreEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RiskScoreEntry, len(f.entries[automationID]))
	copy(out, f.entries[automationID])
	return out, nil
}

type notification struct {
	kind     string
	oldScore float64
	newScore float64
	level    models.RiskLevel
	reason   string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (f *fakeNotifier) NotifyScoreUpdated(_, _ string, oldScore, newScore float64, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notification{kind: "score_updated", oldScore: oldScore, newScore: newScore, reason: reason})
}

func (f *fakeNotifier) NotifyHighAlert(_, _ string, score float64, level models.RiskLevel, _ []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notification{kind: "high_alert", newScore: score, level: level})
}

func (f *fakeNotifier) byKind(kind string) []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func automation() *models.DiscoveredAutomation {
	return &models.DiscoveredAutomation{ID: "a1", OrganizationID: "org-1"}
}

func TestScoreClamping(t *testing.T) {
	cases := []struct {
		factors []models.RiskFactor
		want    float64
	}{
		{[]models.RiskFactor{{Type: "activity", Score: 40}, {Type: "permission", Score: 40}, {Type: "data_volume", Score: 40}}, 100},
		{[]models.RiskFactor{{Type: "verified_publisher", Score: -30}}, 0},
		{[]models.RiskFactor{{Type: "activity", Score: 45}}, 45},
		{nil, 0},
	}
	for _, tc := range cases {
		if got := Score(tc.factors); got != tc.want {
			t.Errorf("Score(%v) = %v, want %v", tc.factors, got, tc.want)
		}
	}
}

func TestReassess_ActivitySpikeEscalation(t *testing.T) {
	store := newFakeHistory()
	notifier := &fakeNotifier{}
	engine := NewEngine(store, notifier)
	a := automation()

	first, err := engine.Reassess(a, []models.RiskFactor{{Type: "baseline", Score: 45}}, "", nil)
	if err != nil {
		t.Fatalf("initial reassess: %v", err)
	}
	if first.Trigger != models.TriggerInitialDiscovery || first.Score != 45 {
		t.Fatalf("first entry = %+v", first)
	}

	second, err := engine.Reassess(a, []models.RiskFactor{
		{Type: "baseline", Score: 45},
		{Type: "activity", Score: 27},
	}, "", []string{"velocity"})
	if err != nil {
		t.Fatalf("second reassess: %v", err)
	}
	if second.Score != 72 || second.Level != models.RiskHigh {
		t.Errorf("entry = score %v level %s, want 72 high", second.Score, second.Level)
	}
	if second.Trigger != models.TriggerActivitySpike {
		t.Errorf("trigger = %s, want activity_spike", second.Trigger)
	}
	if updates := notifier.byKind("score_updated"); len(updates) != 1 || updates[0].newScore != 72 {
		t.Errorf("score_updated events = %+v", updates)
	}
	// 72 is high but the jump is 27: no high alert.
	if alerts := notifier.byKind("high_alert"); len(alerts) != 0 {
		t.Errorf("unexpected high alerts: %+v", alerts)
	}
}

func TestReassess_ManualSuppression(t *testing.T) {
	store := newFakeHistory()
	engine := NewEngine(store, &fakeNotifier{})
	a := automation()

	if _, err := engine.Reassess(a, []models.RiskFactor{{Type: "activity", Score: 78}}, "", nil); err != nil {
		t.Fatalf("initial: %v", err)
	}

	entry, err := engine.Reassess(a, []models.RiskFactor{
		{Type: "activity", Score: 52},
		{Type: "verified_integration", Score: -30},
	}, models.TriggerManualReassessment, nil)
	if err != nil {
		t.Fatalf("manual reassess: %v", err)
	}
	if entry.Score != 22 || entry.Level != models.RiskLow {
		t.Errorf("entry = score %v level %s, want 22 low", entry.Score, entry.Level)
	}
	if entry.Trigger != models.TriggerManualReassessment {
		t.Errorf("trigger = %s", entry.Trigger)
	}

	history, _ := store.RiskHistory(a.ID)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
}

func TestReassess_EqualScoreAppendRules(t *testing.T) {
	store := newFakeHistory()
	engine := NewEngine(store, &fakeNotifier{})
	a := automation()
	factors := []models.RiskFactor{{Type: "activity", Score: 40}}

	if _, err := engine.Reassess(a, factors, "", nil); err != nil {
		t.Fatalf("initial: %v", err)
	}

	// Same score without an audited trigger: no append.
	entry, err := engine.Reassess(a, factors, models.TriggerActivitySpike, nil)
	if err != nil {
		t.Fatalf("reassess: %v", err)
	}
	if entry != nil {
		t.Errorf("equal score appended: %+v", entry)
	}

	// Manual reassessment and detector updates always append.
	for _, trigger := range []models.RiskTrigger{models.TriggerManualReassessment, models.TriggerDetectorUpdate} {
		if entry, err := engine.Reassess(a, factors, trigger, nil); err != nil || entry == nil {
			t.Errorf("trigger %s should append (entry=%v err=%v)", trigger, entry, err)
		}
	}

	history, _ := store.RiskHistory(a.ID)
	if len(history) != 3 {
		t.Errorf("history length = %d, want 3", len(history))
	}
}

func TestReassess_RapidChangeHighAlert(t *testing.T) {
	store := newFakeHistory()
	notifier := &fakeNotifier{}
	engine := NewEngine(store, notifier)
	a := automation()

	if _, err := engine.Reassess(a, []models.RiskFactor{{Type: "activity", Score: 20}}, "", nil); err != nil {
		t.Fatalf("initial: %v", err)
	}
	entry, err := engine.Reassess(a, []models.RiskFactor{
		{Type: "activity", Score: 40},
		{Type: "permission", Score: 30},
		{Type: "data_volume", Score: 20},
	}, "", []string{"permission_escalation", "data_volume"})
	if err != nil {
		t.Fatalf("reassess: %v", err)
	}
	if !entry.RapidChange {
		t.Error("20 to 90 should set the rapid change flag")
	}
	if entry.Level != models.RiskCritical {
		t.Errorf("level = %s, want critical", entry.Level)
	}
	if alerts := notifier.byKind("high_alert"); len(alerts) != 1 || alerts[0].level != models.RiskCritical {
		t.Errorf("high_alert events = %+v", alerts)
	}
}

func TestReassess_PermissionChangeTrigger(t *testing.T) {
	store := newFakeHistory()
	engine := NewEngine(store, &fakeNotifier{})
	a := automation()

	if _, err := engine.Reassess(a, []models.RiskFactor{{Type: "activity", Score: 30}}, "", nil); err != nil {
		t.Fatalf("initial: %v", err)
	}
	entry, err := engine.Reassess(a, []models.RiskFactor{
		{Type: "activity", Score: 30},
		{Type: "permission", Score: 25},
	}, "", nil)
	if err != nil {
		t.Fatalf("reassess: %v", err)
	}
	if entry.Trigger != models.TriggerPermissionChange {
		t.Errorf("trigger = %s, want permission_change", entry.Trigger)
	}
}

func TestReassess_ConcurrentAppendsStayMonotone(t *testing.T) {
	store := newFakeHistory()
	engine := NewEngine(store, &fakeNotifier{})
	a := automation()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(score float64) {
			defer wg.Done()
			_, err := engine.Reassess(a, []models.RiskFactor{{Type: "activity", Score: score}}, models.TriggerDetectorUpdate, nil)
			if err != nil {
				t.Errorf("concurrent reassess: %v", err)
			}
		}(float64(i + 1))
	}
	wg.Wait()

	history, _ := store.RiskHistory(a.ID)
	if len(history) != 20 {
		t.Fatalf("history length = %d, want 20", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Fatalf("timestamp regression at %d", i)
		}
	}
}

func TestQueries(t *testing.T) {
	store := newFakeHistory()
	engine := NewEngine(store, &fakeNotifier{})
	a := automation()

	for _, score := range []float64{20, 55, 35} {
		if _, err := engine.Reassess(a, []models.RiskFactor{{Type: "activity", Score: score}}, models.TriggerDetectorUpdate, nil); err != nil {
			t.Fatalf("seed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	current, err := engine.Current(a.ID)
	if err != nil || current == nil || current.Score != 35 {
		t.Fatalf("Current = %+v, %v", current, err)
	}

	trend, err := engine.TrendOver(a.ID, time.Hour)
	if err != nil || trend == nil {
		t.Fatalf("TrendOver: %+v, %v", trend, err)
	}
	if trend.FirstScore != 20 || trend.LastScore != 35 || trend.Direction != TrendIncreasing {
		t.Errorf("trend = %+v, want 20 to 35 increasing", trend)
	}

	peak, err := engine.PeakOf(a.ID)
	if err != nil || peak == nil || peak.Score != 55 {
		t.Fatalf("PeakOf = %+v, %v", peak, err)
	}

	avg, err := engine.Average(a.ID)
	if err != nil {
		t.Fatalf("Average: %v", err)
	}
	if want := (20.0 + 55 + 35) / 3; avg != want {
		t.Errorf("average = %v, want %v", avg, want)
	}
}
