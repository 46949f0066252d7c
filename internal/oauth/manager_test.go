package oauth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/singura/singura/internal/credentials"
	"github.com/singura/singura/internal/crypto"
	"github.com/singura/singura/internal/models"
	"github.com/singura/singura/internal/storage"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) NotifySystem(organizationID, level, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, level+": "+message)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fixture struct {
	db       *storage.Store
	creds    *credentials.Store
	notifier *fakeNotifier
	connID   string
	orgID    string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "singura.db"))
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	f := &fixture{
		db:       db,
		creds:    credentials.NewStore(crypto.NewManagerWithKey(key, 1), db),
		notifier: &fakeNotifier{},
		orgID:    uuid.NewString(),
		connID:   uuid.NewString(),
	}
	if err := db.CreateOrganization(&models.Organization{ID: f.orgID, Name: "Acme"}); err != nil {
		t.Fatalf("CreateOrganization failed: %v", err)
	}
	err = db.CreateConnection(&models.PlatformConnection{
		ID:             f.connID,
		OrganizationID: f.orgID,
		PlatformType:   models.PlatformGoogle,
		DisplayName:    "Acme Workspace",
	})
	if err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}
	return f
}

func (f *fixture) manager(t *testing.T, refresher Refresher) *Manager {
	t.Helper()
	return NewManager(f.creds, f.db,
		map[models.PlatformType]Refresher{models.PlatformGoogle: refresher},
		f.notifier, 2, 10*time.Millisecond)
}

func (f *fixture) storeExpired(t *testing.T) {
	t.Helper()
	expired := time.Now().Add(-time.Hour)
	err := f.creds.Store(f.connID, &models.OAuthCredentials{
		AccessToken:  "stale",
		RefreshToken: "R",
		TokenType:    "Bearer",
		ExpiresAt:    &expired,
	})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
}

func TestGetValid_ExpiredTokenAutoRefresh(t *testing.T) {
	f := setup(t)

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.FormValue("refresh_token"); got != "R" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	f.storeExpired(t)
	m := f.manager(t, NewEndpointRefresher(models.PlatformGoogle, "cid", "secret", server.URL, "", server.Client()))

	got, err := m.GetValid(context.Background(), f.connID)
	if err != nil {
		t.Fatalf("GetValid failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetValid returned nil credentials")
	}
	if got.AccessToken != "new" {
		t.Errorf("access token = %q, want \"new\"", got.AccessToken)
	}
	if got.RefreshToken != "R" {
		t.Errorf("refresh token not preserved: %q", got.RefreshToken)
	}
	if got.ExpiresAt == nil || time.Until(*got.ExpiresAt) < 3500*time.Second {
		t.Errorf("expiry not extended: %v", got.ExpiresAt)
	}
	if hits.Load() != 1 {
		t.Errorf("refresh endpoint hit %d times, want 1", hits.Load())
	}

	// The refreshed credentials must be persisted.
	stored, err := f.creds.Get(f.connID)
	if err != nil {
		t.Fatalf("Get after refresh failed: %v", err)
	}
	if stored.AccessToken != "new" {
		t.Errorf("refreshed token not persisted: %q", stored.AccessToken)
	}
}

func TestGetValid_InvalidGrantMarksConnection(t *testing.T) {
	f := setup(t)

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer server.Close()

	f.storeExpired(t)
	m := f.manager(t, NewEndpointRefresher(models.PlatformGoogle, "cid", "secret", server.URL, "", server.Client()))

	got, err := m.GetValid(context.Background(), f.connID)
	if err != nil {
		t.Fatalf("GetValid failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil credentials on invalid_grant, got %+v", got)
	}
	if hits.Load() != 1 {
		t.Errorf("invalid_grant retried: endpoint hit %d times", hits.Load())
	}

	conn, err := f.db.GetConnection(f.connID)
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if conn.Status != models.ConnectionError {
		t.Errorf("connection status = %s, want error", conn.Status)
	}
	if !strings.Contains(conn.LastError, "re-authenticate") {
		t.Errorf("lastError missing re-authenticate hint: %q", conn.LastError)
	}
	if !strings.Contains(conn.LastError, f.connID) {
		t.Errorf("lastError missing connection id: %q", conn.LastError)
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected 1 system notification, got %d", f.notifier.count())
	}
}

func TestGetValid_SingleFlight(t *testing.T) {
	f := setup(t)

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond) // Hold the flight open so callers pile up
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "shared",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	f.storeExpired(t)
	m := f.manager(t, NewEndpointRefresher(models.PlatformGoogle, "cid", "secret", server.URL, "", server.Client()))

	const k = 16
	results := make([]*models.OAuthCredentials, k)
	errs := make([]error, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetValid(context.Background(), f.connID)
		}(i)
	}
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("refresh endpoint hit %d times for %d concurrent callers, want 1", hits.Load(), k)
	}
	for i := 0; i < k; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] == nil || results[i].AccessToken != "shared" {
			t.Errorf("caller %d got %+v, want the shared refreshed token", i, results[i])
		}
	}
}

func TestGetValid_TransientRetriesThenSucceeds(t *testing.T) {
	f := setup(t)

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "recovered",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	f.storeExpired(t)
	m := f.manager(t, NewEndpointRefresher(models.PlatformGoogle, "cid", "secret", server.URL, "", server.Client()))

	got, err := m.GetValid(context.Background(), f.connID)
	if err != nil {
		t.Fatalf("GetValid failed: %v", err)
	}
	if got == nil || got.AccessToken != "recovered" {
		t.Fatalf("expected recovered token after retry, got %+v", got)
	}
	if hits.Load() != 2 {
		t.Errorf("endpoint hit %d times, want 2 (one failure, one retry)", hits.Load())
	}
}

func TestGetValid_NoCredentials(t *testing.T) {
	f := setup(t)
	m := f.manager(t, NewEndpointRefresher(models.PlatformGoogle, "cid", "secret", "http://unused.invalid", "", nil))

	got, err := m.GetValid(context.Background(), f.connID)
	if err != nil {
		t.Fatalf("GetValid failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent credentials, got %+v", got)
	}
}

func TestGetValid_UnexpiredPassThrough(t *testing.T) {
	f := setup(t)

	future := time.Now().Add(time.Hour)
	err := f.creds.Store(f.connID, &models.OAuthCredentials{
		AccessToken: "still-good",
		ExpiresAt:   &future,
	})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// Any endpoint call would fail; pass-through must not hit the network.
	m := f.manager(t, NewEndpointRefresher(models.PlatformGoogle, "cid", "secret", "http://unused.invalid", "", nil))
	got, err := m.GetValid(context.Background(), f.connID)
	if err != nil {
		t.Fatalf("GetValid failed: %v", err)
	}
	if got == nil || got.AccessToken != "still-good" {
		t.Errorf("expected pass-through of valid credentials, got %+v", got)
	}
}

func TestRevoke_RemoteFailureStillDeletesLocally(t *testing.T) {
	f := setup(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f.storeExpired(t)
	m := f.manager(t, NewEndpointRefresher(models.PlatformGoogle, "cid", "secret", server.URL, server.URL, server.Client()))

	if err := m.Revoke(context.Background(), f.connID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	got, err := f.creds.Get(f.connID)
	if err != nil {
		t.Fatalf("Get after revoke failed: %v", err)
	}
	if got != nil {
		t.Error("credentials still present after revoke")
	}
}
