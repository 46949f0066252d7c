package credentials

import (
	"crypto/rand"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/singura/singura/internal/crypto"
	"github.com/singura/singura/internal/models"
	"github.com/singura/singura/internal/storage"
)

func testStore(t *testing.T) (*Store, *storage.Store) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "singura.db"))
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Credentials hang off a connection row.
	if err := db.CreateOrganization(&models.Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create org: %v", err)
	}
	if err := db.CreateConnection(&models.PlatformConnection{
		ID: "conn-1", OrganizationID: "org-1", PlatformType: models.PlatformGoogle,
	}); err != nil {
		t.Fatalf("create connection: %v", err)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return NewStore(crypto.NewManagerWithKey(key, 1), db), db
}

func TestStoreGetRemove_RoundTrip(t *testing.T) {
	s, _ := testStore(t)

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	creds := &models.OAuthCredentials{
		AccessToken:  "ya29.secret-token",
		RefreshToken: "1//refresh",
		Scope:        "https://www.googleapis.com/auth/drive.readonly",
		TokenType:    "Bearer",
		ExpiresAt:    &expiry,
		PlatformSpecific: map[string]string{
			"workspace": "acme.example.com",
		},
	}

	if err := s.Store("conn-1", creds); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := s.Get("conn-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for stored credentials")
	}
	if got.AccessToken != creds.AccessToken || got.RefreshToken != creds.RefreshToken {
		t.Errorf("tokens did not round trip: %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expiry) {
		t.Errorf("expiry did not round trip: %v", got.ExpiresAt)
	}
	if got.PlatformSpecific["workspace"] != "acme.example.com" {
		t.Errorf("platform specific data lost: %+v", got.PlatformSpecific)
	}

	if err := s.Remove("conn-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	got, err = s.Get("conn-1")
	if err != nil {
		t.Fatalf("Get after remove failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil after Remove")
	}
}

func TestGet_AbsentReturnsNil(t *testing.T) {
	s, _ := testStore(t)

	got, err := s.Get("no-such-connection")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent credentials, got %+v", got)
	}
}

func TestStore_Overwrite(t *testing.T) {
	s, _ := testStore(t)

	if err := s.Store("conn-1", &models.OAuthCredentials{AccessToken: "old"}); err != nil {
		t.Fatalf("first Store failed: %v", err)
	}
	if err := s.Store("conn-1", &models.OAuthCredentials{AccessToken: "new"}); err != nil {
		t.Fatalf("second Store failed: %v", err)
	}

	got, err := s.Get("conn-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AccessToken != "new" {
		t.Errorf("expected overwritten token, got %q", got.AccessToken)
	}
}
