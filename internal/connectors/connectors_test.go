package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/singura/singura/internal/models"
)

func testConn() *models.PlatformConnection {
	return &models.PlatformConnection{
		ID:             "conn-1",
		OrganizationID: "org-1",
		PlatformUserID: "admin@acme.example.com",
		WorkspaceID:    "T012345",
	}
}

func testCreds() *models.OAuthCredentials {
	return &models.OAuthCredentials{AccessToken: "tok", TokenType: "Bearer"}
}

func drain(t *testing.T, events <-chan models.ActivityEvent, errs <-chan error) ([]models.ActivityEvent, error) {
	t.Helper()
	var out []models.ActivityEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out, <-errs
}

func TestSlackListAutomations_FiltersAndPaginates(t *testing.T) {
	var pages atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users.list" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		if pages.Add(1) == 1 {
			fmt.Fprint(w, `{"ok":true,"members":[
				{"id":"B001","name":"deploy-bot","is_bot":true,"profile":{"real_name":"Deploy Bot"}},
				{"id":"U002","name":"alice","is_bot":false},
				{"id":"B003","name":"dead-bot","is_bot":true,"deleted":true}
			],"response_metadata":{"next_cursor":"c2"}}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"members":[
			{"id":"B004","name":"report-bot","is_bot":true}
		],"response_metadata":{"next_cursor":""}}`)
	}))
	defer server.Close()

	c := NewSlackConnector(server.URL, server.Client())
	automations, err := c.ListAutomations(context.Background(), testConn(), testCreds())
	if err != nil {
		t.Fatalf("ListAutomations failed: %v", err)
	}

	if len(automations) != 2 {
		t.Fatalf("expected 2 bots (humans and deleted filtered), got %d", len(automations))
	}
	if automations[0].ExternalID != "B001" || automations[0].Name != "Deploy Bot" {
		t.Errorf("unexpected first automation: %+v", automations[0])
	}
	if automations[0].AutomationType != models.AutomationBot {
		t.Errorf("expected bot type, got %s", automations[0].AutomationType)
	}
	if pages.Load() != 2 {
		t.Errorf("expected 2 pages fetched, got %d", pages.Load())
	}
}

func TestSlackStreamActivity_DropsMalformed(t *testing.T) {
	now := time.Now().Unix()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok":true,"logs":[
			{"app_id":"A1","date":"%d","change_type":"added","channel":"C1"},
			{"app_id":"","user_id":"","date":"%d","change_type":"added"},
			{"app_id":"A2","date":"not-a-date","change_type":"expanded"}
		],"paging":{"page":1,"pages":1}}`, now, now)
	}))
	defer server.Close()

	c := NewSlackConnector(server.URL, server.Client())
	events, errs := c.StreamActivity(context.Background(), testConn(), testCreds(),
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	got, err := drain(t, events, errs)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 valid event (2 malformed dropped), got %d", len(got))
	}
	if got[0].ExternalActorID != "A1" {
		t.Errorf("unexpected actor %q", got[0].ExternalActorID)
	}
}

func TestGoogleListAutomations_ScopeMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[
			{"clientId":"oauth-app-123","displayText":"Zapier","scopes":["https://www.googleapis.com/auth/drive","https://www.googleapis.com/auth/gmail.send"]},
			{"clientId":"","displayText":"ghost"}
		]}`)
	}))
	defer server.Close()

	c := NewGoogleConnector(server.URL, server.Client())
	automations, err := c.ListAutomations(context.Background(), testConn(), testCreds())
	if err != nil {
		t.Fatalf("ListAutomations failed: %v", err)
	}
	if len(automations) != 1 {
		t.Fatalf("expected 1 automation, got %d", len(automations))
	}

	a := automations[0]
	if a.ExternalID != "oauth-app-123" {
		t.Errorf("externalID = %q", a.ExternalID)
	}
	if len(a.PermissionsRequired) != 2 {
		t.Fatalf("scopes not mapped to permissionsRequired: %v", a.PermissionsRequired)
	}

	var meta map[string]any
	if err := json.Unmarshal(a.PlatformMetadata, &meta); err != nil {
		t.Fatalf("platform metadata not valid JSON: %v", err)
	}
	if _, ok := meta["scopes"]; !ok {
		t.Error("scopes missing from platform metadata")
	}
}

func TestPlatformClient_HonorsRetryAfter(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"members":[],"response_metadata":{"next_cursor":""}}`)
	}))
	defer server.Close()

	c := NewSlackConnector(server.URL, server.Client())
	start := time.Now()
	_, err := c.ListAutomations(context.Background(), testConn(), testCreds())
	if err != nil {
		t.Fatalf("expected rate limit to be retried, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 requests (limited then retried), got %d", hits.Load())
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Retry-After not honored: finished in %v", elapsed)
	}
}

func TestMicrosoftListAutomations_ServicePrincipalTypes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[
			{"appId":"app-1","displayName":"Power Automate Flow","servicePrincipalType":"Application","accountEnabled":true,"verifiedPublisher":{"DisplayName":"Microsoft"}},
			{"appId":"app-2","displayName":"vm-identity","servicePrincipalType":"ManagedIdentity","accountEnabled":true},
			{"appId":"app-3","displayName":"disabled-app","servicePrincipalType":"Application","accountEnabled":false}
		]}`)
	}))
	defer server.Close()

	c := NewMicrosoftConnector(server.URL, server.Client())
	automations, err := c.ListAutomations(context.Background(), testConn(), testCreds())
	if err != nil {
		t.Fatalf("ListAutomations failed: %v", err)
	}
	if len(automations) != 2 {
		t.Fatalf("expected 2 enabled principals, got %d", len(automations))
	}
	if !automations[0].DetectionMetadata.VerifiedPublisher {
		t.Error("verified publisher flag not set")
	}
	if automations[1].AutomationType != models.AutomationServiceAccount {
		t.Errorf("managed identity not classified as service account: %s", automations[1].AutomationType)
	}
}
