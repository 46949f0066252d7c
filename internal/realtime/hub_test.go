package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub(t *testing.T) (*Hub, *TokenIssuer, *httptest.Server) {
	t.Helper()
	issuer := NewTokenIssuer("test-secret", time.Minute)
	hub := NewHub(issuer)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)
	return hub, issuer, server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func authenticateConn(t *testing.T, conn *websocket.Conn, token, org string) map[string]any {
	t.Helper()
	if err := conn.WriteJSON(map[string]string{
		"type": "authenticate", "token": token, "organizationId": org,
	}); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	return reply
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAuthentication_ValidToken(t *testing.T) {
	hub, issuer, server := testHub(t)
	token, err := issuer.Issue("user-1", "org-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	conn := dial(t, server)
	reply := authenticateConn(t, conn, token, "org-1")
	if reply["type"] != "authenticated" || reply["userId"] != "user-1" {
		t.Fatalf("auth reply = %v", reply)
	}
	waitForClients(t, hub, 1)
}

func TestAuthentication_InvalidTokenClosesAfterSingleError(t *testing.T) {
	_, _, server := testHub(t)

	conn := dial(t, server)
	reply := authenticateConn(t, conn, "not-a-token", "org-1")
	if reply["type"] != "authentication_error" {
		t.Fatalf("reply = %v, want authentication_error", reply)
	}

	// The socket must close; the next read fails.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open after failed authentication")
	}
}

func TestAuthentication_OrganizationMismatchRejected(t *testing.T) {
	_, issuer, server := testHub(t)
	token, _ := issuer.Issue("user-1", "org-1")

	conn := dial(t, server)
	reply := authenticateConn(t, conn, token, "org-other")
	if reply["type"] != "authentication_error" {
		t.Fatalf("token minted for org-1 accepted for org-other: %v", reply)
	}
}

func TestBroadcast_OrgIsolation(t *testing.T) {
	hub, issuer, server := testHub(t)

	tokenA, _ := issuer.Issue("user-a", "org-a")
	tokenB, _ := issuer.Issue("user-b", "org-b")

	connA := dial(t, server)
	authenticateConn(t, connA, tokenA, "org-a")
	connB := dial(t, server)
	authenticateConn(t, connB, tokenB, "org-b")
	waitForClients(t, hub, 2)

	hub.NotifySystem("org-a", "info", "only for org a")

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := connA.ReadJSON(&got); err != nil {
		t.Fatalf("org-a subscriber did not receive its message: %v", err)
	}
	if got.Type != TypeSystemNotification {
		t.Errorf("message type = %s", got.Type)
	}

	connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var leaked map[string]any
	if err := connB.ReadJSON(&leaked); err == nil {
		t.Fatalf("org-b subscriber received org-a message: %v", leaked)
	}
}

func TestBroadcast_RapidDeliveryAtLeast95Percent(t *testing.T) {
	hub, issuer, server := testHub(t)
	token, _ := issuer.Issue("user-1", "org-1")

	conn := dial(t, server)
	authenticateConn(t, conn, token, "org-1")
	waitForClients(t, hub, 1)

	const total = 100
	for i := 0; i < total; i++ {
		hub.NotifySystem("org-1", "info", "burst")
	}

	received := 0
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for received < total {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		received++
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	}
	if received < 95 {
		t.Fatalf("delivered %d of %d messages, want >= 95", received, total)
	}
}

func TestBroadcast_InvalidMessageDropped(t *testing.T) {
	hub, issuer, server := testHub(t)
	token, _ := issuer.Issue("user-1", "org-1")
	conn := dial(t, server)
	authenticateConn(t, conn, token, "org-1")
	waitForClients(t, hub, 1)

	// Missing required fields: fails schema validation, never delivered.
	hub.Broadcast("org-1", newMessage(TypeRiskHighAlert, RiskHighAlertPayload{}))
	// Payload type mismatch: also dropped.
	hub.Broadcast("org-1", newMessage(TypeSystemNotification, ConnectionUpdatePayload{}))

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var leaked map[string]any
	if err := conn.ReadJSON(&leaked); err == nil {
		t.Fatalf("invalid message was delivered: %v", leaked)
	}

	// The timed-out read left conn unusable, so a fresh subscriber checks
	// that valid traffic still flows after the drops.
	conn2 := dial(t, server)
	authenticateConn(t, conn2, token, "org-1")
	waitForClients(t, hub, 2)

	hub.NotifySystem("org-1", "info", "still alive")
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := conn2.ReadJSON(&got); err != nil {
		t.Fatalf("valid message after drops not delivered: %v", err)
	}
	if got.Type != TypeSystemNotification {
		t.Errorf("message type = %s", got.Type)
	}
}

func TestShutdown_ClosesClientsAndRejectsNewOnes(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Minute)
	hub := NewHub(issuer)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)

	token, _ := issuer.Issue("user-1", "org-1")
	conn := dial(t, server)
	authenticateConn(t, conn, token, "org-1")
	waitForClients(t, hub, 1)

	cancel()

	// The joined client's socket closes once the loop drains the room.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("client socket stayed open after shutdown")
	}

	// A client arriving after shutdown must be turned away promptly
	// instead of its pumps hanging on the stopped loop.
	late := dial(t, server)
	authenticateConn(t, late, token, "org-1")
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); err == nil {
		t.Fatal("late client was not disconnected after shutdown")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d after shutdown, want 0", hub.ClientCount())
	}
}

func TestMessageValidate(t *testing.T) {
	valid := newMessage(TypeRiskScoreUpdated, RiskScoreUpdatedPayload{
		AutomationID: "a1", OldScore: 45, NewScore: 72, Reason: "activity_spike",
	})
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	cases := []Message{
		newMessage("bogus.type", SystemNotificationPayload{Level: "info", Message: "x"}),
		newMessage(TypeSystemNotification, SystemNotificationPayload{Level: "shout", Message: "x"}),
		newMessage(TypeDiscoveryProgress, DiscoveryProgressPayload{ConnectionID: "c", Progress: 150, Status: "running"}),
		{Type: TypeSystemNotification, Payload: SystemNotificationPayload{Level: "info", Message: "x"}},
	}
	for i, msg := range cases {
		if err := msg.Validate(); err == nil {
			t.Errorf("case %d: invalid message accepted: %+v", i, msg)
		}
	}
}

func TestTokenIssuer_Expiry(t *testing.T) {
	issuer := NewTokenIssuer("secret", -time.Minute)
	token, err := issuer.Issue("user-1", "org-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Verify(token, "org-1"); err == nil {
		t.Fatal("expired token verified")
	}
}
