package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/singura/singura/internal/metrics"
	"github.com/singura/singura/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	// Auth happens in-band via the token handshake, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	clientSendBuffer = 256
	authDeadline     = 10 * time.Second
)

// Client is one authenticated websocket subscriber joined to an
// organization room.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	room   string
	userID string
}

type outbound struct {
	room string
	data []byte
}

// Hub maintains the room membership and fans broadcasts out. All
// membership changes go through the register/unregister channels so the
// run loop is the only writer.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	issuer     *TokenIssuer
	mu         sync.RWMutex
}

func NewHub(issuer *TokenIssuer) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		issuer:     issuer,
	}
}

// Run starts the hub's main loop and blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Str("room", client.room).Msg("Realtime client joined")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("Realtime client left")

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if client.room == msg.room {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range targets {
				select {
				case client.send <- msg.data:
				default:
					// Slow subscribers lose messages, never slow producers.
					metrics.DroppedMessages.WithLabelValues("slow_client").Inc()
				}
			}

		case <-ctx.Done():
			// Closing done unblocks any client pump still trying to
			// register or unregister after the loop exits.
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// ClientCount returns the number of joined subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast validates and publishes one message to an organization room.
// Invalid messages are dropped and counted; producers never see an error.
func (h *Hub) Broadcast(organizationID string, msg Message) {
	if err := msg.Validate(); err != nil {
		metrics.DroppedMessages.WithLabelValues("schema_invalid").Inc()
		log.Warn().Err(err).Str("type", msg.Type).Msg("Dropped invalid realtime message")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		metrics.DroppedMessages.WithLabelValues("marshal_failed").Inc()
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal realtime message")
		return
	}
	select {
	case h.broadcast <- outbound{room: roomFor(organizationID), data: data}:
	default:
		metrics.DroppedMessages.WithLabelValues("broadcast_full").Inc()
		log.Warn().Str("type", msg.Type).Msg("Realtime broadcast queue full")
	}
}

func roomFor(organizationID string) string {
	return "org:" + organizationID
}

// Typed publishers wired into the oauth manager, risk engine and
// discovery orchestrator.

func (h *Hub) NotifySystem(organizationID, level, message string) {
	h.Broadcast(organizationID, newMessage(TypeSystemNotification, SystemNotificationPayload{
		Level: level, Message: message,
	}))
}

func (h *Hub) NotifyConnectionUpdate(organizationID, connectionID string, status models.ConnectionStatus, platform models.PlatformType) {
	h.Broadcast(organizationID, newMessage(TypeConnectionUpdate, ConnectionUpdatePayload{
		ConnectionID: connectionID, Status: string(status), Platform: string(platform),
	}))
}

func (h *Hub) NotifyDiscoveryProgress(organizationID, connectionID string, progress float64, status models.RunStatus, itemsFound int) {
	h.Broadcast(organizationID, newMessage(TypeDiscoveryProgress, DiscoveryProgressPayload{
		ConnectionID: connectionID, Progress: progress, Status: string(status), ItemsFound: itemsFound,
	}))
}

func (h *Hub) NotifyAutomationDiscovered(organizationID string, platform models.PlatformType, a *models.DiscoveredAutomation) {
	level := models.RiskLow
	if entry := a.CurrentRisk(); entry != nil {
		level = entry.Level
	}
	h.Broadcast(organizationID, newMessage(TypeAutomationDiscovered, AutomationDiscoveredPayload{
		AutomationID:      a.ID,
		Name:              a.Name,
		Platform:          string(platform),
		RiskLevel:         string(level),
		DetectionMetadata: a.DetectionMetadata,
	}))
}

func (h *Hub) NotifyScoreUpdated(organizationID, automationID string, oldScore, newScore float64, reason string) {
	h.Broadcast(organizationID, newMessage(TypeRiskScoreUpdated, RiskScoreUpdatedPayload{
		AutomationID: automationID, OldScore: oldScore, NewScore: newScore, Reason: reason,
	}))
}

func (h *Hub) NotifyHighAlert(organizationID, automationID string, score float64, level models.RiskLevel, patterns []string) {
	h.Broadcast(organizationID, newMessage(TypeRiskHighAlert, RiskHighAlertPayload{
		AutomationID: automationID, RiskScore: score, RiskLevel: string(level), DetectionPatterns: patterns,
	}))
}

// HandleWebSocket upgrades the request and runs the authentication
// handshake before the client joins any room.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		id:   fmt.Sprintf("client-%d", time.Now().UnixNano()),
	}

	go client.run()
}

// run performs the auth handshake, then starts the pumps.
func (c *Client) run() {
	if !c.authenticate() {
		c.conn.Close()
		return
	}

	select {
	case c.hub.register <- c:
	case <-c.hub.done:
		c.conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

// authenticate reads exactly one frame. Anything but a valid authenticate
// frame gets a single authentication_error and the socket closes.
func (c *Client) authenticate() bool {
	c.conn.SetReadDeadline(time.Now().Add(authDeadline))

	var frame authFrame
	if err := c.conn.ReadJSON(&frame); err != nil || frame.Type != "authenticate" {
		c.writeAuthError("expected authenticate frame")
		return false
	}

	userID, err := c.hub.issuer.Verify(frame.Token, frame.OrganizationID)
	if err != nil {
		log.Warn().Str("client", c.id).Msg("Realtime authentication failed")
		c.writeAuthError("invalid token")
		return false
	}

	c.userID = userID
	c.room = roomFor(frame.OrganizationID)
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(authenticatedFrame{
		Type: "authenticated", UserID: userID, OrganizationID: frame.OrganizationID,
	}) == nil
}

func (c *Client) writeAuthError(reason string) {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	c.conn.WriteJSON(authErrorFrame{Type: "authentication_error", Error: reason})
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("Websocket read error")
			}
			return
		}
		// Inbound traffic after auth is ignored; the bus is one-way.
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
