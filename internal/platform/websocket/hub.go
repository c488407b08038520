// Package websocket pushes live infirmary events to connected clients.
// Clients subscribe to topics within their own school; stock changes go
// out on the inventory topic and emergency visits on the emergency topic.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/sims/sims/internal/platform/auth"
	"github.com/sims/sims/internal/platform/db"
)

const (
	TopicInventory = "inventory"
	TopicEmergency = "emergency"
)

// Event types.
const (
	EventStockChanged   = "stock.changed"
	EventStockLow       = "stock.low"
	EventVisitEmergency = "visit.emergency"
)

var knownTopics = map[string]bool{TopicInventory: true, TopicEmergency: true}

// Event is one notification as sent to clients.
type Event struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	School     string          `json:"school,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single connection, bound to one school.
type Client struct {
	ID     string
	School string
	Topics []string
	Send   chan []byte
	conn   Conn
}

// Hub tracks clients per school and topic.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // school/topic -> clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
	now     func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "events").Logger(),
		now:     time.Now,
	}
}

func topicKey(school, topic string) string { return school + "/" + topic }

// filterTopics drops unknown and duplicate topic names.
func filterTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if knownTopics[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	client.Topics = filterTopics(client.Topics)
	for _, topic := range client.Topics {
		h.add(client, topic)
	}
}

func (h *Hub) add(client *Client, topic string) {
	key := topicKey(client.School, topic)
	if h.clients[key] == nil {
		h.clients[key] = make(map[*Client]struct{})
	}
	h.clients[key][client] = struct{}{}
}

func (h *Hub) remove(client *Client, topic string) {
	key := topicKey(client.School, topic)
	if subscribers, ok := h.clients[key]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, key)
		}
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range filterTopics(topics) {
		already := false
		for _, t := range client.Topics {
			if t == topic {
				already = true
				break
			}
		}
		if already {
			continue
		}
		h.add(client, topic)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
		h.remove(client, t)
	}
	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := drop[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends event to the school's subscribers of event.Topic. A client
// whose buffer is full misses the event.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topicKey(event.School, event.Topic)] {
		select {
		case client.Send <- data:
		default:
			h.logger.Debug().Str("client_id", client.ID).Msg("client buffer full, event dropped")
		}
	}
}

// Notify publishes an event for the school carried by ctx. Domain services
// call it after a change has been committed.
func (h *Hub) Notify(ctx context.Context, topic, eventType, resourceID string, data interface{}) {
	ev := Event{
		Type:       eventType,
		Topic:      topic,
		School:     db.SchoolFromContext(ctx),
		ResourceID: resourceID,
		Timestamp:  h.now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			h.logger.Error().Err(err).Str("type", eventType).Msg("failed to marshal event data")
			return
		}
		ev.Data = raw
	}
	h.Broadcast(ev)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of a school's clients on topic.
func (h *Hub) TopicCount(school, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topicKey(school, topic)])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests to event streams.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleNurse, auth.RoleStaff))
	g.GET("/events", h.HandleConnect)
}

// HandleConnect upgrades the connection and subscribes it to the
// comma-separated topics query parameter, inventory by default.
func (h *Handler) HandleConnect(c echo.Context) error {
	school := db.SchoolFromContext(c.Request().Context())
	if school == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "no school selected")
	}
	topics := []string{TopicInventory}
	if q := c.QueryParam("topics"); q != "" {
		topics = filterTopics(strings.Split(q, ","))
		if len(topics) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "topics must name inventory or emergency")
		}
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := &Client{
		ID:     uuid.New().String(),
		School: school,
		Topics: topics,
		Send:   make(chan []byte, 256),
		conn:   &gorillaConnAdapter{ws},
	}
	h.hub.Register(client)
	h.hub.logger.Debug().
		Str("client_id", client.ID).
		Str("school", school).
		Strs("topics", client.Topics).
		Str("user_id", auth.UserIDFromContext(c.Request().Context())).
		Msg("event client connected")

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy Conn.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
