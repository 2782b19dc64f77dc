package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	feedSendBuffer = 32
	feedWriteWait  = 5 * time.Second
)

type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// FeedCommands is what a feed client may ask of the running session.
type FeedCommands interface {
	TriggerSay() bool
	CancelSay()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow connections from any origin
	},
}

type feedClient struct {
	id   string
	conn *websocket.Conn
	send chan WebSocketMessage
	once sync.Once
}

func (c *feedClient) close() {
	c.once.Do(func() { close(c.send) })
}

// FeedHub streams status events to websocket clients and accepts the manual
// commands ping, say and stop.
type FeedHub struct {
	logger *zap.Logger

	mu       sync.Mutex
	clients  map[*feedClient]struct{}
	commands FeedCommands
	onStop   func()
	closed   bool

	wg sync.WaitGroup
}

func NewFeedHub(logger *zap.Logger) *FeedHub {
	return &FeedHub{
		logger:  logger.Named("feed"),
		clients: make(map[*feedClient]struct{}),
	}
}

// Bind attaches the session commands. onStop runs when a client sends stop.
func (h *FeedHub) Bind(commands FeedCommands, onStop func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = commands
	h.onStop = onStop
}

func (h *FeedHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade to websocket", zap.Error(err))
		return
	}

	client := &feedClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan WebSocketMessage, feedSendBuffer),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	logger := h.logger.With(zap.String("client_id", client.id))
	logger.Info("Feed client connected", zap.String("remote", r.RemoteAddr))

	go func() {
		defer h.wg.Done()
		h.writeLoop(client, logger)
	}()
	go func() {
		defer h.wg.Done()
		h.readLoop(client, logger)
	}()
}

func (h *FeedHub) writeLoop(client *feedClient, logger *zap.Logger) {
	defer client.conn.Close()
	for msg := range client.send {
		_ = client.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := client.conn.WriteJSON(msg); err != nil {
			logger.Warn("Failed to send websocket message", zap.Error(err), zap.String("type", msg.Type))
			return
		}
	}
	_ = client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *FeedHub) readLoop(client *feedClient, logger *zap.Logger) {
	defer h.remove(client)
	for {
		var msg WebSocketMessage
		err := client.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		h.mu.Lock()
		commands, onStop := h.commands, h.onStop
		h.mu.Unlock()

		switch msg.Type {
		case "ping":
			h.sendTo(client, "pong", nil)
		case "say":
			accepted := false
			if commands != nil {
				accepted = commands.TriggerSay()
			}
			logger.Info("Manual say requested", zap.Bool("accepted", accepted))
			h.sendTo(client, "say_ack", map[string]interface{}{"accepted": accepted})
		case "stop":
			logger.Info("Received stop command from client")
			if commands != nil {
				commands.CancelSay()
			}
			h.sendTo(client, "stop_confirmation", map[string]interface{}{
				"message": "Agent stopping",
			})
			if onStop != nil {
				onStop()
			}
		default:
			logger.Warn("Unknown message type", zap.String("type", msg.Type))
		}
	}
}

func (h *FeedHub) remove(client *feedClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()
	if ok {
		client.close()
		h.logger.Info("Feed client disconnected", zap.String("client_id", client.id))
	}
}

func (h *FeedHub) sendTo(client *feedClient, msgType string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	h.enqueueLocked(client, WebSocketMessage{Type: msgType, Data: data, Timestamp: time.Now()})
}

// enqueueLocked never blocks; a slow client loses messages.
func (h *FeedHub) enqueueLocked(client *feedClient, msg WebSocketMessage) {
	select {
	case client.send <- msg:
	default:
		h.logger.Warn("Feed client too slow, dropping message", zap.String("client_id", client.id), zap.String("type", msg.Type))
	}
}

// Publish broadcasts one event to every connected client.
func (h *FeedHub) Publish(msgType string, data interface{}) {
	msg := WebSocketMessage{Type: msgType, Data: data, Timestamp: time.Now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.enqueueLocked(client, msg)
	}
}

func (h *FeedHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines.
func (h *FeedHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*feedClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*feedClient]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
		// unblocks ReadJSON
		_ = client.conn.SetReadDeadline(time.Now())
	}
	h.wg.Wait()
}
