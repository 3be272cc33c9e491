package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wasmforge/orchestrator/internal/domain"
)

// Socket Hub (C3). Maintains rooms keyed job:{job_id}. A client joining a
// room receives a snapshot of the persisted log tail and current status,
// then live bus events for as long as it stays subscribed.

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
	maxMessageSize   = 16 * 1024
	sendBufferSize   = 1000
	maxSubscriptions = 10
)

const (
	MsgTypeSubscribeJob   = "subscribe:job"
	MsgTypeUnsubscribeJob = "unsubscribe:job"
	MsgTypePing           = "ping"
)

const (
	MsgTypeJobLog    = "job:log"
	MsgTypeJobStatus = "job:status"
	MsgTypeSnapshot  = "snapshot"
	MsgTypeError     = "error"
	MsgTypePong      = "pong"
)

type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type JobIDPayload struct {
	JobID string `json:"job_id"`
}

type JobLogPayload struct {
	JobID string          `json:"job_id"`
	Log   domain.LogRecord `json:"log"`
}

type JobStatusPayload struct {
	JobID  string            `json:"job_id"`
	Status domain.JobStatus  `json:"status"`
	Result *domain.JobResult `json:"result,omitempty"`
}

type SnapshotPayload struct {
	JobID  string            `json:"job_id"`
	Logs   []domain.LogRecord `json:"logs"`
	Status domain.JobStatus  `json:"status"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobSnapshotReader is the minimal Job Store surface the hub needs to serve
// a snapshot on subscribe. Defined here rather than imported from the store
// package to avoid a streaming<->store import cycle.
type JobSnapshotReader interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
}

func roomName(jobID string) string { return fmt.Sprintf("job:%s", jobID) }

type roomMessage struct {
	room    string
	message ServerMessage
}

// room tracks a single job's subscriber set and the bus subscription
// feeding it, torn down once the last subscriber leaves.
type room struct {
	clients map[*Client]struct{}
	cancel  context.CancelFunc
}

// Hub bridges PubSub Bus events to WebSocket clients grouped by job room.
type Hub struct {
	broker *Broker
	store  JobSnapshotReader

	rooms map[string]*room

	register   chan *Client
	unregister chan *Client
	broadcast  chan roomMessage

	mu     sync.RWMutex
	logger *slog.Logger
}

// NewHub creates a Hub. broker is used to bridge bus events into rooms;
// store serves the snapshot on subscribe.
func NewHub(broker *Broker, store JobSnapshotReader) *Hub {
	return &Hub{
		broker:     broker,
		store:      store,
		rooms:      make(map[string]*room),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan roomMessage, 256),
		logger:     slog.Default().With("component", "socket-hub"),
	}
}

// Run starts the hub event loop; call it in a dedicated goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.logger.Debug("client registered", "owner", c.ownerID)
		case c := <-h.unregister:
			h.removeClient(c)
		case rm := <-h.broadcast:
			h.broadcastToRoom(rm)
		}
	}
}

func (h *Hub) removeClient(c *Client) {
	c.subsMu.Lock()
	subs := c.subscriptions
	c.subscriptions = nil
	c.subsMu.Unlock()

	h.mu.Lock()
	for name := range subs {
		h.leaveRoomLocked(name, c)
	}
	h.mu.Unlock()

	close(c.send)
}

// leaveRoomLocked must be called with h.mu held.
func (h *Hub) leaveRoomLocked(name string, c *Client) {
	r, ok := h.rooms[name]
	if !ok {
		return
	}
	delete(r.clients, c)
	if len(r.clients) == 0 {
		r.cancel()
		delete(h.rooms, name)
	}
}

func (h *Hub) broadcastToRoom(rm roomMessage) {
	h.mu.RLock()
	r, ok := h.rooms[rm.room]
	if !ok || len(r.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(rm.message)
	if err != nil {
		h.logger.Error("marshal broadcast message", "error", err, "room", rm.room)
		return
	}

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			select {
			case <-c.send:
				h.logger.Warn("dropped oldest message due to backpressure", "room", rm.room)
			default:
			}
			select {
			case c.send <- data:
			default:
				h.logger.Warn("message dropped, client too slow", "room", rm.room)
			}
		}
	}
}

// Subscribe joins c to jobID's room, lazily starting the bus bridge for that
// room on first subscriber, then emits the current snapshot directly to c.
//
// Lock ordering: hub mutex always acquired before client subsMu.
func (h *Hub) Subscribe(ctx context.Context, c *Client, jobID string) error {
	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("subscribe: load job %s: %w", jobID, err)
	}
	if job.OwnerID != c.ownerID {
		return fmt.Errorf("subscribe: job %s not owned by caller", jobID)
	}

	name := roomName(jobID)

	h.mu.Lock()
	c.subsMu.Lock()
	if len(c.subscriptions) >= maxSubscriptions {
		c.subsMu.Unlock()
		h.mu.Unlock()
		return fmt.Errorf("maximum subscriptions (%d) reached", maxSubscriptions)
	}
	if c.subscriptions == nil {
		c.subscriptions = make(map[string]struct{})
	}
	c.subscriptions[name] = struct{}{}
	c.subsMu.Unlock()

	r, exists := h.rooms[name]
	if !exists {
		roomCtx, cancel := context.WithCancel(context.Background())
		r = &room{clients: make(map[*Client]struct{}), cancel: cancel}
		h.rooms[name] = r
		h.startBridgeLocked(roomCtx, name, jobID)
	}
	r.clients[c] = struct{}{}
	h.mu.Unlock()

	h.sendSnapshot(ctx, c, jobID)
	return nil
}

// startBridgeLocked must be called with h.mu held; it starts the bus
// subscription that forwards job.log/job.status events into the room.
func (h *Hub) startBridgeLocked(ctx context.Context, name, jobID string) {
	err := h.broker.SubscribeJob(ctx, jobID,
		func(ev LogEvent) {
			h.broadcast <- roomMessage{room: name, message: ServerMessage{
				Type:    MsgTypeJobLog,
				Payload: JobLogPayload{JobID: ev.JobID, Log: ev.Log},
			}}
		},
		func(ev StatusEvent) {
			h.broadcast <- roomMessage{room: name, message: ServerMessage{
				Type:    MsgTypeJobStatus,
				Payload: JobStatusPayload{JobID: ev.JobID, Status: ev.Status, Result: ev.Result},
			}}
		},
	)
	if err != nil {
		h.logger.Error("bus bridge failed", "room", name, "error", err)
	}
}

// Unsubscribe leaves jobID's room. Idempotent.
func (h *Hub) Unsubscribe(c *Client, jobID string) {
	name := roomName(jobID)
	h.mu.Lock()
	c.subsMu.Lock()
	delete(c.subscriptions, name)
	c.subsMu.Unlock()
	h.leaveRoomLocked(name, c)
	h.mu.Unlock()
}

func (h *Hub) sendSnapshot(ctx context.Context, c *Client, jobID string) {
	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		c.sendError("SNAPSHOT_FAILED", err.Error())
		return
	}
	c.sendJSON(ServerMessage{
		Type: MsgTypeSnapshot,
		Payload: SnapshotPayload{
			JobID:  jobID,
			Logs:   job.Logs,
			Status: job.Status,
		},
	})
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single WebSocket connection bound to the requesting
// owner's identity. Hub.Subscribe checks that identity against the job's
// owner before joining a room; rooms themselves are not owner-scoped.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	ownerID string

	send chan []byte

	subscriptions map[string]struct{}
	subsMu        sync.Mutex

	logger *slog.Logger
}

// NewClient creates a client, registers it with the hub, and returns it.
// The caller must start ReadPump and WritePump in separate goroutines.
func NewClient(hub *Hub, conn *websocket.Conn, ownerID string) *Client {
	c := &Client{
		hub:           hub,
		conn:          conn,
		ownerID:       ownerID,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]struct{}),
		logger:        slog.Default().With("component", "socket-client", "owner", ownerID),
	}
	hub.register <- c
	return c
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", "error", err)
			}
			return
		}
		c.handleMessage(raw)
	}
}

// WritePump writes queued messages and periodic pings. Each queued message
// is sent as its own text frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("INVALID_MESSAGE", "failed to parse message")
		return
	}

	switch msg.Type {
	case MsgTypePing:
		c.sendJSON(ServerMessage{Type: MsgTypePong})

	case MsgTypeSubscribeJob:
		var p JobIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.JobID == "" {
			c.sendError("INVALID_PAYLOAD", "job_id is required")
			return
		}
		if err := c.hub.Subscribe(context.Background(), c, p.JobID); err != nil {
			c.sendError("SUBSCRIBE_FAILED", err.Error())
		}

	case MsgTypeUnsubscribeJob:
		var p JobIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.JobID == "" {
			c.sendError("INVALID_PAYLOAD", "job_id is required")
			return
		}
		c.hub.Unsubscribe(c, p.JobID)

	default:
		c.sendError("UNKNOWN_TYPE", fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (c *Client) sendJSON(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal server message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping message", "type", msg.Type)
	}
}

func (c *Client) sendError(code, message string) {
	c.sendJSON(ServerMessage{Type: MsgTypeError, Payload: ErrorPayload{Code: code, Message: message}})
}
