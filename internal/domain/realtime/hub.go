package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/domain/events"
	"github.com/zmooth/zmooth-api/internal/pkg/metrics"
)

const ownerEventsChannel = "zmooth:ws:owner_events"

type ownerEventMessage struct {
	OwnerID          string          `json:"owner_id"`
	Payload          json.RawMessage `json:"payload"`
	SenderInstanceID string          `json:"sender_instance_id"`
}

// Connection is one subscriber socket
type Connection struct {
	OwnerID uuid.UUID
	Conn    *websocket.Conn
	Send    chan []byte
}

// Hub pushes lifecycle events to the owner's open sockets. With Redis
// configured every instance receives every event and delivers it locally.
type Hub struct {
	connections map[uuid.UUID]map[*Connection]bool
	mu          sync.RWMutex

	redis  *redis.Client
	pubsub *redis.PubSub

	register   chan *Connection
	unregister chan *Connection

	ctx    context.Context
	cancel context.CancelFunc

	instanceID string
}

// NewHub creates a hub. redisClient may be nil for a single instance.
// A hub that is never Run still fans events out to other instances, which
// is how the worker reaches sockets held by the API.
func NewHub(redisClient *redis.Client) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		connections: make(map[uuid.UUID]map[*Connection]bool),
		redis:       redisClient,
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		ctx:         ctx,
		cancel:      cancel,
		instanceID:  uuid.NewString(),
	}
	return h
}

// Run starts the hub (call in goroutine)
func (h *Hub) Run() {
	if h.redis != nil {
		h.mu.Lock()
		h.pubsub = h.redis.Subscribe(h.ctx, ownerEventsChannel)
		h.mu.Unlock()
		go h.runRedisSubscriber()
	}

	for {
		select {
		case <-h.ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			if h.connections[conn.OwnerID] == nil {
				h.connections[conn.OwnerID] = make(map[*Connection]bool)
			}
			h.connections[conn.OwnerID][conn] = true
			h.mu.Unlock()
			metrics.WSConnections.Inc()
			log.Debug().Str("owner_id", conn.OwnerID.String()).Msg("Subscriber connected to WebSocket")

		case conn := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.connections[conn.OwnerID]; ok {
				if _, exists := conns[conn]; exists {
					delete(conns, conn)
					close(conn.Send)
					metrics.WSConnections.Dec()
				}
				if len(conns) == 0 {
					delete(h.connections, conn.OwnerID)
				}
			}
			h.mu.Unlock()
			log.Debug().Str("owner_id", conn.OwnerID.String()).Msg("Subscriber disconnected from WebSocket")
		}
	}
}

func (h *Hub) runRedisSubscriber() {
	h.mu.RLock()
	ch := h.pubsub.Channel()
	h.mu.RUnlock()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.handleRemote(msg.Payload)
		}
	}
}

func (h *Hub) handleRemote(payload string) {
	var msg ownerEventMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return
	}
	if msg.SenderInstanceID == h.instanceID {
		return
	}
	ownerID, err := uuid.Parse(msg.OwnerID)
	if err != nil {
		return
	}
	h.sendLocal(ownerID, msg.Payload)
}

// Register adds a connection
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.ctx.Done():
	}
}

// Unregister removes a connection
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.ctx.Done():
	}
}

// Publish delivers the event to the owner's sockets on every instance
func (h *Hub) Publish(ctx context.Context, e events.Event) error {
	if e.OwnerID == uuid.Nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	h.sendLocal(e.OwnerID, data)
	if h.redis == nil {
		return nil
	}

	msg, err := json.Marshal(ownerEventMessage{
		OwnerID:          e.OwnerID.String(),
		Payload:          data,
		SenderInstanceID: h.instanceID,
	})
	if err != nil {
		return err
	}
	return h.redis.Publish(ctx, ownerEventsChannel, msg).Err()
}

func (h *Hub) sendLocal(ownerID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.connections[ownerID] {
		select {
		case conn.Send <- data:
			metrics.WSEventsTotal.WithLabelValues("sent").Inc()
		default:
			// slow reader
			metrics.WSEventsTotal.WithLabelValues("dropped").Inc()
			log.Warn().Str("owner_id", ownerID.String()).Msg("WebSocket send buffer full")
		}
	}
}

// ConnectionCount returns number of local connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.connections {
		total += len(conns)
	}
	return total
}

// Shutdown stops the hub loop and the Redis subscription
func (h *Hub) Shutdown() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pubsub != nil {
		h.pubsub.Close()
	}
}
