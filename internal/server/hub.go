package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"cruncher/internal/logging"
	"cruncher/internal/orchestrator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

// Hub tracks connected websocket clients and broadcasts task progress to
// them. It implements orchestrator.Notifier.
//
// A client whose send queue is full is disconnected rather than allowed to
// stall the orchestrator.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	conns sync.WaitGroup
}

var _ orchestrator.Notifier = (*Hub)(nil)

// NewHub returns a hub with no clients.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logging.Default(logger).With("component", "hub"),
		clients: make(map[*client]struct{}),
	}
}

// BatchDone broadcasts a query_batch_done message.
func (h *Hub) BatchDone(taskID string, summary orchestrator.BatchSummary) {
	h.broadcast(outMessage{Type: msgBatchDone, Payload: batchDonePayload{JobID: taskID, Data: summary}})
}

// JobUpdated broadcasts a query_job_updated message.
func (h *Hub) JobUpdated(update orchestrator.JobUpdate) {
	h.broadcast(outMessage{Type: msgJobUpdated, Payload: update})
}

func (h *Hub) broadcast(msg outMessage) {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n == 0 {
		return
	}

	data, err := msgpack.Marshal(msg)
	if err != nil {
		h.logger.Error("encode broadcast", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(data) {
			h.logger.Warn("client too slow, disconnecting", "remote", c.addr)
			c.close()
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.close()
	}
}

// Wait blocks until every client connection has shut down.
func (h *Hub) Wait() {
	h.conns.Wait()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("client connected", "remote", c.addr)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.logger.Info("client disconnected", "remote", c.addr)
}

// client is one websocket connection. Only writePump writes to conn.
type client struct {
	conn   *websocket.Conn
	addr   string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	// requests tracks in-flight sync_request handlers.
	requests sync.WaitGroup
}

func newClient(conn *websocket.Conn, addr string, logger *slog.Logger) *client {
	return &client{
		conn:   conn,
		addr:   addr,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// host returns the client's remote address without the port.
func (c *client) host() string {
	host, _, err := net.SplitHostPort(c.addr)
	if err != nil {
		return c.addr
	}
	return host
}

// enqueue queues data for sending. It reports false when the queue is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// reply encodes msg and queues it for this client.
func (c *client) reply(msg outMessage) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		c.logger.Error("encode response", "uuid", msg.UUID, "error", err)
		data, _ = msgpack.Marshal(syncError(msg.UUID, err))
	}
	if !c.enqueue(data) {
		c.logger.Warn("client too slow, disconnecting", "remote", c.addr)
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump reads sync requests until the connection fails or the client is
// closed, dispatching each to the router on its own goroutine.
func (c *client) readPump(ctx context.Context, r *router) {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "remote", c.addr, "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		var msg inMessage
		if err := msgpack.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("undecodable frame", "remote", c.addr, "error", err)
			continue
		}
		if msg.Type != msgSyncRequest {
			c.logger.Debug("ignoring message", "type", msg.Type)
			continue
		}
		c.requests.Go(func() {
			c.reply(r.dispatch(ctx, c, msg))
		})
	}
}

// writePump sends queued frames and pings until the client is closed.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.logger.Debug("write failed", "remote", c.addr, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
