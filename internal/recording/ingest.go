package recording

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"session-recorder/internal/platform/metrics"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is how many outbound messages may wait for one client before
	// it is dropped as too slow.
	sendBuffer = 256

	// DefaultMaxChunkBytes caps a single fragment's payload.
	DefaultMaxChunkBytes = 16 << 20
)

// Wire values for the ingestion protocol.
const (
	MessageTypeStream = "stream"
	MessageTypeAck    = "ack"
	MessageTypeChunk  = "chunk"

	StatusReceived = "received"
	StatusError    = "error"
)

var (
	errClientClosed = errors.New("client closed")
	errQueueFull    = errors.New("client send queue full")
)

// Ingester persists one fragment. *Service implements it.
type Ingester interface {
	Ingest(frag Fragment) (Receipt, error)
}

// inboundMessage is a JSON text frame. Chunk is base64 on the wire.
type inboundMessage struct {
	Type      string `json:"type,omitempty"`
	SessionID string `json:"sessionId"`
	Chunk     []byte `json:"chunk"`
}

// Ack answers every inbound fragment that is not oversize.
type Ack struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	SessionID  string `json:"sessionId,omitempty"`
	ChunkIndex *int   `json:"chunkIndex,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Notification is broadcast to every connected client when a chunk is stored.
type Notification struct {
	Type string `json:"type"`
	Receipt
}

// HubConfig configures the ingestion endpoint.
type HubConfig struct {
	// AllowedOrigin is matched against the Origin header of browser clients.
	// Empty or "*" accepts any origin.
	AllowedOrigin string
	// MaxChunkBytes caps a fragment payload. Zero means DefaultMaxChunkBytes.
	// A larger fragment closes the connection with code 1009.
	MaxChunkBytes int
}

type client struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time

	closing atomic.Bool

	// queue feeds the client's writer goroutine, the only one that writes
	// data frames to conn.
	mu        sync.Mutex
	queue     chan any
	closed    bool
	closeCode int
}

func newClient(id string, conn *websocket.Conn, remoteAddr string, buffer int) *client {
	return &client{
		id:          id,
		conn:        conn,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		queue:       make(chan any, buffer),
	}
}

// enqueue hands v to the writer without blocking.
func (c *client) enqueue(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}
	select {
	case c.queue <- v:
		return nil
	default:
		return errQueueFull
	}
}

// finish closes the queue. The writer sends what is already queued, then a
// close frame carrying code unless code is zero.
func (c *client) finish(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	close(c.queue)
}

func (c *client) finalCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// extendReadDeadline moves the read deadline pongWait ahead unless the hub is
// shutting down. closing is checked again after the update so an immediate
// deadline set concurrently by Shutdown is never overwritten.
func extendReadDeadline(conn readDeadliner, closing *atomic.Bool) error {
	if closing.Load() {
		return nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	if closing.Load() {
		return conn.SetReadDeadline(time.Now())
	}
	return nil
}

// Hub terminates producer WebSocket connections and turns each inbound
// fragment into a persisted chunk plus an acknowledgment.
type Hub struct {
	ingest   Ingester
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	maxChunk int

	mu       sync.RWMutex
	clients  map[string]*client
	shutdown bool
	wg       sync.WaitGroup
}

// NewHub returns a Hub. m may be nil.
func NewHub(ingest Ingester, cfg HubConfig, log *slog.Logger, m *metrics.Metrics) *Hub {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	allowed := cfg.AllowedOrigin
	return &Hub{
		ingest:   ingest,
		log:      log,
		metrics:  m,
		maxChunk: cfg.MaxChunkBytes,
		clients:  make(map[string]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowed == "" || allowed == "*" || origin == "" || origin == allowed
			},
		},
	}
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	down := h.shutdown
	h.mu.RUnlock()
	if down {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		id = r.RemoteAddr
	}
	c := newClient(id, conn, r.RemoteAddr, sendBuffer)

	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, closeReason(websocket.CloseGoingAway)),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h.log.Info("client connected",
		slog.String("client_id", c.id),
		slog.String("remote_addr", c.remoteAddr))

	go h.serve(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shutdown {
		return false
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	if h.metrics != nil {
		h.metrics.SetConnectedClients(len(h.clients))
	}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, c.id)
	if h.metrics != nil {
		h.metrics.SetConnectedClients(len(h.clients))
	}
}

// serve runs the read loop. Fragments on one connection are handled in
// order, each acknowledged before the next is read.
func (h *Hub) serve(c *client) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(c)
	}()

	closeCode := 0
	defer func() {
		h.unregister(c)
		if closeCode == 0 && c.closing.Load() {
			closeCode = websocket.CloseGoingAway
		}
		c.finish(closeCode)
		<-writerDone
		c.conn.Close()
		h.wg.Done()
		h.log.Info("client disconnected",
			slog.String("client_id", c.id),
			slog.Duration("connected_for", time.Since(c.connectedAt)))
	}()

	// base64 inflates JSON payloads by 4/3; leave room for the envelope.
	c.conn.SetReadLimit(int64(h.maxChunk)*4/3 + 4096)
	extendReadDeadline(c.conn, &c.closing)
	c.conn.SetPongHandler(func(string) error {
		return extendReadDeadline(c.conn, &c.closing)
	})

	for !c.closing.Load() {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent the 1009 close frame.
				h.oversize(c)
			case !c.closing.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
				h.log.Warn("websocket read failed",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()))
			}
			return
		}
		if !h.handleMessage(c, mt, data) {
			closeCode = websocket.CloseMessageTooBig
			return
		}
	}
}

// writePump writes queued messages and keepalive pings until the queue is
// closed, then sends the close frame.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case v, ok := <-c.queue:
			if !ok {
				if code := c.finalCode(); code != 0 {
					c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(code, closeReason(code)),
						time.Now().Add(writeWait))
				}
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(v); err != nil {
				h.log.Debug("write to client failed",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()))
				h.abandon(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.abandon(c)
				return
			}
		}
	}
}

// abandon closes a connection whose writes fail and discards its queue until
// the read loop finishes it.
func (h *Hub) abandon(c *client) {
	c.conn.Close()
	for range c.queue {
	}
}

func closeReason(code int) string {
	switch code {
	case websocket.CloseGoingAway:
		return "server shutting down"
	case websocket.CloseMessageTooBig:
		return "fragment exceeds maximum size"
	}
	return ""
}

// handleMessage processes one frame. It returns false when the connection
// must be closed because the fragment is oversize.
func (h *Hub) handleMessage(c *client, mt int, data []byte) bool {
	frag, err := decodeFragment(mt, data)
	if err == nil && len(frag.Chunk) > h.maxChunk {
		h.oversize(c)
		return false
	}
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncIngestErrors("validation")
		}
		h.log.Debug("fragment rejected",
			slog.String("client_id", c.id),
			slog.String("error", err.Error()))
		h.reply(c, Ack{Type: MessageTypeAck, Status: StatusError, Message: err.Error()})
		return true
	}

	receipt, err := h.ingest.Ingest(frag)
	if err != nil {
		h.reply(c, Ack{Type: MessageTypeAck, Status: StatusError, SessionID: frag.SessionID, Message: err.Error()})
		return true
	}

	idx := receipt.ChunkIndex
	h.reply(c, Ack{Type: MessageTypeAck, Status: StatusReceived, SessionID: receipt.SessionID, ChunkIndex: &idx})
	h.Broadcast(Notification{Type: MessageTypeChunk, Receipt: receipt})
	return true
}

func (h *Hub) oversize(c *client) {
	if h.metrics != nil {
		h.metrics.IncIngestErrors("oversize")
	}
	h.log.Warn("fragment exceeds maximum size, closing connection",
		slog.String("client_id", c.id),
		slog.Int("max_chunk_bytes", h.maxChunk))
}

func (h *Hub) reply(c *client, ack Ack) {
	if err := c.enqueue(ack); errors.Is(err, errQueueFull) {
		h.drop(c)
	}
}

// Broadcast queues v for every connected client. A client whose queue is
// full is disconnected; the caller never waits on a slow connection.
func (h *Hub) Broadcast(v any) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.enqueue(v); errors.Is(err, errQueueFull) {
			h.drop(c)
		}
	}
}

// drop disconnects a client that is not keeping up with its queue.
func (h *Hub) drop(c *client) {
	if h.metrics != nil {
		h.metrics.IncIngestErrors("slow_client")
	}
	h.log.Warn("dropping slow client",
		slog.String("client_id", c.id),
		slog.String("remote_addr", c.remoteAddr))
	h.unregister(c)
	c.conn.Close()
}

// Shutdown stops accepting connections and lets every open connection finish
// the fragment it is handling, so its acknowledgment is still delivered,
// before sending a close frame. Connections still open when ctx ends are
// closed forcibly and ctx's error is returned.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closing.Store(true)
		// Unblocks a pending read; a fragment already read is still handled.
		c.conn.SetReadDeadline(time.Now())
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range clients {
			c.conn.Close()
		}
		return ctx.Err()
	}
}

// decodeFragment accepts a JSON text frame or a binary frame laid out as
// uint16 big-endian id length, id bytes, payload.
func decodeFragment(mt int, data []byte) (Fragment, error) {
	switch mt {
	case websocket.TextMessage:
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Fragment{}, &ValidationError{Field: "message", Reason: "is not valid JSON: " + err.Error()}
		}
		if msg.Type != "" && msg.Type != MessageTypeStream {
			return Fragment{}, &ValidationError{Field: "type", Reason: "unsupported: " + msg.Type}
		}
		frag := Fragment{SessionID: msg.SessionID, Chunk: msg.Chunk}
		return frag, frag.Validate()

	case websocket.BinaryMessage:
		if len(data) < 2 {
			return Fragment{}, &ValidationError{Field: "message", Reason: "binary frame too short"}
		}
		n := int(binary.BigEndian.Uint16(data[:2]))
		if len(data) < 2+n {
			return Fragment{}, &ValidationError{Field: "sessionId", Reason: "length exceeds frame"}
		}
		frag := Fragment{SessionID: string(data[2 : 2+n]), Chunk: data[2+n:]}
		return frag, frag.Validate()
	}
	return Fragment{}, &ValidationError{Field: "message", Reason: "unsupported frame type"}
}

// EncodeBinaryFragment builds a binary ingestion frame.
func EncodeBinaryFragment(sessionID string, chunk []byte) []byte {
	buf := make([]byte, 2+len(sessionID)+len(chunk))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(sessionID)))
	copy(buf[2:], sessionID)
	copy(buf[2+len(sessionID):], chunk)
	return buf
}
