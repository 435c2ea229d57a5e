// Package hub multiplexes browser WebSocket connections onto per-repository
// session event streams. Each connection carries its own subscription set;
// broadcast reaches only connections subscribed to the target repository,
// which is the isolation boundary between tenants sharing one process.
package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"pkt.systems/agentdeck/internal/logx"
	"pkt.systems/agentdeck/schema"
	"pkt.systems/pslog"
)

// Socket is the subset of *websocket.Conn the hub uses. Tests substitute an
// in-memory implementation.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

var _ Socket = (*websocket.Conn)(nil)

// RepoChecker verifies a repository id is registered before a subscribe is
// accepted.
type RepoChecker interface {
	Get(id schema.RepoID) (schema.Repository, error)
}

// Registry is the slice of the session registry the hub needs: relaying
// decisions and reporting status on subscribe.
type Registry interface {
	SendResponse(ctx context.Context, repoID schema.RepoID, resp schema.ClientResponse) error
	Status(repoID schema.RepoID) schema.SessionStatus
}

// Hub tracks live connections and their subscription sets.
type Hub struct {
	repos    RepoChecker
	registry Registry
	log      pslog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Conn is one browser connection.
type Conn struct {
	id   schema.ConnID
	sock Socket

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[schema.RepoID]struct{}
}

// ID returns the connection id.
func (c *Conn) ID() schema.ConnID { return c.id }

// Subscribed reports whether the connection is subscribed to the repository.
func (c *Conn) Subscribed(repoID schema.RepoID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[repoID]
	return ok
}

// New constructs a hub.
func New(repos RepoChecker, registry Registry, logger pslog.Logger) *Hub {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		repos:    repos,
		registry: registry,
		log:      logger,
		conns:    make(map[*Conn]struct{}),
	}
}

// SetRegistry wires the session registry in after construction. The hub and
// the registry reference each other through the bridge, so one of the two
// links has to be set late.
func (h *Hub) SetRegistry(registry Registry) {
	h.mu.Lock()
	h.registry = registry
	h.mu.Unlock()
}

func (h *Hub) getRegistry() Registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry
}

// Attach registers a socket as a hub connection.
func (h *Hub) Attach(sock Socket) *Conn {
	conn := &Conn{
		id:   schema.ConnID(newConnID()),
		sock: sock,
		subs: make(map[schema.RepoID]struct{}),
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	count := len(h.conns)
	h.mu.Unlock()
	h.log.Info("hub attach", "conn", conn.id, "conns", count)
	return conn
}

// Detach removes the connection and closes its socket.
func (h *Hub) Detach(conn *Conn) {
	h.mu.Lock()
	_, known := h.conns[conn]
	delete(h.conns, conn)
	count := len(h.conns)
	h.mu.Unlock()
	if !known {
		return
	}
	_ = conn.sock.Close()
	h.log.Info("hub detach", "conn", conn.id, "conns", count)
}

// Serve runs the connection's read loop until the socket closes. Malformed
// frames are logged and dropped; one bad frame never closes the connection.
func (h *Hub) Serve(ctx context.Context, conn *Conn) {
	defer h.Detach(conn)
	log := logx.WithConn(ctx, conn.id)
	for {
		_, frame, err := conn.sock.ReadMessage()
		if err != nil {
			log.Debug("hub read closed", "err", err)
			return
		}
		h.handleFrame(ctx, conn, frame)
	}
}

func (h *Hub) handleFrame(ctx context.Context, conn *Conn, frame []byte) {
	log := logx.WithConn(ctx, conn.id)
	var env schema.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		log.Warn("hub frame malformed", "err", err, "frame_len", len(frame))
		return
	}
	switch env.Type {
	case schema.TypeSubscribe:
		h.handleSubscribe(ctx, conn, env)
	case schema.TypeUnsubscribe:
		h.handleUnsubscribe(ctx, conn, env)
	case schema.TypeAppServerResponse:
		h.handleResponse(ctx, conn, env)
	default:
		log.Warn("hub frame unknown type", "type", env.Type)
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, conn *Conn, env schema.Envelope) {
	log := logx.WithConn(ctx, conn.id)
	var payload schema.SubscribePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.Warn("hub subscribe malformed", "err", err)
			h.sendError(conn, env.RequestID, schema.SubscribeErrMissingRepoID, "missing repository id")
			return
		}
	}
	if payload.RepoID == "" {
		h.sendError(conn, env.RequestID, schema.SubscribeErrMissingRepoID, "missing repository id")
		return
	}
	if _, err := h.repos.Get(payload.RepoID); err != nil {
		log.Warn("hub subscribe unknown repo", "repo", payload.RepoID)
		h.sendError(conn, env.RequestID, schema.SubscribeErrUnknownRepo, "unknown repository")
		return
	}
	conn.mu.Lock()
	conn.subs[payload.RepoID] = struct{}{}
	subCount := len(conn.subs)
	conn.mu.Unlock()
	log.Info("hub subscribe", "repo", payload.RepoID, "subs", subCount)

	h.send(conn, schema.Envelope{Type: schema.TypeSubscribeAck, RequestID: env.RequestID, Payload: mustJSON(payload)})
	// Push current status so the subscriber's view is never stale on join.
	if registry := h.getRegistry(); registry != nil {
		status := schema.SessionStatusPayload{RepoID: payload.RepoID, Status: registry.Status(payload.RepoID)}
		h.send(conn, schema.Envelope{Type: schema.TypeSessionStatus, Payload: mustJSON(status)})
	}
}

func (h *Hub) handleUnsubscribe(ctx context.Context, conn *Conn, env schema.Envelope) {
	var payload schema.SubscribePayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &payload)
	}
	conn.mu.Lock()
	delete(conn.subs, payload.RepoID)
	conn.mu.Unlock()
	logx.WithConn(ctx, conn.id).Info("hub unsubscribe", "repo", payload.RepoID)
	h.send(conn, schema.Envelope{Type: schema.TypeUnsubscribeAck, RequestID: env.RequestID, Payload: mustJSON(payload)})
}

func (h *Hub) handleResponse(ctx context.Context, conn *Conn, env schema.Envelope) {
	log := logx.WithConn(ctx, conn.id)
	var payload schema.ResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		log.Warn("hub response malformed", "err", err)
		return
	}
	if payload.RepoID == "" || len(payload.Message.ID) == 0 {
		log.Warn("hub response dropped", "reason", "missing id")
		return
	}
	registry := h.getRegistry()
	if registry == nil {
		log.Warn("hub response dropped", "reason", "no registry")
		return
	}
	if err := registry.SendResponse(ctx, payload.RepoID, payload.Message); err != nil {
		log.Warn("hub response relay failed", "repo", payload.RepoID, "err", err)
	}
}

// BroadcastToRepo delivers the envelope to every connection subscribed to
// the repository. Fire-and-forget: write failures only detach the offender.
func (h *Hub) BroadcastToRepo(repoID schema.RepoID, env schema.Envelope) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		if conn.Subscribed(repoID) {
			targets = append(targets, conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range targets {
		h.send(conn, env)
	}
	if len(targets) > 0 {
		h.log.Trace("hub broadcast", "repo", repoID, "type", env.Type, "conns", len(targets))
	}
}

// Teardown closes every connection.
func (h *Hub) Teardown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[*Conn]struct{})
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.sock.Close()
	}
	h.log.Info("hub teardown", "conns", len(conns))
}

func (h *Hub) send(conn *Conn, env schema.Envelope) {
	conn.writeMu.Lock()
	err := conn.sock.WriteJSON(env)
	conn.writeMu.Unlock()
	if err != nil {
		h.log.Warn("hub write failed", "conn", conn.id, "type", env.Type, "err", err)
		h.Detach(conn)
	}
}

func (h *Hub) sendError(conn *Conn, requestID, code, message string) {
	payload := schema.SubscribeErrorPayload{Code: code, Message: message}
	h.send(conn, schema.Envelope{Type: schema.TypeSubscribeError, RequestID: requestID, Payload: mustJSON(payload)})
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func newConnID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "conn-unknown"
	}
	return hex.EncodeToString(buf[:])
}
