// Package signaling is the WebSocket transport layer of the pairloop
// server. The Hub accepts connections, assigns peer ids, feeds inbound
// events into the matchmaking core, and delivers the core's outbound
// events through per-peer writer goroutines.
package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pairloop/pairloop/internal/match"
	"github.com/pairloop/pairloop/pkg/protocol"
)

// defaultSendBuffer is the per-peer outbound queue capacity. A peer whose
// queue fills up is treated as a slow consumer and disconnected.
const defaultSendBuffer = 32

// pingWriteTimeout bounds a single keepalive ping.
const pingWriteTimeout = 10 * time.Second

// anonymousName is used when a join carries no display name.
const anonymousName = "stranger"

// HubConfig configures the transport Hub.
type HubConfig struct {
	// AllowedOrigins is passed to the WebSocket accept as origin patterns.
	// Empty means same-origin only; "*" accepts any origin.
	AllowedOrigins []string

	// PingInterval is how often each connection is pinged. Zero disables
	// keepalive pings.
	PingInterval time.Duration

	// SendBuffer overrides the per-peer outbound queue capacity.
	SendBuffer int

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Hub is the signaling transport. It implements http.Handler for WebSocket
// upgrades and match.Emitter for the core's outbound events.
//
// Construction is two-phase because the Hub and the core reference each
// other: create the Hub, hand it to match.New as the Emitter, then Bind the
// core before serving.
type Hub struct {
	cfg  HubConfig
	log  *slog.Logger
	core *match.Matchmaker

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[match.PeerID]*peerConn
}

// peerConn is one connected transport peer.
type peerConn struct {
	id     match.PeerID
	conn   *websocket.Conn
	sendCh chan []byte
	once   sync.Once
}

// detach closes the outbound queue exactly once. The writer goroutine
// drains what is left and then closes the connection.
func (p *peerConn) detach() {
	p.once.Do(func() { close(p.sendCh) })
}

// NewHub creates a Hub. Call Bind with the core before serving.
func NewHub(cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:    cfg,
		log:    log.With("component", "hub"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[match.PeerID]*peerConn),
	}
}

// Bind attaches the matchmaking core. Must be called before the first
// connection is served.
func (h *Hub) Bind(core *match.Matchmaker) { h.core = core }

// Close shuts down the hub, closing all peer connections.
func (h *Hub) Close() {
	h.mu.Lock()
	for _, pc := range h.conns {
		pc.detach()
	}
	h.conns = make(map[match.PeerID]*peerConn)
	h.mu.Unlock()
	h.cancel()
}

// Emit implements match.Emitter. It never blocks: messages go into the
// peer's buffered outbound queue, and a peer that cannot drain its queue is
// disconnected rather than allowed to stall the server.
func (h *Hub) Emit(id match.PeerID, msg protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		h.log.Error("marshaling outbound message", "type", msg.MessageType(), "error", err)
		return
	}

	// The queue close in drop happens under the same lock, so the send can
	// never hit a closed channel.
	h.mu.Lock()
	defer h.mu.Unlock()
	pc, ok := h.conns[id]
	if !ok {
		// Peer already gone; the core will learn via Remove.
		return
	}

	select {
	case pc.sendCh <- data:
	default:
		h.log.Warn("slow consumer, disconnecting", "peer_id", id)
		_ = pc.conn.Close(websocket.StatusPolicyViolation, "send queue overflow")
	}
}

// ServeHTTP implements http.Handler. Each request is expected to be a
// WebSocket upgrade; the first message must be a join.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.core == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		h.log.Warn("WebSocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	id := match.PeerID(uuid.NewString())
	log := h.log.With("peer_id", id)

	// The first message must be a join.
	_, data, err := c.Read(ctx)
	if err != nil {
		_ = c.Close(websocket.StatusNormalClosure, "")
		return
	}
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		log.Warn("malformed join message", "error", err)
		_ = c.Close(websocket.StatusPolicyViolation, "expected join")
		return
	}
	join, ok := msg.(*protocol.JoinMessage)
	if !ok {
		log.Warn("first message is not join", "type", msg.MessageType())
		_ = c.Close(websocket.StatusPolicyViolation, "expected join")
		return
	}
	name := join.Name
	if name == "" {
		name = anonymousName
	}

	pc := &peerConn{
		id:     id,
		conn:   c,
		sendCh: make(chan []byte, h.cfg.SendBuffer),
	}
	h.mu.Lock()
	h.conns[id] = pc
	h.mu.Unlock()

	go h.writeLoop(ctx, pc)
	if h.cfg.PingInterval > 0 {
		go h.pingLoop(ctx, pc)
	}

	if err := h.core.Admit(id, name); err != nil {
		// The refusal has already been queued as an error event; let the
		// writer drain it, then close.
		log.Info("admission refused", "error", err)
		h.drop(id)
		return
	}
	log.Info("peer connected", "name", name)

	defer func() {
		h.core.Remove(id)
		h.drop(id)
		log.Info("peer disconnected")
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			log.Debug("dropping malformed message", "error", err)
			continue
		}
		if h.dispatch(id, msg, log) {
			return
		}
	}
}

// dispatch routes one inbound message into the core. It returns true when
// the connection should end (manual disconnect).
func (h *Hub) dispatch(id match.PeerID, msg protocol.Message, log *slog.Logger) (done bool) {
	switch m := msg.(type) {
	case *protocol.NextMessage:
		h.core.Next(id)
	case *protocol.ReadyMessage:
		if err := h.core.Enqueue(id); err != nil {
			log.Debug("ready-for-new ignored", "error", err)
		}
	case *protocol.OfferMessage:
		h.core.HandleOffer(id, m.RoomID, m.SDP)
	case *protocol.AnswerMessage:
		h.core.HandleAnswer(id, m.RoomID, m.SDP)
	case *protocol.ICECandidateMessage:
		h.core.HandleICECandidate(id, m.RoomID, m.Candidate, m.Kind)
	case *protocol.ConnectionEstablishedMessage:
		h.core.HandleConnectionEstablished(id, m.RoomID)
	case *protocol.ManualDisconnectMessage:
		return true
	case *protocol.JoinMessage:
		log.Debug("duplicate join ignored")
	default:
		log.Debug("unexpected inbound message", "type", msg.MessageType())
	}
	return false
}

// drop unregisters the peer and closes its outbound queue. The close
// happens under the lock so it cannot race a concurrent Emit.
func (h *Hub) drop(id match.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pc, ok := h.conns[id]; ok {
		delete(h.conns, id)
		pc.detach()
	}
}

// writeLoop drains the peer's outbound queue onto the wire. When the queue
// is closed it flushes what is left and closes the connection.
func (h *Hub) writeLoop(ctx context.Context, pc *peerConn) {
	for data := range pc.sendCh {
		if err := pc.conn.Write(ctx, websocket.MessageText, data); err != nil {
			// Read loop will observe the failure and clean up.
			return
		}
	}
	_ = pc.conn.Close(websocket.StatusNormalClosure, "")
}

// pingLoop detects dead peers. A failed ping closes the connection, which
// surfaces as a read error and takes the normal disconnect path.
func (h *Hub) pingLoop(ctx context.Context, pc *peerConn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingWriteTimeout)
			err := pc.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.log.Debug("ping failed, closing", "peer_id", pc.id, "error", err)
				_ = pc.conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}
