package match

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pairloop/pairloop/internal/observe"
	"github.com/pairloop/pairloop/pkg/protocol"
)

// Admission and enqueue failures.
var (
	// ErrAtCapacity means the peer or room limit would be exceeded.
	ErrAtCapacity = errors.New("server at capacity")

	// ErrDuplicate means the peer id is already in the directory.
	ErrDuplicate = errors.New("peer already admitted")

	// ErrUnknownPeer means the peer id is not in the directory.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrNotIdle means the peer asked to re-enter the queue while already
	// waiting or paired.
	ErrNotIdle = errors.New("peer is not idle")
)

// Limits are the admission and fairness bounds for a Matchmaker.
type Limits struct {
	// MaxPeers bounds the peer directory size.
	MaxPeers int

	// MaxRooms bounds the number of simultaneously open rooms.
	MaxRooms int

	// MaxAttempts is the number of Waiting→Paired promotions a peer may
	// accumulate before the pairing loop demotes it to the queue tail.
	MaxAttempts int
}

// Matchmaker owns the peer directory, the FIFO waiting queue, and (through
// its embedded registry) the set of active rooms. Every exported method is
// safe for concurrent use: it takes the single core lock, mutates state,
// stages outbound messages, and flushes them to the Emitter after unlock.
type Matchmaker struct {
	limits  Limits
	emitter Emitter
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu    sync.Mutex
	peers map[PeerID]*Peer
	queue []PeerID
	rooms *registry
}

// New creates a Matchmaker. logger may be nil (slog.Default is used);
// metrics may be nil (recording is skipped).
func New(limits Limits, emitter Emitter, logger *slog.Logger, metrics *observe.Metrics) *Matchmaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matchmaker{
		limits:  limits,
		emitter: emitter,
		log:     logger.With("component", "matchmaker"),
		metrics: metrics,
		now:     time.Now,
		peers:   make(map[PeerID]*Peer),
		rooms:   newRegistry(),
	}
}

// flush delivers staged emissions outside the critical section.
func (m *Matchmaker) flush(out []emission) {
	for _, e := range out {
		m.emitter.Emit(e.to, e.msg)
	}
}

// Admit inserts a new peer into the directory and the waiting queue, then
// runs the pairing loop. On refusal the peer is sent an error event and a
// non-nil error is returned so the transport can close the connection.
func (m *Matchmaker) Admit(id PeerID, name string) error {
	var out []emission
	m.mu.Lock()
	err := m.admitLocked(id, name, &out)
	m.mu.Unlock()
	m.flush(out)
	return err
}

func (m *Matchmaker) admitLocked(id PeerID, name string, out *[]emission) error {
	if _, ok := m.peers[id]; ok {
		*out = append(*out, emission{to: id, msg: &protocol.ErrorMessage{Message: "already joined"}})
		m.metrics.Rejected("duplicate")
		return ErrDuplicate
	}
	if len(m.peers) >= m.limits.MaxPeers || m.rooms.count() >= m.limits.MaxRooms {
		*out = append(*out, emission{to: id, msg: &protocol.ErrorMessage{Message: "server at capacity, please try again later"}})
		m.metrics.Rejected("capacity")
		m.log.Warn("admission refused: at capacity", "peers", len(m.peers), "rooms", m.rooms.count())
		return ErrAtCapacity
	}

	now := m.now()
	m.peers[id] = &Peer{
		ID:             id,
		Name:           name,
		State:          StateWaiting,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	m.queue = append(m.queue, id)
	*out = append(*out, emission{to: id, msg: &protocol.LobbyMessage{}})
	m.metrics.Admitted()
	m.log.Info("peer admitted", "peer_id", id, "name", name, "queue", len(m.queue))

	m.pairLocked(out)
	return nil
}

// Enqueue returns an idle peer to the waiting queue (ready-for-new). It is
// ignored for unknown peers and for peers that are already waiting or
// paired.
func (m *Matchmaker) Enqueue(id PeerID) error {
	var out []emission
	m.mu.Lock()
	err := m.enqueueLocked(id, &out)
	m.mu.Unlock()
	m.flush(out)
	return err
}

func (m *Matchmaker) enqueueLocked(id PeerID, out *[]emission) error {
	peer, ok := m.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	if peer.State != StateIdle {
		return ErrNotIdle
	}

	peer.State = StateWaiting
	peer.Attempts = 0
	peer.LastActivityAt = m.now()
	m.queue = append(m.queue, id)
	*out = append(*out, emission{to: id, msg: &protocol.LobbyMessage{}})
	m.log.Debug("peer re-entered queue", "peer_id", id, "queue", len(m.queue))

	m.pairLocked(out)
	return nil
}

// Next tears down the caller's room and returns both members to the queue,
// caller first. A peer without a room is waiting its turn already, so the
// request is a no-op: next never skips ahead in the queue.
func (m *Matchmaker) Next(id PeerID) {
	var out []emission
	m.mu.Lock()
	m.nextLocked(id, &out)
	m.mu.Unlock()
	m.flush(out)
}

func (m *Matchmaker) nextLocked(id PeerID, out *[]emission) {
	peer, ok := m.peers[id]
	if !ok || peer.State != StatePaired {
		m.log.Debug("next ignored: peer not paired", "peer_id", id)
		return
	}
	room, ok := m.rooms.roomOf(id)
	if !ok {
		// Paired peer without a room: self-heal by re-queueing it.
		m.requeueLocked(peer, out)
		m.pairLocked(out)
		return
	}

	partnerID := room.other(id)
	m.rooms.destroy(room.ID)
	*out = append(*out, emission{to: partnerID, msg: &protocol.PartnerDisconnectedMessage{}})
	m.log.Info("next: room torn down", "peer_id", id, "room_id", room.ID)

	// Caller first, partner second. Remember the split so the pairing loop
	// does not put the same two straight back together.
	peer.lastPartner = partnerID
	m.requeueLocked(peer, out)
	if partner, ok := m.peers[partnerID]; ok {
		partner.lastPartner = id
		m.requeueLocked(partner, out)
	}
	m.pairLocked(out)
}

// requeueLocked puts a peer back into Waiting at the queue tail with its
// attempt count reset, and stages the lobby event.
func (m *Matchmaker) requeueLocked(peer *Peer, out *[]emission) {
	peer.State = StateWaiting
	peer.Attempts = 0
	peer.LastActivityAt = m.now()
	m.queue = append(m.queue, peer.ID)
	*out = append(*out, emission{to: peer.ID, msg: &protocol.LobbyMessage{}})
}

// Remove handles a transport-initiated disconnect: tear down the peer's
// room (returning the partner to the queue), delete the peer from the
// directory and the queue, then re-run pairing.
func (m *Matchmaker) Remove(id PeerID) {
	var out []emission
	m.mu.Lock()
	m.removeLocked(id, &out)
	m.mu.Unlock()
	m.flush(out)
}

func (m *Matchmaker) removeLocked(id PeerID, out *[]emission) {
	if partnerID, ok := m.rooms.handlePeerDisconnect(id, out); ok {
		if partner, ok := m.peers[partnerID]; ok {
			m.requeueLocked(partner, out)
		}
	}

	if _, ok := m.peers[id]; !ok {
		return
	}
	delete(m.peers, id)

	filtered := m.queue[:0]
	for _, qid := range m.queue {
		if qid != id {
			filtered = append(filtered, qid)
		}
	}
	m.queue = filtered

	m.log.Info("peer removed", "peer_id", id, "peers", len(m.peers), "queue", len(m.queue))
	m.pairLocked(out)
}

// Touch refreshes the peer's activity clock. Called on every inbound
// signaling event.
func (m *Matchmaker) Touch(id PeerID) {
	m.mu.Lock()
	if peer, ok := m.peers[id]; ok {
		peer.LastActivityAt = m.now()
	}
	m.mu.Unlock()
}

// --- Signaling relay (room registry front door) ---

// HandleOffer relays an SDP offer from sender to its partner. Unknown rooms
// and non-member senders are dropped silently.
func (m *Matchmaker) HandleOffer(sender PeerID, roomID, sdp string) {
	var out []emission
	m.mu.Lock()
	m.touchLocked(sender)
	relayed := m.rooms.relayOffer(RoomID(roomID), sdp, sender, &out)
	m.mu.Unlock()
	m.flush(out)
	if relayed {
		m.metrics.Relayed("offer")
	}
}

// HandleAnswer relays an SDP answer from sender to its partner.
func (m *Matchmaker) HandleAnswer(sender PeerID, roomID, sdp string) {
	var out []emission
	m.mu.Lock()
	m.touchLocked(sender)
	relayed := m.rooms.relayAnswer(RoomID(roomID), sdp, sender, &out)
	m.mu.Unlock()
	m.flush(out)
	if relayed {
		m.metrics.Relayed("answer")
	}
}

// HandleICECandidate relays a trickle ICE candidate from sender to its
// partner.
func (m *Matchmaker) HandleICECandidate(sender PeerID, roomID, candidate, kind string) {
	var out []emission
	m.mu.Lock()
	m.touchLocked(sender)
	relayed := m.rooms.relayCandidate(RoomID(roomID), sender, candidate, kind, &out)
	m.mu.Unlock()
	m.flush(out)
	if relayed {
		m.metrics.Relayed("ice-candidate")
	}
}

// HandleConnectionEstablished marks the room as connected, excluding it
// from stale reaping.
func (m *Matchmaker) HandleConnectionEstablished(sender PeerID, roomID string) {
	m.mu.Lock()
	m.touchLocked(sender)
	m.rooms.markConnected(RoomID(roomID), sender)
	m.mu.Unlock()
}

func (m *Matchmaker) touchLocked(id PeerID) {
	if peer, ok := m.peers[id]; ok {
		peer.LastActivityAt = m.now()
	}
}

// --- Sweeps ---

// ReapInactive removes peers whose last activity is older than timeout.
// Returns the number of peers removed.
func (m *Matchmaker) ReapInactive(now time.Time, timeout time.Duration) int {
	var out []emission
	m.mu.Lock()
	var stale []PeerID
	for id, peer := range m.peers {
		if now.Sub(peer.LastActivityAt) > timeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		m.removeLocked(id, &out)
	}
	m.mu.Unlock()
	m.flush(out)

	if len(stale) > 0 {
		m.metrics.ReapedPeers(int64(len(stale)))
		m.log.Info("inactive peers reaped", "count", len(stale))
	}
	return len(stale)
}

// ReapStale destroys rooms that never connected within timeout. Both
// members are notified with connection-timeout and dropped to Idle; they
// must send ready-for-new to be queued again. Returns the number of rooms
// destroyed.
func (m *Matchmaker) ReapStale(now time.Time, timeout time.Duration) int {
	var out []emission
	m.mu.Lock()
	members := m.rooms.reapStale(now, timeout, &out)
	for _, id := range members {
		if peer, ok := m.peers[id]; ok {
			peer.State = StateIdle
		}
	}
	m.mu.Unlock()
	m.flush(out)

	reaped := len(members) / 2
	if reaped > 0 {
		m.metrics.ReapedRooms(int64(reaped))
		m.log.Info("stale rooms reaped", "count", reaped)
	}
	return reaped
}

// --- Pairing ---

// pairLocked matches waiting peers head-first until fewer than two remain
// or the head cannot currently be matched. Must be called with the lock
// held.
//
// Termination: every iteration either removes ids from the queue (pair
// formed or orphan discarded), moves a peer to the tail at most once per
// run (attempts demotion, split-pair rotation), or breaks.
func (m *Matchmaker) pairLocked(out *[]emission) {
	tailed := make(map[PeerID]bool)

	for len(m.queue) >= 2 {
		id1 := m.queue[0]
		m.queue = m.queue[1:]
		p1, ok := m.peers[id1]
		if !ok {
			// Orphaned id from a departed peer; drop it and keep going.
			continue
		}

		id2 := m.queue[0]
		m.queue = m.queue[1:]
		p2, ok := m.peers[id2]
		if !ok {
			m.queue = append([]PeerID{id1}, m.queue...)
			continue
		}

		if p1.State != StateWaiting || p2.State != StateWaiting {
			// Queue is temporarily inconsistent; put both back in order and
			// let the next event revisit it.
			m.queue = append([]PeerID{id1, id2}, m.queue...)
			break
		}

		// Demote repeat-failure peers to the tail so they cannot block the
		// head. Each peer moves to the tail at most once per run.
		if p1.Attempts >= m.limits.MaxAttempts || p2.Attempts >= m.limits.MaxAttempts {
			if tailed[id1] || tailed[id2] {
				m.queue = append([]PeerID{id1, id2}, m.queue...)
				break
			}
			if p1.Attempts >= m.limits.MaxAttempts {
				tailed[id1] = true
				m.queue = append(m.queue, id1)
			} else {
				m.queue = append([]PeerID{id1}, m.queue...)
			}
			if p2.Attempts >= m.limits.MaxAttempts {
				tailed[id2] = true
				m.queue = append(m.queue, id2)
			} else {
				m.queue = append([]PeerID{id2}, m.queue...)
			}
			continue
		}

		// Never put a freshly split pair straight back together: rotate the
		// second peer to the tail so the head can try the next arrival.
		if p1.lastPartner == id2 || p2.lastPartner == id1 {
			if tailed[id2] {
				m.queue = append([]PeerID{id1, id2}, m.queue...)
				break
			}
			tailed[id2] = true
			m.queue = append([]PeerID{id1}, m.queue...)
			m.queue = append(m.queue, id2)
			continue
		}

		p1.State = StatePaired
		p2.State = StatePaired
		p1.Attempts++
		p2.Attempts++
		p1.lastPartner = ""
		p2.lastPartner = ""

		// First-dequeued peer offers.
		roomID := m.rooms.create(p1, p2, m.now(), out)
		m.metrics.RoomCreated()
		m.log.Info("pair formed", "room_id", roomID, "offerer", id1, "answerer", id2)
	}
}

// --- Introspection ---

// Snapshot is a lock-consistent view of the core for the status endpoint
// and the monitoring sweep.
type Snapshot struct {
	Peers       int            `json:"total_users"`
	QueueLength int            `json:"queue_length"`
	States      map[string]int `json:"states"`
	Rooms       RoomStats      `json:"rooms"`
	MaxPeers    int            `json:"max_peers"`
	MaxRooms    int            `json:"max_rooms"`
}

// LoadPercent is directory occupancy against MaxPeers.
func (s Snapshot) LoadPercent() float64 {
	if s.MaxPeers == 0 {
		return 0
	}
	return float64(s.Peers) / float64(s.MaxPeers) * 100
}

// RoomUtilizationPercent is room occupancy against MaxRooms.
func (s Snapshot) RoomUtilizationPercent() float64 {
	if s.MaxRooms == 0 {
		return 0
	}
	return float64(s.Rooms.Total) / float64(s.MaxRooms) * 100
}

// Snapshot returns a consistent view of the directory, queue, and rooms.
func (m *Matchmaker) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]int, 3)
	for _, peer := range m.peers {
		states[peer.State.String()]++
	}
	return Snapshot{
		Peers:       len(m.peers),
		QueueLength: len(m.queue),
		States:      states,
		Rooms:       m.rooms.stats(),
		MaxPeers:    m.limits.MaxPeers,
		MaxRooms:    m.limits.MaxRooms,
	}
}
