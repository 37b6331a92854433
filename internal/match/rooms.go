package match

import (
	"time"

	"github.com/google/uuid"

	"github.com/pairloop/pairloop/pkg/protocol"
)

// Room is an active two-party signaling session. The peer in position A is
// the offerer and the peer in position B the answerer; the asymmetry is what
// prevents both sides from sending competing offers (glare).
type Room struct {
	ID         RoomID
	A          PeerID // offerer
	B          PeerID // answerer
	CreatedAt  time.Time
	OfferSent  bool
	AnswerSent bool
	Connected  bool
}

// other returns the member that is not id, or "" if id is not a member.
func (r *Room) other(id PeerID) PeerID {
	switch id {
	case r.A:
		return r.B
	case r.B:
		return r.A
	default:
		return ""
	}
}

// RoomStats is a point-in-time summary of the room registry.
type RoomStats struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
	Pending   int `json:"pending"`
}

// registry owns the set of active rooms and routes signaling messages
// between their members. It has no lock of its own: the Matchmaker reaches
// it only inside its critical section.
type registry struct {
	rooms  map[RoomID]*Room
	byPeer map[PeerID]RoomID
}

func newRegistry() *registry {
	return &registry{
		rooms:  make(map[RoomID]*Room),
		byPeer: make(map[PeerID]RoomID),
	}
}

func (g *registry) count() int { return len(g.rooms) }

// create opens a room for the pair (a offers, b answers) and stages the
// role-assignment events: send-offer to the offerer, wait-offer to the
// answerer, each carrying the partner's display name.
func (g *registry) create(a, b *Peer, now time.Time, out *[]emission) RoomID {
	id := RoomID(uuid.NewString())
	g.rooms[id] = &Room{ID: id, A: a.ID, B: b.ID, CreatedAt: now}
	g.byPeer[a.ID] = id
	g.byPeer[b.ID] = id

	*out = append(*out,
		emission{to: a.ID, msg: &protocol.SendOfferMessage{RoomID: string(id), PartnerName: b.Name}},
		emission{to: b.ID, msg: &protocol.WaitOfferMessage{RoomID: string(id), PartnerName: a.Name}},
	)
	return id
}

// member returns the room and the sender's partner when sender belongs to
// the room. Unknown rooms and non-member senders yield ok=false; the caller
// drops the message silently.
func (g *registry) member(id RoomID, sender PeerID) (*Room, PeerID, bool) {
	room, ok := g.rooms[id]
	if !ok {
		return nil, "", false
	}
	partner := room.other(sender)
	if partner == "" {
		return nil, "", false
	}
	return room, partner, true
}

// relayOffer forwards an SDP offer to the sender's partner.
func (g *registry) relayOffer(id RoomID, sdp string, sender PeerID, out *[]emission) bool {
	room, partner, ok := g.member(id, sender)
	if !ok {
		return false
	}
	room.OfferSent = true
	*out = append(*out, emission{to: partner, msg: &protocol.OfferMessage{RoomID: string(id), SDP: sdp}})
	return true
}

// relayAnswer forwards an SDP answer to the sender's partner.
func (g *registry) relayAnswer(id RoomID, sdp string, sender PeerID, out *[]emission) bool {
	room, partner, ok := g.member(id, sender)
	if !ok {
		return false
	}
	room.AnswerSent = true
	*out = append(*out, emission{to: partner, msg: &protocol.AnswerMessage{RoomID: string(id), SDP: sdp}})
	return true
}

// relayCandidate forwards a trickle ICE candidate to the sender's partner.
// No room state changes.
func (g *registry) relayCandidate(id RoomID, sender PeerID, candidate, kind string, out *[]emission) bool {
	_, partner, ok := g.member(id, sender)
	if !ok {
		return false
	}
	*out = append(*out, emission{to: partner, msg: &protocol.ICECandidateMessage{Candidate: candidate, Kind: kind}})
	return true
}

// markConnected records that the WebRTC session for the room came up,
// excluding it from stale reaping.
func (g *registry) markConnected(id RoomID, sender PeerID) bool {
	room, _, ok := g.member(id, sender)
	if !ok {
		return false
	}
	room.Connected = true
	return true
}

// roomOf finds the room containing the peer.
func (g *registry) roomOf(id PeerID) (*Room, bool) {
	rid, ok := g.byPeer[id]
	if !ok {
		return nil, false
	}
	room, ok := g.rooms[rid]
	return room, ok
}

// destroy removes the room. It does not notify the members; the caller
// decides what, if anything, each side should hear.
func (g *registry) destroy(id RoomID) {
	room, ok := g.rooms[id]
	if !ok {
		return
	}
	delete(g.byPeer, room.A)
	delete(g.byPeer, room.B)
	delete(g.rooms, id)
}

// handlePeerDisconnect tears down the room containing id, if any, stages
// partner-disconnected to the other member, and returns that member.
func (g *registry) handlePeerDisconnect(id PeerID, out *[]emission) (PeerID, bool) {
	room, ok := g.roomOf(id)
	if !ok {
		return "", false
	}
	partner := room.other(id)
	*out = append(*out, emission{to: partner, msg: &protocol.PartnerDisconnectedMessage{}})
	g.destroy(room.ID)
	return partner, true
}

// reapStale destroys rooms that never connected within timeout, staging
// connection-timeout to both members. Returns the reaped rooms' members so
// the caller can fix up peer state.
func (g *registry) reapStale(now time.Time, timeout time.Duration, out *[]emission) []PeerID {
	var members []PeerID
	for id, room := range g.rooms {
		if room.Connected || now.Sub(room.CreatedAt) <= timeout {
			continue
		}
		*out = append(*out,
			emission{to: room.A, msg: &protocol.ConnectionTimeoutMessage{}},
			emission{to: room.B, msg: &protocol.ConnectionTimeoutMessage{}},
		)
		members = append(members, room.A, room.B)
		g.destroy(id)
	}
	return members
}

// stats summarises the registry.
func (g *registry) stats() RoomStats {
	s := RoomStats{Total: len(g.rooms)}
	for _, room := range g.rooms {
		if room.Connected {
			s.Connected++
		} else {
			s.Pending++
		}
	}
	return s
}
