// Package match implements the matchmaking and signaling core of the
// pairloop server: the peer directory, the FIFO waiting queue, the set of
// active two-party rooms, and the glare-free relay of WebRTC signaling
// between paired peers.
//
// The whole core is serialised by a single mutex owned by the Matchmaker.
// Outbound messages are staged while the lock is held and flushed to the
// transport after it is released, so the lock never spans I/O.
package match

import (
	"time"

	"github.com/pairloop/pairloop/pkg/protocol"
)

// PeerID identifies one transport connection for its lifetime. It is minted
// by the transport layer and is globally unique while the peer is alive.
type PeerID string

// RoomID identifies a two-party signaling session.
type RoomID string

// PeerState tracks where a peer currently is in its lifecycle.
type PeerState int

const (
	// StateIdle means the peer is connected but neither queued nor paired,
	// e.g. after its room was reaped. It must send ready-for-new to re-enter
	// the queue.
	StateIdle PeerState = iota

	// StateWaiting means the peer is in the FIFO queue.
	StateWaiting

	// StatePaired means the peer is a member of exactly one room.
	StatePaired
)

func (s PeerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	default:
		return "unknown"
	}
}

// Peer is one connected client. Fields are mutated only under the
// Matchmaker's lock.
type Peer struct {
	ID             PeerID
	Name           string
	State          PeerState
	CreatedAt      time.Time
	LastActivityAt time.Time

	// Attempts counts promotions from Waiting to Paired since the peer last
	// re-entered the queue. Peers at or above the configured maximum are
	// demoted to the queue tail by the pairing loop.
	Attempts int

	// lastPartner is the peer this one most recently split from via next.
	// The pairing loop refuses to rematch the two; cleared when the peer
	// pairs with someone else.
	lastPartner PeerID
}

// Emitter delivers an outbound protocol message to a peer. Implementations
// must not block: the transport hub hands messages to a per-peer buffered
// writer. Emit is always called outside the core lock.
type Emitter interface {
	Emit(id PeerID, msg protocol.Message)
}

// emission is one staged outbound message, buffered during a critical
// section and flushed after unlock.
type emission struct {
	to  PeerID
	msg protocol.Message
}
