package match

import (
	"testing"
	"time"
)

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()
	g := newRegistry()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	a := &Peer{ID: "peer-a", Name: "A"}
	b := &Peer{ID: "peer-b", Name: "B"}

	var out []emission
	id := g.create(a, b, now, &out)
	if id == "" {
		t.Fatal("create returned empty room id")
	}
	if len(out) != 2 {
		t.Fatalf("create staged %d emissions, want 2", len(out))
	}
	if out[0].to != a.ID || out[0].msg.MessageType() != "send-offer" {
		t.Errorf("first emission = %s to %s, want send-offer to offerer", out[0].msg.MessageType(), out[0].to)
	}
	if out[1].to != b.ID || out[1].msg.MessageType() != "wait-offer" {
		t.Errorf("second emission = %s to %s, want wait-offer to answerer", out[1].msg.MessageType(), out[1].to)
	}

	room, ok := g.roomOf("peer-b")
	if !ok || room.ID != id {
		t.Fatalf("roomOf(peer-b) = %v %v, want room %s", room, ok, id)
	}
	if got := g.stats(); got.Total != 1 || got.Pending != 1 || got.Connected != 0 {
		t.Errorf("stats = %+v, want 1 pending room", got)
	}

	if !g.markConnected(id, "peer-a") {
		t.Error("markConnected refused a member")
	}
	if got := g.stats(); got.Connected != 1 {
		t.Errorf("stats = %+v, want 1 connected room", got)
	}

	// Destroy is idempotent and clears the peer index.
	g.destroy(id)
	g.destroy(id)
	if _, ok := g.roomOf("peer-a"); ok {
		t.Error("destroyed room still indexed by peer")
	}
	if g.count() != 0 {
		t.Errorf("count = %d, want 0", g.count())
	}
}

func TestRegistryHandlePeerDisconnect(t *testing.T) {
	t.Parallel()
	g := newRegistry()
	now := time.Now()
	a := &Peer{ID: "peer-a", Name: "A"}
	b := &Peer{ID: "peer-b", Name: "B"}

	var out []emission
	g.create(a, b, now, &out)
	out = out[:0]

	partner, ok := g.handlePeerDisconnect("peer-a", &out)
	if !ok || partner != "peer-b" {
		t.Fatalf("handlePeerDisconnect = %s %v, want peer-b true", partner, ok)
	}
	if len(out) != 1 || out[0].to != "peer-b" || out[0].msg.MessageType() != "partner-disconnected" {
		t.Errorf("staged %v, want partner-disconnected to peer-b", out)
	}
	if g.count() != 0 {
		t.Errorf("room survived disconnect")
	}

	// Peer not in any room.
	if _, ok := g.handlePeerDisconnect("peer-c", &out); ok {
		t.Error("handlePeerDisconnect invented a room")
	}
}

func TestRegistryReapStaleSkipsConnected(t *testing.T) {
	t.Parallel()
	g := newRegistry()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var out []emission
	fresh := g.create(&Peer{ID: "f1"}, &Peer{ID: "f2"}, base.Add(25*time.Second), &out)
	connected := g.create(&Peer{ID: "c1"}, &Peer{ID: "c2"}, base, &out)
	g.markConnected(connected, "c1")
	stale := g.create(&Peer{ID: "s1"}, &Peer{ID: "s2"}, base, &out)
	out = out[:0]

	members := g.reapStale(base.Add(31*time.Second), 30*time.Second, &out)
	if len(members) != 2 {
		t.Fatalf("reaped members = %v, want the stale pair", members)
	}
	if _, ok := g.rooms[stale]; ok {
		t.Error("stale room survived")
	}
	if _, ok := g.rooms[fresh]; !ok {
		t.Error("fresh room reaped")
	}
	if _, ok := g.rooms[connected]; !ok {
		t.Error("connected room reaped")
	}
	if len(out) != 2 {
		t.Errorf("staged %d emissions, want connection-timeout to both members", len(out))
	}
}
