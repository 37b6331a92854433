//go:build e2e

// Package e2e exercises a full signaling session against an in-process
// server: two peers connect, get paired, and complete a real WebRTC
// offer/answer/ICE exchange with pion, verified by messages over a data
// channel. Only loopback host candidates are needed, so no STUN server
// is involved.
//
// Run with: go test -tags e2e -v -timeout 60s ./test/e2e/
package e2e

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairloop/pairloop/internal/match"
	"github.com/pairloop/pairloop/internal/signaling"
	"github.com/pairloop/pairloop/pkg/protocol"
)

const sessionTimeout = 30 * time.Second

// peerEnd drives one side of a signaling session: it answers the server's
// pairing events and runs the pion side of the exchange. ICE candidates
// that arrive before the remote description are buffered, the same way a
// browser client has to.
type peerEnd struct {
	t      *testing.T
	name   string
	client *signaling.Client
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	roomID    string
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	errCh chan error
}

// newPeerEnd builds a peer and runs setup on it before connecting, so
// data channels and handlers exist before pairing can start.
func newPeerEnd(t *testing.T, ctx context.Context, url, name string, setup func(p *peerEnd)) *peerEnd {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("creating peer connection for %s: %v", name, err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	p := &peerEnd{
		t:    t,
		name: name,
		pc:   pc,
		client: signaling.NewClient(signaling.ClientConfig{
			ServerURL: url,
			Name:      name,
			Logger:    slog.Default(),
		}),
		errCh: make(chan error, 8),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.mu.Lock()
		roomID := p.roomID
		p.mu.Unlock()
		err := p.client.Send(ctx, &protocol.ICECandidateMessage{
			RoomID:    roomID,
			Candidate: c.ToJSON().Candidate,
			Kind:      c.Typ.String(),
		})
		if err != nil {
			p.errCh <- err
		}
	})

	if setup != nil {
		setup(p)
	}

	if err := p.client.Connect(ctx); err != nil {
		t.Fatalf("connecting %s: %v", name, err)
	}
	t.Cleanup(func() { _ = p.client.Close() })

	go p.drive(ctx)
	return p
}

// drive consumes server events until the connection or test ends.
func (p *peerEnd) drive(ctx context.Context) {
	for msg := range p.client.Messages() {
		var err error
		switch m := msg.(type) {
		case *protocol.SendOfferMessage:
			err = p.sendOffer(ctx, m.RoomID)
		case *protocol.WaitOfferMessage:
			p.mu.Lock()
			p.roomID = m.RoomID
			p.mu.Unlock()
		case *protocol.OfferMessage:
			err = p.answerOffer(ctx, m)
		case *protocol.AnswerMessage:
			err = p.applyAnswer(m)
		case *protocol.ICECandidateMessage:
			err = p.addCandidate(m)
		}
		if err != nil {
			p.errCh <- err
			return
		}
	}
}

func (p *peerEnd) sendOffer(ctx context.Context, roomID string) error {
	p.mu.Lock()
	p.roomID = roomID
	p.mu.Unlock()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return p.client.Send(ctx, &protocol.OfferMessage{RoomID: roomID, SDP: offer.SDP})
}

func (p *peerEnd) answerOffer(ctx context.Context, m *protocol.OfferMessage) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  m.SDP,
	})
	if err != nil {
		return err
	}
	if err := p.flushCandidates(); err != nil {
		return err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return p.client.Send(ctx, &protocol.AnswerMessage{RoomID: m.RoomID, SDP: answer.SDP})
}

func (p *peerEnd) applyAnswer(m *protocol.AnswerMessage) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  m.SDP,
	})
	if err != nil {
		return err
	}
	return p.flushCandidates()
}

func (p *peerEnd) addCandidate(m *protocol.ICECandidateMessage) error {
	init := webrtc.ICECandidateInit{Candidate: m.Candidate}
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(init)
}

func (p *peerEnd) flushCandidates() error {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, init := range pending {
		if err := p.pc.AddICECandidate(init); err != nil {
			return err
		}
	}
	return nil
}

func TestFullSessionOverDataChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	hub := signaling.NewHub(signaling.HubConfig{
		AllowedOrigins: []string{"*"},
		Logger:         slog.Default(),
	})
	core := match.New(match.Limits{MaxPeers: 10, MaxRooms: 5, MaxAttempts: 3}, hub, slog.Default(), nil)
	hub.Bind(core)
	srv := httptest.NewServer(hub)
	defer func() {
		hub.Close()
		srv.Close()
	}()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	pongCh := make(chan string, 1)
	connectedCh := make(chan struct{}, 1)

	// alice is admitted first, so she is the offerer and opens the channel.
	alice := newPeerEnd(t, ctx, url, "alice", func(p *peerEnd) {
		dc, err := p.pc.CreateDataChannel("chat", nil)
		if err != nil {
			t.Fatalf("creating data channel: %v", err)
		}
		dc.OnOpen(func() {
			if err := dc.SendText("ping"); err != nil {
				p.errCh <- err
			}
		})
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			pongCh <- string(m.Data)
		})
		p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if s == webrtc.PeerConnectionStateConnected {
				connectedCh <- struct{}{}
			}
		})
	})

	bob := newPeerEnd(t, ctx, url, "bob", func(p *peerEnd) {
		p.pc.OnDataChannel(func(rdc *webrtc.DataChannel) {
			rdc.OnMessage(func(m webrtc.DataChannelMessage) {
				if err := rdc.SendText("pong:" + string(m.Data)); err != nil {
					p.errCh <- err
				}
			})
		})
	})

	select {
	case got := <-pongCh:
		if got != "pong:ping" {
			t.Fatalf("data channel reply = %q, want pong:ping", got)
		}
	case err := <-alice.errCh:
		t.Fatalf("alice error: %v", err)
	case err := <-bob.errCh:
		t.Fatalf("bob error: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for data channel reply")
	}

	// Report the established connection so the room stops being a reap
	// candidate, and check the server saw it.
	select {
	case <-connectedCh:
	case <-ctx.Done():
		t.Fatal("timed out waiting for connected state")
	}
	alice.mu.Lock()
	roomID := alice.roomID
	alice.mu.Unlock()
	if err := alice.client.Send(ctx, &protocol.ConnectionEstablishedMessage{RoomID: roomID}); err != nil {
		t.Fatalf("sending connection-established: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if snap := core.Snapshot(); snap.Rooms.Connected == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never marked room connected: %+v", core.Snapshot())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
