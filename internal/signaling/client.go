package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pairloop/pairloop/pkg/protocol"
)

// ClientConfig holds configuration for a signaling Client.
type ClientConfig struct {
	// ServerURL is the WebSocket URL of the signaling server
	// (e.g. "ws://localhost:3000/ws").
	ServerURL string

	// Name is the display name sent in the join message.
	Name string

	// Logger is the structured logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger

	// MessageBufferSize is the capacity of the inbound message channel.
	// Defaults to 64 if zero.
	MessageBufferSize int

	// DialTimeout bounds the WebSocket dial. Defaults to 10s if zero.
	DialTimeout time.Duration
}

// Client is a WebSocket client for the signaling server. It connects, sends
// a join message, and delivers incoming messages on a channel. It is used
// by the server's own tests and tooling; browsers speak the same protocol
// directly.
type Client struct {
	cfg   ClientConfig
	log   *slog.Logger
	msgCh chan protocol.Message

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewClient creates a new signaling client with the given configuration.
// Call Connect to establish the connection and start receiving messages.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	bufSize := cfg.MessageBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Client{
		cfg:   cfg,
		log:   log.With("name", cfg.Name),
		msgCh: make(chan protocol.Message, bufSize),
	}
}

// Messages returns a read-only channel that delivers incoming signaling
// messages. The channel is closed when the connection ends.
func (c *Client) Messages() <-chan protocol.Message {
	return c.msgCh
}

// Connect dials the signaling server, sends the join message, and starts
// the receive loop.
func (c *Client) Connect(ctx context.Context) error {
	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.ServerURL, nil)
	dialCancel()
	if err != nil {
		cancel()
		return fmt.Errorf("connecting to signaling server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.Send(ctx, &protocol.JoinMessage{Name: c.cfg.Name}); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("sending join message: %w", err)
	}

	go c.receiveLoop(ctx, conn)
	return nil
}

// Send sends a signaling message to the server.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	c.log.Debug("sent message", "type", msg.MessageType())
	return nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

// receiveLoop reads messages until the connection ends, delivering them on
// the message channel.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.msgCh)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			c.log.Warn("dropping malformed message", "error", err)
			continue
		}
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}
