package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var ErrRelayUnavailable = errors.New("relay unavailable")

type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	Logger           *logrus.Logger
	Dialer           *websocket.Dialer
}

// Client keeps one websocket link to the relay and re-establishes it after
// unexpected drops.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	log    *logrus.Entry
	group  singleflight.Group

	mu        sync.Mutex
	conn      *websocket.Conn
	peerID    string
	handler   func(protocol.Envelope)
	profile   *protocol.User
	reconnect *time.Timer
	closed    bool

	writeMu sync.Mutex
}

func NewClient(opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	}

	return &Client{
		opts:   opts,
		dialer: dialer,
		log:    log.WithField("relay", opts.URL),
	}
}

// OnEnvelope sets the handler for inbound envelopes. It runs on the read
// goroutine and must not block.
func (c *Client) OnEnvelope(handler func(protocol.Envelope)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// PeerID is the id assigned by the relay on the current link.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect returns the relay-assigned peer id, dialing if needed. Concurrent
// callers share a single handshake, which gives up after HandshakeTimeout
// regardless of ctx.
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: client closed", ErrRelayUnavailable)
	}
	if c.conn != nil {
		id := c.peerID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan("connect", func() (any, error) {
		return c.dial()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) dial() (string, error) {
	c.mu.Lock()
	if c.conn != nil {
		id := c.peerID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()

	c.log.Debug("Dialing relay")
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("%w: no connect event: %v", ErrRelayUnavailable, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, err := protocol.DecodeEnvelope(data)
	if err == nil && env.Event != protocol.EventConnect {
		err = fmt.Errorf("expected %s, got %s", protocol.EventConnect, env.Event)
	}
	var id string
	if err == nil {
		id, err = protocol.DecodeConnect(env)
	}
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return "", fmt.Errorf("%w: client closed", ErrRelayUnavailable)
	}
	c.conn = conn
	c.peerID = id
	var rejoin *protocol.User
	if c.profile != nil {
		c.profile.SocketID = id
		p := *c.profile
		rejoin = &p
	}
	c.mu.Unlock()

	c.log.Infof("Connected to relay as %s", id)
	go c.readLoop(conn, env)

	if rejoin != nil {
		c.sendJoin(*rejoin)
	}
	return id, nil
}

func (c *Client) readLoop(conn *websocket.Conn, first protocol.Envelope) {
	c.dispatch(first)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.log.Warnf("Dropping relay message: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	if closed {
		return
	}
	c.log.Warnf("Relay connection lost: %v", err)
	c.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer unless one is already pending.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnect != nil {
		return
	}
	c.log.Infof("Reconnecting in %s", c.opts.ReconnectDelay)
	c.reconnect = time.AfterFunc(c.opts.ReconnectDelay, c.tryReconnect)
}

func (c *Client) tryReconnect() {
	c.mu.Lock()
	c.reconnect = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if _, err := c.Connect(context.Background()); err != nil {
		c.log.Warnf("Reconnect failed: %v", err)
		c.scheduleReconnect()
	}
}

// Send writes env to the relay. Delivery is not guaranteed: when the link is
// down the envelope is dropped with a warning and false is returned.
func (c *Client) Send(env protocol.Envelope) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.log.Warnf("Not connected to relay, dropping %s", env.Event)
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		c.log.Warnf("Failed to encode %s: %v", env.Event, err)
		return false
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warnf("Failed to send %s: %v", env.Event, err)
		return false
	}
	return true
}

// SendSignal routes a negotiation message through the relay.
func (c *Client) SendSignal(sig protocol.Signal) bool {
	env, err := protocol.EncodeSignal(sig)
	if err != nil {
		c.log.Warnf("Failed to encode signal: %v", err)
		return false
	}
	return c.Send(env)
}

// Join announces name to the relay. The profile is re-sent after every
// reconnect.
func (c *Client) Join(name string) bool {
	c.mu.Lock()
	c.profile = &protocol.User{
		SocketID: c.peerID,
		Name:     name,
		JoinedAt: time.Now().UnixMilli(),
	}
	p := *c.profile
	c.mu.Unlock()

	return c.sendJoin(p)
}

func (c *Client) sendJoin(u protocol.User) bool {
	env, err := protocol.NewEnvelope(protocol.EventUserJoin, u)
	if err != nil {
		c.log.Warnf("Failed to encode join: %v", err)
		return false
	}
	return c.Send(env)
}

// Close stops reconnecting and closes the link.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return conn.Close()
}
