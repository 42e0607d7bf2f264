package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/transfer"
	"github.com/sirupsen/logrus"
)

var (
	ErrNegotiationFailed  = errors.New("negotiation failed")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrChannelNotReady    = transfer.ErrChannelNotReady
	ErrPeerClosed         = errors.New("peer connection closed")
)

const inboxSize = 1024

type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageSink receives application payloads from a peer.
type MessageSink interface {
	transfer.FileSink
	OnTextMessage(peerID string, msg *protocol.TextMessage)
}

type Options struct {
	PeerID string
	// LocalID returns our own relay id, used to break offer glare.
	LocalID func() string
	Factory LinkFactory
	// Signal hands a negotiation message to the relay. It reports whether
	// the message was written.
	Signal func(protocol.Signal) bool
	Sink   MessageSink
	Config Config
	Logger *logrus.Logger
	// OnClosed runs on the manager goroutine once it has closed. It must not
	// call Close.
	OnClosed func(peerID string, err error)
}

// Manager owns the connection to one remote peer. All negotiation steps run
// on a single goroutine that drains the inbox; link callbacks only enqueue.
type Manager struct {
	peerID string
	opts   Options
	cfg    Config
	codec  *protocol.Codec
	log    *logrus.Entry

	inbox chan func()
	quit  chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	state    State
	channel  Channel
	engine   *transfer.Engine
	closeErr error
	changed  chan struct{}
	pong     chan struct{}

	// Owned by the actor goroutine.
	link       Link
	linkStop   chan struct{}
	gen        uint64
	initiator  bool
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	retryCount int
	retryTimer *time.Timer
	negTimer   *time.Timer
}

func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	if opts.LocalID == nil {
		opts.LocalID = func() string { return "" }
	}
	if opts.Signal == nil {
		opts.Signal = func(protocol.Signal) bool { return false }
	}

	cfg := opts.Config
	def := DefaultConfig()
	if cfg.MaxRetries == 0 && cfg.RetryDelay == 0 && cfg.NegotiationTimeout == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = def.NegotiationTimeout
	}

	m := &Manager{
		peerID:  opts.PeerID,
		opts:    opts,
		cfg:     cfg,
		codec:   protocol.NewCodec(),
		log:     log.WithField("peer", opts.PeerID),
		inbox:   make(chan func(), inboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateNew,
		changed: make(chan struct{}),
		pong:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) enqueue(fn func()) bool {
	select {
	case m.inbox <- fn:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) PeerID() string {
	return m.peerID
}

// Initiate starts a locally driven negotiation. It is a no-op while
// connected or while an attempt is already in progress.
func (m *Manager) Initiate() {
	m.enqueue(m.initiate)
}

func (m *Manager) AcceptOffer(offer webrtc.SessionDescription) {
	m.enqueue(func() { m.acceptOffer(offer) })
}

func (m *Manager) AcceptAnswer(answer webrtc.SessionDescription) {
	m.enqueue(func() { m.acceptAnswer(answer) })
}

func (m *Manager) AcceptCandidate(c webrtc.ICECandidateInit) {
	m.enqueue(func() { m.acceptCandidate(c) })
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns why the manager closed, or nil while it is alive.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

// WaitConnected blocks until the channel is open, the manager closes, or
// ctx ends.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed, closeErr := m.state, m.changed, m.closeErr
		m.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateClosed:
			if closeErr == nil {
				closeErr = ErrPeerClosed
			}
			return closeErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (m *Manager) ready() (Channel, *transfer.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.channel == nil {
		return nil, nil, fmt.Errorf("%w: peer %s is %s", ErrChannelNotReady, m.peerID, m.state)
	}
	return m.channel, m.engine, nil
}

func (m *Manager) Send(data []byte) error {
	ch, _, err := m.ready()
	if err != nil {
		return err
	}
	return ch.Send(data)
}

func (m *Manager) SendText(text string) error {
	ch, _, err := m.ready()
	if err != nil {
		return err
	}
	return ch.SendText(text)
}

// SendMessage encodes a control message and sends it as text.
func (m *Manager) SendMessage(msg protocol.Message) error {
	data, err := m.codec.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	return m.SendText(string(data))
}

func (m *Manager) SendFile(ctx context.Context, f transfer.File) (transfer.Snapshot, error) {
	_, engine, err := m.ready()
	if err != nil {
		return transfer.Snapshot{}, err
	}
	return engine.SendFile(ctx, f)
}

// Ping sends a ping and waits for the next pong, returning the round trip.
func (m *Manager) Ping(ctx context.Context) (time.Duration, error) {
	m.mu.Lock()
	pong := m.pong
	m.mu.Unlock()

	start := time.Now()
	if err := m.SendMessage(&protocol.Ping{Timestamp: start.UnixMilli()}); err != nil {
		return 0, err
	}

	select {
	case <-pong:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.done:
		return 0, ErrPeerClosed
	}
}

// Flush waits until everything queued on the channel has left it. Closing
// right after a send would otherwise drop the tail.
func (m *Manager) Flush(ctx context.Context) error {
	_, engine, err := m.ready()
	if err != nil {
		return err
	}
	return engine.Flush(ctx)
}

// Sessions lists the transfers running on the current channel.
func (m *Manager) Sessions() []transfer.Snapshot {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	if engine == nil {
		return nil
	}
	return engine.Sessions()
}

// Close tears the connection down permanently and waits for the actor to
// stop.
func (m *Manager) Close() error {
	m.enqueue(func() { m.shutdown(ErrPeerClosed) })
	<-m.done
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Debugf("State %s -> %s", m.state, s)
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) initiate() {
	switch m.State() {
	case StateConnected, StateClosed:
		return
	case StateNegotiating:
		if m.link != nil {
			return
		}
	case StateFailed:
		// The pending retry owns the next attempt.
		if m.retryTimer != nil {
			return
		}
	}

	m.stopRetryTimer()
	link, gen, err := m.newLink(true)
	if err != nil {
		m.log.Warnf("Failed to create connection: %v", err)
		m.retryConnection(err)
		return
	}

	offer, err := link.CreateOffer()
	if err != nil {
		m.fail(gen, err)
		return
	}

	m.log.Info("Sending offer")
	m.signal(protocol.Signal{Kind: protocol.SignalOffer, TargetID: m.peerID, Description: &offer})
}

func (m *Manager) acceptOffer(offer webrtc.SessionDescription) {
	state := m.State()
	if state == StateClosed {
		return
	}

	if state == StateNegotiating && m.link != nil && m.initiator && !m.remoteSet {
		if m.opts.LocalID() < m.peerID {
			m.log.Debug("Offer glare, keeping local offer")
			return
		}
		m.log.Debug("Offer glare, yielding to remote offer")
	}

	m.stopRetryTimer()
	link, gen, err := m.newLink(false)
	if err != nil {
		m.log.Warnf("Failed to create connection: %v", err)
		m.retryConnection(err)
		return
	}

	answer, err := link.AcceptOffer(offer)
	if err != nil {
		m.fail(gen, err)
		return
	}
	m.remoteSet = true
	m.flushCandidates()

	m.log.Info("Sending answer")
	m.signal(protocol.Signal{Kind: protocol.SignalAnswer, TargetID: m.peerID, Description: &answer})
}

func (m *Manager) acceptAnswer(answer webrtc.SessionDescription) {
	if m.link == nil || !m.initiator || m.remoteSet || m.State() != StateNegotiating {
		m.log.Warn("Unexpected answer dropped")
		return
	}

	if err := m.link.AcceptAnswer(answer); err != nil {
		m.fail(m.gen, err)
		return
	}
	m.remoteSet = true
	m.flushCandidates()
}

func (m *Manager) acceptCandidate(c webrtc.ICECandidateInit) {
	if m.link == nil {
		m.log.Debug("Candidate without a connection dropped")
		return
	}
	if !m.remoteSet {
		m.pending = append(m.pending, c)
		return
	}
	if err := m.link.AddCandidate(c); err != nil {
		m.log.Warnf("Failed to add ICE candidate: %v", err)
	}
}

func (m *Manager) flushCandidates() {
	pending := m.pending
	m.pending = nil
	for _, c := range pending {
		if err := m.link.AddCandidate(c); err != nil {
			m.log.Warnf("Failed to add ICE candidate: %v", err)
		}
	}
}

// newLink replaces the current link with a fresh one and enters
// Negotiating. The returned generation tags the link's events.
func (m *Manager) newLink(initiator bool) (Link, uint64, error) {
	m.teardown()

	m.gen++
	gen := m.gen
	stop := make(chan struct{})

	link, err := m.opts.Factory.NewLink(initiator, m.linkEvents(gen, stop))
	if err != nil {
		close(stop)
		return nil, 0, err
	}

	m.link = link
	m.linkStop = stop
	m.initiator = initiator
	m.remoteSet = false
	m.pending = nil
	m.setState(StateNegotiating)
	m.armNegotiationTimer(gen)
	return link, gen, nil
}

func (m *Manager) linkEvents(gen uint64, stop chan struct{}) LinkEvents {
	post := func(fn func()) {
		select {
		case m.inbox <- fn:
		case <-stop:
		case <-m.quit:
		}
	}

	return LinkEvents{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			post(func() {
				if gen == m.gen {
					m.signal(protocol.Signal{Kind: protocol.SignalCandidate, TargetID: m.peerID, Candidate: &c})
				}
			})
		},
		OnOpen: func(ch Channel) {
			post(func() { m.onOpen(gen, ch) })
		},
		OnMessage: func(data []byte, isText bool) {
			post(func() { m.onMessage(gen, data, isText) })
		},
		OnFailed: func(err error) {
			post(func() { m.fail(gen, err) })
		},
	}
}

func (m *Manager) onOpen(gen uint64, ch Channel) {
	if gen != m.gen || m.State() != StateNegotiating {
		return
	}
	m.stopNegotiationTimer()
	m.retryCount = 0

	engine := transfer.NewEngine(m.peerID, ch, m.opts.Sink, m.cfg.Transfer, m.log)

	m.mu.Lock()
	m.channel = ch
	m.engine = engine
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.log.Info("Data channel open")
}

func (m *Manager) onMessage(gen uint64, data []byte, isText bool) {
	if gen != m.gen || m.engine == nil {
		return
	}

	if !isText {
		_ = m.engine.HandleFrame(data)
		return
	}

	msg, err := m.codec.DecodeFromBytes(data)
	if err != nil {
		m.log.Warnf("Dropping message: %v", err)
		return
	}

	switch msg := msg.(type) {
	case *protocol.FileMeta:
		_ = m.engine.HandleMeta(msg)
	case *protocol.FileComplete:
		_ = m.engine.HandleComplete(msg)
	case *protocol.Ping:
		if err := m.SendMessage(&protocol.Pong{Timestamp: msg.Timestamp}); err != nil {
			m.log.Warnf("Failed to answer ping: %v", err)
		}
	case *protocol.Pong:
		rtt := time.Since(time.UnixMilli(msg.Timestamp))
		m.mu.Lock()
		close(m.pong)
		m.pong = make(chan struct{})
		m.mu.Unlock()
		m.log.Debugf("Round trip %s", rtt)
	case *protocol.TextMessage:
		if m.opts.Sink != nil {
			m.opts.Sink.OnTextMessage(m.peerID, msg)
		}
	}
}

// fail handles a failure of link generation gen. Repeated reports for the
// same attempt are ignored.
func (m *Manager) fail(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	switch m.State() {
	case StateFailed, StateClosed:
		return
	}

	m.log.Warnf("Connection failed: %v", err)
	m.retryConnection(err)
}

func (m *Manager) retryConnection(cause error) {
	if m.retryCount >= m.cfg.MaxRetries {
		m.log.Errorf("Giving up after %d retries", m.retryCount)
		m.shutdown(fmt.Errorf("%w: %v", ErrNegotiationFailed, cause))
		return
	}

	m.retryCount++
	m.stopNegotiationTimer()
	m.setState(StateFailed)

	gen := m.gen
	attempt := m.retryCount
	m.log.Infof("Retrying in %s (attempt %d/%d)", m.cfg.RetryDelay, attempt, m.cfg.MaxRetries)
	m.retryTimer = time.AfterFunc(m.cfg.RetryDelay, func() {
		m.enqueue(func() {
			if gen != m.gen || m.State() != StateFailed {
				return
			}
			m.retryTimer = nil
			m.teardown()
			m.initiate()
		})
	})
}

// teardown releases the current link and abandons its transfers.
func (m *Manager) teardown() {
	m.stopNegotiationTimer()
	if m.linkStop != nil {
		close(m.linkStop)
		m.linkStop = nil
	}

	m.mu.Lock()
	engine := m.engine
	m.engine = nil
	m.channel = nil
	m.mu.Unlock()

	if engine != nil {
		engine.Abort(ErrPeerClosed)
	}

	if m.link != nil {
		if err := m.link.Close(); err != nil {
			m.log.Debugf("Failed to close link: %v", err)
		}
		m.link = nil
	}
	m.gen++
	m.remoteSet = false
	m.pending = nil
}

func (m *Manager) shutdown(cause error) {
	if m.State() == StateClosed {
		return
	}

	m.stopRetryTimer()
	m.teardown()

	m.mu.Lock()
	m.closeErr = cause
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
	close(m.quit)

	m.log.Infof("Closed: %v", cause)
	if m.opts.OnClosed != nil {
		m.opts.OnClosed(m.peerID, cause)
	}
}

func (m *Manager) signal(sig protocol.Signal) {
	if !m.opts.Signal(sig) {
		m.log.Warnf("Relay did not take %s", sig.Kind)
	}
}

func (m *Manager) armNegotiationTimer(gen uint64) {
	m.stopNegotiationTimer()
	m.negTimer = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.enqueue(func() {
			if gen == m.gen && m.State() == StateNegotiating {
				m.fail(gen, ErrNegotiationTimeout)
			}
		})
	})
}

func (m *Manager) stopNegotiationTimer() {
	if m.negTimer != nil {
		m.negTimer.Stop()
		m.negTimer = nil
	}
}

func (m *Manager) stopRetryTimer() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}
