// Package transport coordinates every peer connection of the process. It
// routes relay envelopes to per-peer managers and exposes the send side to
// the application.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/peer"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/transfer"
	"github.com/sirupsen/logrus"
)

var (
	ErrPeerUnknown = errors.New("peer not on roster")
	ErrClosed      = errors.New("transport closed")
)

// Relay carries negotiation messages to other peers.
type Relay interface {
	SendSignal(sig protocol.Signal) bool
}

type Options struct {
	Relay   Relay
	Factory peer.LinkFactory
	Sink    peer.MessageSink
	Config  peer.Config
	Logger  *logrus.Logger
}

type Transport struct {
	opts Options
	log  *logrus.Entry

	mu       sync.RWMutex
	localID  string
	roster   []protocol.User
	managers map[string]*peer.Manager
	changed  chan struct{}
	closed   bool
}

func New(opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}
	return &Transport{
		opts:     opts,
		log:      opts.Logger.WithField("component", "transport"),
		managers: make(map[string]*peer.Manager),
		changed:  make(chan struct{}),
	}
}

// LocalID is the id the relay assigned us, empty until connected.
func (t *Transport) LocalID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.localID
}

// Roster returns the online users other than ourselves, in join order.
func (t *Transport) Roster() []protocol.User {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rosterLocked()
}

func (t *Transport) rosterLocked() []protocol.User {
	users := make([]protocol.User, 0, len(t.roster))
	for _, u := range t.roster {
		if u.SocketID != t.localID {
			users = append(users, u)
		}
	}
	return users
}

// Lookup resolves ref against the roster by peer id first, then by name. It
// waits for the user to appear until ctx ends.
func (t *Transport) Lookup(ctx context.Context, ref string) (protocol.User, error) {
	for {
		t.mu.RLock()
		users, changed := t.rosterLocked(), t.changed
		t.mu.RUnlock()

		if u, ok := findUser(users, ref); ok {
			return u, nil
		}

		select {
		case <-ctx.Done():
			return protocol.User{}, fmt.Errorf("%w: %s", ErrPeerUnknown, ref)
		case <-changed:
		}
	}
}

func findUser(users []protocol.User, ref string) (protocol.User, bool) {
	for _, u := range users {
		if u.SocketID == ref {
			return u, true
		}
	}
	for _, u := range users {
		if u.Name == ref {
			return u, true
		}
	}
	return protocol.User{}, false
}

// State reports the connection state for peerID. Peers without a manager
// are New.
func (t *Transport) State(peerID string) peer.State {
	t.mu.RLock()
	m := t.managers[peerID]
	t.mu.RUnlock()
	if m == nil {
		return peer.StateNew
	}
	return m.State()
}

// Sessions lists the active transfers with peerID.
func (t *Transport) Sessions(peerID string) []transfer.Snapshot {
	t.mu.RLock()
	m := t.managers[peerID]
	t.mu.RUnlock()
	if m == nil {
		return nil
	}
	return m.Sessions()
}

// HandleEnvelope dispatches one relay envelope. It never blocks on a
// negotiation step.
func (t *Transport) HandleEnvelope(env protocol.Envelope) {
	switch {
	case env.Event == protocol.EventConnect:
		id, err := protocol.DecodeConnect(env)
		if err != nil {
			t.log.Warnf("Dropping connect: %v", err)
			return
		}
		t.setLocalID(id)

	case env.Event == protocol.EventUsersUpdate:
		update, err := protocol.DecodeUsersUpdate(env)
		if err != nil {
			t.log.Warnf("Dropping users update: %v", err)
			return
		}
		t.updateRoster(update)

	case protocol.IsSignal(env.Event):
		sig, err := protocol.DecodeSignal(env)
		if err != nil {
			t.log.Warnf("Dropping %s: %v", env.Event, err)
			return
		}
		t.routeSignal(sig)

	default:
		t.log.Debugf("Ignoring relay event %q", env.Event)
	}
}

func (t *Transport) setLocalID(id string) {
	t.mu.Lock()
	t.localID = id
	t.notifyLocked()
	t.mu.Unlock()
	t.log.Infof("Relay assigned id %s", id)
}

func (t *Transport) updateRoster(update *protocol.UsersUpdate) {
	t.mu.Lock()
	t.roster = append([]protocol.User(nil), update.OnlineUsers...)
	t.notifyLocked()
	var gone *peer.Manager
	if update.Type == protocol.UpdateRemove {
		gone = t.managers[update.User.SocketID]
		delete(t.managers, update.User.SocketID)
	}
	t.mu.Unlock()

	t.log.WithField("users", len(update.OnlineUsers)).Debugf("Roster %s %s", update.Type, update.User.Name)
	if gone != nil {
		go gone.Close()
	}
}

func (t *Transport) routeSignal(sig *protocol.Signal) {
	log := t.log.WithField("peer", sig.SourceID)
	if sig.SourceID == "" {
		log.Warnf("Dropping %s without source", sig.Kind)
		return
	}

	if sig.Kind == protocol.SignalOffer {
		if !t.onRoster(sig.SourceID) {
			log.Warnf("Dropping offer from peer not on roster")
			return
		}
		m, err := t.manager(sig.SourceID)
		if err != nil {
			log.Warnf("Dropping offer: %v", err)
			return
		}
		m.AcceptOffer(*sig.Description)
		return
	}

	t.mu.RLock()
	m := t.managers[sig.SourceID]
	t.mu.RUnlock()
	if m == nil {
		log.Debugf("Dropping %s for unknown peer", sig.Kind)
		return
	}

	switch sig.Kind {
	case protocol.SignalAnswer:
		m.AcceptAnswer(*sig.Description)
	case protocol.SignalCandidate:
		m.AcceptCandidate(*sig.Candidate)
	}
}

// manager returns the manager for peerID, creating one when missing.
func (t *Transport) manager(peerID string) (*peer.Manager, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if m, ok := t.managers[peerID]; ok {
		return m, nil
	}

	var m *peer.Manager
	m = peer.NewManager(peer.Options{
		PeerID:  peerID,
		LocalID: t.LocalID,
		Factory: t.opts.Factory,
		Signal:  t.opts.Relay.SendSignal,
		Sink:    t.opts.Sink,
		Config:  t.opts.Config,
		Logger:  t.opts.Logger,
		OnClosed: func(id string, err error) {
			t.forget(id, m)
		},
	})
	t.managers[peerID] = m
	return m, nil
}

// forget drops m from the map. A closed manager is never reused; the next
// send to the peer starts over with a fresh one.
func (t *Transport) forget(peerID string, m *peer.Manager) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.managers[peerID] == m {
		delete(t.managers, peerID)
	}
}

func (t *Transport) onRoster(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if peerID == t.localID {
		return false
	}
	for _, u := range t.roster {
		if u.SocketID == peerID {
			return true
		}
	}
	return false
}

// connect returns a manager for peerID that reached Connected within ctx.
func (t *Transport) connect(ctx context.Context, peerID string) (*peer.Manager, error) {
	if !t.onRoster(peerID) {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnknown, peerID)
	}
	m, err := t.manager(peerID)
	if err != nil {
		return nil, err
	}
	m.Initiate()
	if err := m.WaitConnected(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", peerID, err)
	}
	return m, nil
}

// Send delivers a chat message to peerID, connecting first when needed.
func (t *Transport) Send(ctx context.Context, peerID, content string) (*protocol.TextMessage, error) {
	m, err := t.connect(ctx, peerID)
	if err != nil {
		return nil, err
	}

	msg := &protocol.TextMessage{
		ID:        uuid.NewString(),
		SenderID:  t.LocalID(),
		Timestamp: time.Now().UnixMilli(),
		Content:   content,
	}
	if err := m.SendMessage(msg); err != nil {
		return nil, fmt.Errorf("sending to %s: %w", peerID, err)
	}
	if err := m.Flush(ctx); err != nil {
		return nil, fmt.Errorf("sending to %s: %w", peerID, err)
	}
	return msg, nil
}

// Ping measures the round trip to peerID over its data channel, connecting
// first when needed.
func (t *Transport) Ping(ctx context.Context, peerID string) (time.Duration, error) {
	m, err := t.connect(ctx, peerID)
	if err != nil {
		return 0, err
	}
	rtt, err := m.Ping(ctx)
	if err != nil {
		return 0, fmt.Errorf("pinging %s: %w", peerID, err)
	}
	return rtt, nil
}

// SendFile streams f to peerID, connecting first when needed.
func (t *Transport) SendFile(ctx context.Context, peerID string, f transfer.File) (transfer.Snapshot, error) {
	m, err := t.connect(ctx, peerID)
	if err != nil {
		return transfer.Snapshot{}, err
	}
	return m.SendFile(ctx, f)
}

// Close shuts every peer connection down. The transport can not be reused.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	managers := make([]*peer.Manager, 0, len(t.managers))
	for _, m := range t.managers {
		managers = append(managers, m)
	}
	t.managers = make(map[string]*peer.Manager)
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range managers {
		wg.Add(1)
		go func(m *peer.Manager) {
			defer wg.Done()
			_ = m.Close()
		}(m)
	}
	wg.Wait()
	return nil
}

func (t *Transport) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
