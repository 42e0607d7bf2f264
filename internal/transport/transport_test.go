package transport_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/peer"
	"github.com/rudransh-shrivastava/lanchat/internal/peer/peertest"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/transfer"
	"github.com/rudransh-shrivastava/lanchat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu    sync.Mutex
	texts []*protocol.TextMessage
	from  []string
	files map[string][]byte
}

func newSink() *sink {
	return &sink{files: make(map[string][]byte)}
}

func (s *sink) OnTextMessage(peerID string, msg *protocol.TextMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, msg)
	s.from = append(s.from, peerID)
}

func (s *sink) OnFileReceived(peerID string, meta transfer.FileMetadata, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[meta.Name] = data
}

func (s *sink) lastText() (string, *protocol.TextMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return "", nil
	}
	return s.from[len(s.from)-1], s.texts[len(s.texts)-1]
}

func (s *sink) file(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[name]
}

// relay delivers signals between transports the way the relay server does,
// stamping the source id.
type relay struct {
	mu    sync.Mutex
	nodes map[string]*transport.Transport
}

type endpoint struct {
	r  *relay
	id string
}

func (e endpoint) SendSignal(sig protocol.Signal) bool {
	e.r.mu.Lock()
	target := e.r.nodes[sig.TargetID]
	e.r.mu.Unlock()
	if target == nil {
		return false
	}
	sig.SourceID = e.id
	sig.TargetID = ""
	env, err := protocol.EncodeSignal(sig)
	if err != nil {
		return false
	}
	target.HandleEnvelope(env)
	return true
}

type node struct {
	id      string
	t       *transport.Transport
	sink    *sink
	factory *peertest.Factory
}

func envelope(t *testing.T, event string, data any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, data)
	require.NoError(t, err)
	return env
}

func setup(t *testing.T, cfg peer.Config, names ...string) (*peertest.Network, []*node) {
	t.Helper()
	net := peertest.NewNetwork()
	r := &relay{nodes: make(map[string]*transport.Transport)}

	var users []protocol.User
	var nodes []*node
	for i, name := range names {
		id := "peer-" + name
		n := &node{id: id, sink: newSink(), factory: net.Factory()}
		n.t = transport.New(transport.Options{
			Relay:   endpoint{r: r, id: id},
			Factory: n.factory,
			Sink:    n.sink,
			Config:  cfg,
			Logger:  logger.Discard(),
		})
		n.t.HandleEnvelope(envelope(t, protocol.EventConnect, protocol.Connect{SocketID: id}))
		r.nodes[id] = n.t
		users = append(users, protocol.User{SocketID: id, Name: name, JoinedAt: int64(i + 1)})
		nodes = append(nodes, n)

		t.Cleanup(func() { _ = n.t.Close() })
	}

	for _, n := range nodes {
		n.t.HandleEnvelope(envelope(t, protocol.EventUsersUpdate, protocol.UsersUpdate{
			Type:        protocol.UpdateAdd,
			OnlineUsers: users,
			User:        users[len(users)-1],
		}))
	}
	return net, nodes
}

func testConfig() peer.Config {
	cfg := peer.DefaultConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.NegotiationTimeout = 2 * time.Second
	return cfg
}

func TestRosterExcludesSelf(t *testing.T) {
	_, nodes := setup(t, testConfig(), "alice", "bob", "carol")
	alice := nodes[0]

	assert.Equal(t, "peer-alice", alice.t.LocalID())
	roster := alice.t.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, "bob", roster[0].Name)
	assert.Equal(t, "carol", roster[1].Name)
}

func TestSendText(t *testing.T) {
	_, nodes := setup(t, testConfig(), "alice", "bob")
	alice, bob := nodes[0], nodes[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := alice.t.Send(ctx, bob.id, "hello bob")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, alice.id, msg.SenderID)

	require.Eventually(t, func() bool {
		_, got := bob.sink.lastText()
		return got != nil
	}, 2*time.Second, 5*time.Millisecond)

	from, got := bob.sink.lastText()
	assert.Equal(t, alice.id, from)
	assert.Equal(t, "hello bob", got.Content)
	assert.Equal(t, msg.ID, got.ID)

	assert.Equal(t, peer.StateConnected, alice.t.State(bob.id))
	assert.Equal(t, peer.StateConnected, bob.t.State(alice.id))
}

func TestSendReusesConnection(t *testing.T) {
	_, nodes := setup(t, testConfig(), "alice", "bob")
	alice, bob := nodes[0], nodes[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := alice.t.Send(ctx, bob.id, "again")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, alice.factory.Offers())
}

func TestPing(t *testing.T) {
	_, nodes := setup(t, testConfig(), "alice", "bob")
	alice, bob := nodes[0], nodes[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rtt, err := alice.t.Ping(ctx, bob.id)
	require.NoError(t, err)
	assert.Positive(t, rtt)
	assert.Equal(t, peer.StateConnected, alice.t.State(bob.id))

	_, err = alice.t.Ping(ctx, "peer-mallory")
	assert.ErrorIs(t, err, transport.ErrPeerUnknown)
}

func TestSendFile(t *testing.T) {
	_, nodes := setup(t, testConfig(), "alice", "bob")
	alice, bob := nodes[0], nodes[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := bytes.Repeat([]byte("lanchat"), 5000)
	snap, err := alice.t.SendFile(ctx, bob.id, transfer.File{
		Name:   "notes.txt",
		Size:   int64(len(data)),
		Reader: bytes.NewReader(data),
	})
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)

	require.Eventually(t, func() bool {
		return bob.sink.file("notes.txt") != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, data, bob.sink.file("notes.txt"))
}

func TestSendToUnknownPeer(t *testing.T) {
	_, nodes := setup(t, testConfig(), "alice", "bob")
	alice := nodes[0]

	_, err := alice.t.Send(context.Background(), "peer-mallory", "hi")
	assert.ErrorIs(t, err, transport.ErrPeerUnknown)
	assert.Equal(t, peer.StateNew, alice.t.State("peer-mallory"))

	_, err = alice.t.Send(context.Background(), alice.id, "hi me")
	assert.ErrorIs(t, err, transport.ErrPeerUnknown)
}

func TestLookup(t *testing.T) {
	_, nodes := setup(t, testConfig(), "alice", "bob")
	alice := nodes[0]

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	u, err := alice.t.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "peer-bob", u.SocketID)

	u, err = alice.t.Lookup(ctx, "peer-bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Name)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = alice.t.Lookup(short, "alice")
	assert.ErrorIs(t, err, transport.ErrPeerUnknown)
}

func TestLookupWaitsForRoster(t *testing.T) {
	_, nodes := setup(t, testConfig(), "alice")
	alice := nodes[0]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	found := make(chan protocol.User, 1)
	go func() {
		u, err := alice.t.Lookup(ctx, "dave")
		if err == nil {
			found <- u
		}
	}()

	time.Sleep(20 * time.Millisecond)
	users := []protocol.User{
		{SocketID: "peer-alice", Name: "alice", JoinedAt: 1},
		{SocketID: "peer-dave", Name: "dave", JoinedAt: 2},
	}
	alice.t.HandleEnvelope(envelope(t, protocol.EventUsersUpdate, protocol.UsersUpdate{
		Type:        protocol.UpdateAdd,
		OnlineUsers: users,
		User:        users[1],
	}))

	select {
	case u := <-found:
		assert.Equal(t, "peer-dave", u.SocketID)
	case <-ctx.Done():
		t.Fatal("lookup did not see roster update")
	}
}

func TestRemovedUserClosesManager(t *testing.T) {
	_, nodes := setup(t, testConfig(), "alice", "bob")
	alice, bob := nodes[0], nodes[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := alice.t.Send(ctx, bob.id, "bye")
	require.NoError(t, err)

	alice.t.HandleEnvelope(envelope(t, protocol.EventUsersUpdate, protocol.UsersUpdate{
		Type:        protocol.UpdateRemove,
		OnlineUsers: []protocol.User{{SocketID: alice.id, Name: "alice", JoinedAt: 1}},
		User:        protocol.User{SocketID: bob.id, Name: "bob", JoinedAt: 2},
	}))

	assert.Equal(t, peer.StateNew, alice.t.State(bob.id))
	assert.Empty(t, alice.t.Roster())

	_, err = alice.t.Send(ctx, bob.id, "still there?")
	assert.ErrorIs(t, err, transport.ErrPeerUnknown)
}

func TestStraySignalsDropped(t *testing.T) {
	_, nodes := setup(t, testConfig(), "alice", "bob")
	alice := nodes[0]

	answer, err := protocol.EncodeSignal(protocol.Signal{
		Kind:        protocol.SignalAnswer,
		SourceID:    "peer-bob",
		Description: &webrtcAnswer,
	})
	require.NoError(t, err)
	alice.t.HandleEnvelope(answer)

	alice.t.HandleEnvelope(protocol.Envelope{Event: protocol.EventWebRTCOffer, Data: []byte(`{"bogus":`)})
	alice.t.HandleEnvelope(protocol.Envelope{Event: "chat:typing"})

	offer, err := protocol.EncodeSignal(protocol.Signal{
		Kind:        protocol.SignalOffer,
		SourceID:    "peer-mallory",
		Description: &webrtcOffer,
	})
	require.NoError(t, err)
	alice.t.HandleEnvelope(offer)
	assert.Equal(t, peer.StateNew, alice.t.State("peer-mallory"))

	assert.Equal(t, peer.StateNew, alice.t.State("peer-bob"))
	assert.Empty(t, alice.factory.Links())
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	net, nodes := setup(t, cfg, "alice", "bob")
	alice, bob := nodes[0], nodes[1]
	net.FailNegotiation.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := alice.t.Send(ctx, bob.id, "anyone?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, peer.ErrNegotiationFailed), "got %v", err)
}

func TestCloseRejectsSends(t *testing.T) {
	_, nodes := setup(t, testConfig(), "alice", "bob")
	alice, bob := nodes[0], nodes[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := alice.t.Send(ctx, bob.id, "first")
	require.NoError(t, err)

	require.NoError(t, alice.t.Close())
	assert.Equal(t, peer.StateNew, alice.t.State(bob.id))

	_, err = alice.t.Send(ctx, bob.id, "second")
	assert.ErrorIs(t, err, transport.ErrClosed)
	require.NoError(t, alice.t.Close())
}

var (
	webrtcOffer  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "link-404"}
	webrtcAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "link-404"}
)
