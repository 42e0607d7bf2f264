package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay assigns sequential ids and records what clients send.
type fakeRelay struct {
	upgrader websocket.Upgrader
	accepts  atomic.Int32
	silent   atomic.Bool
	delay    time.Duration

	mu    sync.Mutex
	conns []*websocket.Conn
	joins []protocol.User
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n := f.accepts.Add(1)

	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	if !f.silent.Load() {
		time.Sleep(f.delay)
		env, _ := protocol.NewEnvelope(protocol.EventConnect, protocol.Connect{SocketID: fmt.Sprintf("peer-%d", n)})
		if err := conn.WriteJSON(env); err != nil {
			return
		}
	}

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Event == protocol.EventUserJoin {
			var u protocol.User
			_ = json.Unmarshal(env.Data, &u)
			f.mu.Lock()
			f.joins = append(f.joins, u)
			f.mu.Unlock()
		}
	}
}

func (f *fakeRelay) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

func (f *fakeRelay) joined() []protocol.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.User(nil), f.joins...)
}

func startRelay(t *testing.T, f *fakeRelay) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(url string) *Client {
	return NewClient(Options{
		URL:              url,
		HandshakeTimeout: 200 * time.Millisecond,
		ReconnectDelay:   20 * time.Millisecond,
		Logger:           logger.Discard(),
	})
}

func TestConnect(t *testing.T) {
	relay := &fakeRelay{}
	c := newTestClient(startRelay(t, relay))
	defer c.Close()

	events := make(chan protocol.Envelope, 4)
	c.OnEnvelope(func(env protocol.Envelope) { events <- env })

	id, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "peer-1", id)
	assert.Equal(t, "peer-1", c.PeerID())
	assert.True(t, c.Connected())

	select {
	case env := <-events:
		assert.Equal(t, protocol.EventConnect, env.Event)
	case <-time.After(time.Second):
		t.Fatal("connect event not delivered")
	}

	again, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, int32(1), relay.accepts.Load())
}

func TestConcurrentConnectSharesHandshake(t *testing.T) {
	relay := &fakeRelay{delay: 50 * time.Millisecond}
	c := newTestClient(startRelay(t, relay))
	defer c.Close()

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := c.Connect(context.Background())
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, "peer-1", id)
	}
	assert.Equal(t, int32(1), relay.accepts.Load())
}

func TestConnectHandshakeTimeout(t *testing.T) {
	relay := &fakeRelay{}
	relay.silent.Store(true)
	c := newTestClient(startRelay(t, relay))
	defer c.Close()

	start := time.Now()
	_, err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrRelayUnavailable), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, c.Connected())
}

func TestConnectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := newTestClient(url)
	defer c.Close()

	_, err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrRelayUnavailable))
}

func TestSendWhileDisconnected(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/ws")
	defer c.Close()

	env, err := protocol.NewEnvelope(protocol.EventUserJoin, protocol.User{Name: "alice"})
	require.NoError(t, err)
	assert.False(t, c.Send(env))
}

func TestSingleReconnectScheduled(t *testing.T) {
	relay := &fakeRelay{}
	c := NewClient(Options{
		URL:              startRelay(t, relay),
		HandshakeTimeout: 200 * time.Millisecond,
		ReconnectDelay:   100 * time.Millisecond,
		Logger:           logger.Discard(),
	})
	defer c.Close()

	var connects atomic.Int32
	c.OnEnvelope(func(env protocol.Envelope) {
		if env.Event == protocol.EventConnect {
			connects.Add(1)
		}
	})

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, c.Join("alice"))
	require.Eventually(t, func() bool { return len(relay.joined()) == 1 }, time.Second, time.Millisecond)

	relay.dropAll()
	require.Eventually(t, func() bool { return !c.Connected() }, time.Second, time.Millisecond)

	c.mu.Lock()
	pending := c.reconnect
	c.mu.Unlock()
	require.NotNil(t, pending)

	// A second disconnect while the first reconnect is pending.
	c.scheduleReconnect()

	c.mu.Lock()
	assert.Same(t, pending, c.reconnect)
	c.mu.Unlock()

	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "peer-2", c.PeerID())
	require.Eventually(t, func() bool { return connects.Load() == 2 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return len(relay.joined()) == 2 }, time.Second, time.Millisecond)
	joins := relay.joined()
	assert.Equal(t, "alice", joins[1].Name)
	assert.Equal(t, "peer-2", joins[1].SocketID)
	assert.Equal(t, joins[0].JoinedAt, joins[1].JoinedAt)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(2), relay.accepts.Load())
}

func TestCloseStopsReconnect(t *testing.T) {
	relay := &fakeRelay{}
	c := NewClient(Options{
		URL:              startRelay(t, relay),
		HandshakeTimeout: 200 * time.Millisecond,
		ReconnectDelay:   200 * time.Millisecond,
		Logger:           logger.Discard(),
	})

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	relay.dropAll()
	require.Eventually(t, func() bool { return !c.Connected() }, time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), relay.accepts.Load())

	_, err = c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrRelayUnavailable))
}
