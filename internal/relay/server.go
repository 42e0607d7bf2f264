package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/schema"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

type Options struct {
	Addr   string
	Users  store.UserRepository
	Logger *logrus.Logger
}

// Server introduces clients to each other. It assigns every websocket a peer
// id, keeps the roster and forwards negotiation messages by target id. It
// never sees data-channel traffic.
type Server struct {
	opts     Options
	log      *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client

	httpSrv *http.Server
	ln      net.Listener
}

type client struct {
	id      string
	conn    *websocket.Conn
	joined  bool
	writeMu sync.Mutex
}

func (c *client) send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	s := &Server{
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]*client),
	}
	return s
}

// Handler serves the relay websocket at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	return mux
}

// Start listens on Options.Addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.opts.Users != nil {
		if err := s.opts.Users.Clear(ctx); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpSrv
	s.mu.Unlock()

	s.log.Infof("Relay listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		_ = s.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.httpSrv
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.log.Info("Shutting down relay")
	for _, c := range clients {
		_ = c.conn.Close()
	}
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	log := s.log.WithFields(logrus.Fields{"peer": c.id, "addr": r.RemoteAddr})

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	log.Info("Client connected")

	defer s.disconnect(r.Context(), c, log)

	env, err := protocol.NewEnvelope(protocol.EventConnect, protocol.Connect{SocketID: c.id})
	if err != nil {
		return
	}
	if err := c.send(env); err != nil {
		log.Warnf("Failed to send connect: %v", err)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("Read failed: %v", err)
			}
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			log.Warnf("Dropping message: %v", err)
			continue
		}
		s.handleEnvelope(r.Context(), c, env, log)
	}
}

func (s *Server) handleEnvelope(ctx context.Context, c *client, env protocol.Envelope, log *logrus.Entry) {
	switch {
	case env.Event == protocol.EventUserJoin:
		s.handleJoin(ctx, c, env, log)
	case protocol.IsSignal(env.Event):
		s.forward(ctx, c, env, log)
	default:
		log.Warnf("Unhandled event %s", env.Event)
	}
}

func (s *Server) handleJoin(ctx context.Context, c *client, env protocol.Envelope, log *logrus.Entry) {
	var u protocol.User
	if err := json.Unmarshal(env.Data, &u); err != nil {
		log.Warnf("Invalid join: %v", err)
		return
	}
	if u.JoinedAt == 0 {
		u.JoinedAt = time.Now().UnixMilli()
	}

	user := schema.User{SocketID: c.id, Name: u.Name, JoinedAt: u.JoinedAt}
	if s.opts.Users != nil {
		if err := s.opts.Users.AddUser(ctx, user); err != nil {
			log.Errorf("Failed to add user: %v", err)
			return
		}
	}
	c.joined = true
	log.Infof("User %q joined", u.Name)

	s.broadcastRoster(ctx, protocol.UpdateAdd, user)
}

func (s *Server) forward(ctx context.Context, c *client, env protocol.Envelope, log *logrus.Entry) {
	sig, err := protocol.DecodeSignal(env)
	if err != nil {
		log.Warnf("Dropping signal: %v", err)
		return
	}

	s.mu.Lock()
	target := s.clients[sig.TargetID]
	s.mu.Unlock()
	if target == nil {
		log.Warnf("Dropping %s for unknown peer %s", sig.Kind, sig.TargetID)
		return
	}
	if s.opts.Users != nil {
		if _, err := s.opts.Users.GetUser(ctx, sig.TargetID); err != nil {
			log.Warnf("Dropping %s for peer %s not on roster", sig.Kind, sig.TargetID)
			return
		}
	}

	sig.SourceID = c.id
	sig.TargetID = ""
	out, err := protocol.EncodeSignal(*sig)
	if err != nil {
		log.Warnf("Failed to encode %s: %v", sig.Kind, err)
		return
	}
	if err := target.send(out); err != nil {
		log.Warnf("Failed to forward %s: %v", sig.Kind, err)
		return
	}
	log.Debugf("Forwarded %s to %s", sig.Kind, target.id)
}

func (s *Server) disconnect(ctx context.Context, c *client, log *logrus.Entry) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	_ = c.conn.Close()
	log.Info("Client disconnected")

	if !c.joined {
		return
	}

	// The request context is done once the handler returns.
	ctx = context.WithoutCancel(ctx)
	user := schema.User{SocketID: c.id}
	if s.opts.Users != nil {
		removed, err := s.opts.Users.RemoveUser(ctx, c.id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Errorf("Failed to remove user: %v", err)
		}
		if err == nil {
			user = removed
		}
	}
	s.broadcastRoster(ctx, protocol.UpdateRemove, user)
}

func (s *Server) broadcastRoster(ctx context.Context, kind string, changed schema.User) {
	online := []protocol.User{}
	if s.opts.Users != nil {
		users, err := s.opts.Users.GetOnlineUsers(ctx)
		if err != nil {
			s.log.Errorf("Failed to list users: %v", err)
			return
		}
		for _, u := range users {
			online = append(online, toProtocol(u))
		}
	}

	env, err := protocol.NewEnvelope(protocol.EventUsersUpdate, protocol.UsersUpdate{
		Type:        kind,
		OnlineUsers: online,
		User:        toProtocol(changed),
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(env); err != nil {
			s.log.WithField("peer", c.id).Debugf("Failed to send roster: %v", err)
		}
	}
}

func toProtocol(u schema.User) protocol.User {
	return protocol.User{SocketID: u.SocketID, Name: u.Name, JoinedAt: u.JoinedAt}
}
