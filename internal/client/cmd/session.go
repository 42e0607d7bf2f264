package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rudransh-shrivastava/lanchat/internal/config"
	"github.com/rudransh-shrivastava/lanchat/internal/db"
	"github.com/rudransh-shrivastava/lanchat/internal/inbox"
	"github.com/rudransh-shrivastava/lanchat/internal/peer"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/signaling"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
	"github.com/rudransh-shrivastava/lanchat/internal/transfer"
	"github.com/rudransh-shrivastava/lanchat/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	relayURL string
	userName string
)

// addSessionFlags registers the flags of every command that joins the relay.
func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay websocket url")
	cmd.Flags().StringVar(&userName, "name", "", "name shown to other peers")
}

// session is one process joined to the relay.
type session struct {
	log       *logrus.Logger
	gormDB    *gorm.DB
	relay     *signaling.Client
	transport *transport.Transport
	inbox     *inbox.Inbox
}

type sessionOptions struct {
	// OnProgress additionally receives every transfer update.
	OnProgress func(transfer.Snapshot)
	// OnRoster is called with the online users after every roster change.
	OnRoster func([]protocol.User)
}

func startSession(ctx context.Context, cmd *cobra.Command, cfg config.Config, log *logrus.Logger, opts sessionOptions) (*session, error) {
	if cmd.Flags().Changed("relay") {
		cfg.Relay.URL = relayURL
	}
	if cmd.Flags().Changed("name") {
		cfg.Name = userName
	}
	if cfg.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "anonymous"
		}
		cfg.Name = host
	}

	gormDB, err := db.Open(cfg.Storage.DB)
	if err != nil {
		return nil, err
	}

	s := &session{log: log, gormDB: gormDB}
	s.inbox, err = inbox.New(inbox.Options{
		DownloadDir: cfg.Storage.DownloadDir,
		Transfers:   store.NewTransferStore(gormDB),
		Names:       s.displayName,
		Logger:      log,
	})
	if err != nil {
		_ = db.Close(gormDB)
		return nil, err
	}

	peerCfg := cfg.PeerConfig()
	peerCfg.Transfer.OnProgress = func(snap transfer.Snapshot) {
		s.inbox.OnProgress(snap)
		if opts.OnProgress != nil {
			opts.OnProgress(snap)
		}
	}

	s.relay = signaling.NewClient(signaling.Options{
		URL:              cfg.Relay.URL,
		HandshakeTimeout: cfg.Relay.HandshakeTimeout,
		ReconnectDelay:   cfg.Relay.ReconnectDelay,
		Logger:           log,
	})
	s.transport = transport.New(transport.Options{
		Relay:   s.relay,
		Factory: peer.NewWebRTCFactory(cfg.WebRTC()),
		Sink:    s.inbox,
		Config:  peerCfg,
		Logger:  log,
	})
	s.relay.OnEnvelope(func(env protocol.Envelope) {
		s.transport.HandleEnvelope(env)
		if env.Event == protocol.EventUsersUpdate && opts.OnRoster != nil {
			opts.OnRoster(s.transport.Roster())
		}
	})

	id, err := s.relay.Connect(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.relay.Join(cfg.Name)
	log.Infof("Joined relay %s as %s (%s)", cfg.Relay.URL, cfg.Name, id)
	return s, nil
}

func (s *session) displayName(peerID string) string {
	for _, u := range s.transport.Roster() {
		if u.SocketID == peerID && u.Name != "" {
			return u.Name
		}
	}
	return peerID
}

// resolve finds a peer by id or name, waiting for the roster to arrive.
func (s *session) resolve(ctx context.Context, ref string) (protocol.User, error) {
	u, err := s.transport.Lookup(ctx, ref)
	if err != nil {
		return protocol.User{}, fmt.Errorf("%w (online: %s)", err, s.online())
	}
	return u, nil
}

func (s *session) online() string {
	users := s.transport.Roster()
	if len(users) == 0 {
		return "nobody"
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, fmt.Sprintf("%s [%s]", u.Name, u.SocketID))
	}
	return strings.Join(names, ", ")
}

func (s *session) Close() {
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if s.relay != nil {
		_ = s.relay.Close()
	}
	_ = db.Close(s.gormDB)
}
