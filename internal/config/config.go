package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/lanchat/internal/peer"
	"github.com/rudransh-shrivastava/lanchat/internal/transfer"
	"gopkg.in/yaml.v3"
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

type Config struct {
	Name     string         `yaml:"name,omitempty"`
	LogLevel string         `yaml:"log_level"`
	Relay    RelayConfig    `yaml:"relay"`
	Peer     PeerConfig     `yaml:"peer"`
	Transfer TransferConfig `yaml:"transfer"`
	Storage  StorageConfig  `yaml:"storage"`
}

type RelayConfig struct {
	// URL is the websocket endpoint clients dial.
	URL string `yaml:"url"`
	// Addr is where the relay command listens.
	Addr             string        `yaml:"addr"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
}

type PeerConfig struct {
	MaxRetries         int           `yaml:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	STUNServers        []string      `yaml:"stun_servers"`
}

type TransferConfig struct {
	ChunkSize         int           `yaml:"chunk_size"`
	MaxBufferedAmount uint64        `yaml:"max_buffered_amount"`
	BackpressurePoll  time.Duration `yaml:"backpressure_poll"`
	EnforceSize       bool          `yaml:"enforce_size"`
}

type StorageConfig struct {
	DB          string `yaml:"db"`
	DownloadDir string `yaml:"download_dir"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Relay: RelayConfig{
			URL:              "ws://localhost:3000/ws",
			Addr:             ":3000",
			HandshakeTimeout: 10 * time.Second,
			ReconnectDelay:   3 * time.Second,
		},
		Peer: PeerConfig{
			MaxRetries:         3,
			RetryDelay:         2 * time.Second,
			NegotiationTimeout: 30 * time.Second,
			STUNServers:        append([]string(nil), defaultSTUNServers...),
		},
		Transfer: TransferConfig{
			ChunkSize:         16384,
			MaxBufferedAmount: 1 << 20,
			BackpressurePoll:  100 * time.Millisecond,
			EnforceSize:       true,
		},
		Storage: StorageConfig{
			DB:          "lanchat.sqlite3",
			DownloadDir: "downloads",
		},
	}
}

// Load overlays the YAML file at path on the defaults. An empty path yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Peer.MaxRetries < 0 {
		errs = append(errs, errors.New("peer.max_retries must not be negative"))
	}
	if c.Transfer.ChunkSize <= 0 {
		errs = append(errs, errors.New("transfer.chunk_size must be positive"))
	}
	if c.Relay.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("relay.handshake_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// WebRTC builds the ICE configuration for peer connections.
func (c Config) WebRTC() webrtc.Configuration {
	cfg := webrtc.Configuration{
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
	if len(c.Peer.STUNServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{
			{URLs: append([]string(nil), c.Peer.STUNServers...)},
		}
	}
	return cfg
}

func (c Config) PeerConfig() peer.Config {
	return peer.Config{
		MaxRetries:         c.Peer.MaxRetries,
		RetryDelay:         c.Peer.RetryDelay,
		NegotiationTimeout: c.Peer.NegotiationTimeout,
		Transfer: transfer.Config{
			ChunkSize:         c.Transfer.ChunkSize,
			MaxBufferedAmount: c.Transfer.MaxBufferedAmount,
			PollInterval:      c.Transfer.BackpressurePoll,
			EnforceSize:       c.Transfer.EnforceSize,
		},
	}
}
