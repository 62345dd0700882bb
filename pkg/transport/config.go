// Package transport carries engine messages between devices over libp2p.
//
// Every device announces its UID on the DHT as a provider record, so a
// sender only needs the device UID to find the peer hosting it. Messages
// travel as length-prefixed frames on one stream per frame; the receiver
// answers with a single ack byte once the engine has taken the message, and
// a missing ack makes the engine retry from its outbox.
//
// Server queries and identity-transfer relay sessions go through a Server
// client, by default the HTTP client in this package.
package transport

import (
	"log"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/benbjohnson/clock"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// Notifier receives app notifications produced by protocol steps
type Notifier func(owned identity.Identity, name string, values []encoding.Encoded)

// Config holds transport configuration
type Config struct {
	ListenHost string
	ListenPort int
	// PrivateKey is the libp2p host key; nil generates a fresh Ed25519 key
	PrivateKey     p2pcrypto.PrivKey
	BootstrapPeers []string
	EnableNAT      bool

	DialTimeout     time.Duration
	PollInterval    time.Duration
	ProvideInterval time.Duration
	// SessionTTL bounds how long relay sessions are polled after their last use
	SessionTTL time.Duration

	Clock    clock.Clock
	Logger   *log.Logger
	Notifier Notifier
}

// DefaultConfig returns default transport configuration
func DefaultConfig() *Config {
	return &Config{
		ListenHost:      "0.0.0.0",
		ListenPort:      4101,
		EnableNAT:       true,
		DialTimeout:     10 * time.Second,
		PollInterval:    2 * time.Second,
		ProvideInterval: 10 * time.Minute,
		SessionTTL:      15 * time.Minute,
	}
}

func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c != nil {
		*out = *c
	}
	def := DefaultConfig()
	if out.ListenHost == "" {
		out.ListenHost = def.ListenHost
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = def.DialTimeout
	}
	if out.PollInterval <= 0 {
		out.PollInterval = def.PollInterval
	}
	if out.ProvideInterval <= 0 {
		out.ProvideInterval = def.ProvideInterval
	}
	if out.SessionTTL <= 0 {
		out.SessionTTL = def.SessionTTL
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	return out
}
