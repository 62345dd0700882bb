// Package main runs a zentalk engine node: protocol engine, libp2p transport
// and admin API over one database
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/api"
	"github.com/ZentaChain/zentalk-engine/pkg/crypto"
	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols"
	"github.com/ZentaChain/zentalk-engine/pkg/storage"
	"github.com/ZentaChain/zentalk-engine/pkg/transport"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/sync/errgroup"
)

const hostKeyFile = "host.key"

var (
	dbPath    = flag.String("db", "./data/engine.db", "Path to the engine database")
	keysDir   = flag.String("keys", "./keys", "Directory holding identity and host keys")
	serverURL = flag.String("server", "https://server.zentalk.local", "Messaging server URL")
	port      = flag.Int("port", 4101, "libp2p listen port")
	apiPort   = flag.Int("api-port", 8080, "Admin API port (0 disables it)")
	bootstrap = flag.String("bootstrap", "", "Comma-separated bootstrap multiaddrs")
	name      = flag.String("name", "", "First name of a newly generated identity")
	apiKey    = flag.String("api-key", "", "Require this X-API-Key on /api/v1")
	noNAT     = flag.Bool("no-nat", false, "Disable NAT port mapping and hole punching")
)

func main() {
	flag.Parse()

	printBanner()

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	db, err := storage.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	log.Printf("✓ Database opened at %s", *dbPath)

	keys, err := identity.OpenDirKeyStore(*keysDir)
	if err != nil {
		log.Fatalf("Failed to open key store: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	owned, err := loadOrGenerateIdentity(ctx, db, keys)
	if err != nil {
		log.Fatalf("Failed to load/generate identity: %v", err)
	}
	log.Printf("✓ Owned identity %s", owned)

	engine := protocol.NewEngine(db, nil, keys, protocol.DefaultConfig())
	if err := engine.Register(protocols.All()...); err != nil {
		log.Fatalf("Failed to register protocols: %v", err)
	}
	log.Printf("✓ %d protocols registered", len(engine.Definitions()))

	hostKey, err := loadOrGenerateHostKey(filepath.Join(*keysDir, hostKeyFile))
	if err != nil {
		log.Fatalf("Failed to load/generate host key: %v", err)
	}

	tcfg := transport.DefaultConfig()
	tcfg.ListenPort = *port
	tcfg.PrivateKey = hostKey
	tcfg.EnableNAT = !*noNAT
	tcfg.BootstrapPeers = splitList(*bootstrap)

	var apiSrv *api.Server
	tcfg.Notifier = func(owned identity.Identity, event string, values []encoding.Encoded) {
		log.Printf("🔔 %s: %s", owned, event)
		if apiSrv != nil {
			apiSrv.Notifications().Record(owned, event, values)
		}
	}

	tr, err := transport.New(ctx, tcfg, db, keys, transport.NewHTTPServer(*serverURL, 30*time.Second))
	if err != nil {
		log.Fatalf("Failed to start transport: %v", err)
	}
	tr.SetReceiver(engine)
	engine.SetChannel(tr)

	if *apiPort != 0 {
		acfg := api.DefaultConfig()
		acfg.Port = *apiPort
		if *apiKey != "" {
			acfg.APIKeys = []string{*apiKey}
		}
		apiSrv, err = api.NewServer(engine, tr, acfg)
		if err != nil {
			log.Fatalf("Failed to create admin API: %v", err)
		}
	}

	printStatus(tr, owned)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return tr.Run(gctx) })
	if apiSrv != nil {
		g.Go(func() error { return apiSrv.Start(gctx) })
	}

	err = g.Wait()
	fmt.Println()
	log.Println("Shutting down gracefully...")
	if err := tr.Close(); err != nil {
		log.Printf("Error stopping transport: %v", err)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Node stopped: %v", err)
	}
	log.Println("Goodbye! 👋")
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            Zentalk Protocol Engine v1.0           ║")
	fmt.Println("║     End-to-end encrypted protocol execution       ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

// loadOrGenerateIdentity returns the first owned identity in the database,
// creating one with a fresh device when there is none
func loadOrGenerateIdentity(ctx context.Context, db *storage.DB, keys *identity.DirKeyStore) (identity.Identity, error) {
	var owned identity.Identity
	err := db.View(ctx, func(m identity.Manager) error {
		list, err := m.OwnedIdentities()
		if err != nil {
			return err
		}
		if len(list) > 0 {
			owned = list[0].Identity
			return nil
		}

		log.Println("Generating new owned identity...")
		prng := crypto.SystemPRNG()
		id, priv, err := identity.Generate(*serverURL, crypto.SignatureEd25519, prng)
		if err != nil {
			return err
		}
		if err := keys.StorePrivateKeys(id, priv); err != nil {
			return err
		}
		owned = id
		return m.AddOwnedIdentity(&identity.OwnedIdentity{
			Identity:  id,
			Details:   identity.Details{FirstName: *name},
			Active:    true,
			CreatedAt: time.Now(),
		}, crypto.GenerateUID(prng))
	})
	if err != nil {
		return identity.Identity{}, err
	}
	if _, err := keys.PrivateKeys(owned); err != nil {
		return identity.Identity{}, fmt.Errorf("no private keys in %s: %w", *keysDir, err)
	}
	return owned, nil
}

func loadOrGenerateHostKey(path string) (p2pcrypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		return p2pcrypto.UnmarshalPrivateKey(data)
	}

	log.Println("Generating new libp2p host key...")
	priv, _, err := p2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	data, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, err
	}
	log.Printf("✓ Host key saved to %s", path)
	return priv, nil
}

func printStatus(tr *transport.Transport, owned identity.Identity) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 Engine Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Identity: %s\n", owned.Fingerprint())
	fmt.Printf("   Peer ID: %s\n", tr.ID())
	for _, a := range tr.Addrs() {
		fmt.Printf("   Listening: %s\n", a)
	}
	if *apiPort != 0 {
		fmt.Printf("   Admin API: http://localhost:%d/api/v1\n", *apiPort)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
