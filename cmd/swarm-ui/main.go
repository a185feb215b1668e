// Swarm UI server.

// Observes the swarm without training in it: polls the coordinator for the
// current round, samples the payloads peers shared for that round and
// publishes the digest to the gossip stream, while serving the UI's HTTP
// and websocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/xtruong1909/rl-swarm/api"
	"github.com/xtruong1909/rl-swarm/chain"
	"github.com/xtruong1909/rl-swarm/config"
	"github.com/xtruong1909/rl-swarm/gossip"
	"github.com/xtruong1909/rl-swarm/network/p2p"
	"github.com/xtruong1909/rl-swarm/storage"
)

func main() {
	var configPath = flag.String("config", "", "Path to yaml config file")
	var listenAddr = flag.String("listen", "", "API listen address (overrides config)")
	var proxyURL = flag.String("proxy", "", "Coordinator proxy URL (overrides config)")
	var orgID = flag.String("org", "", "Org id for the coordinator proxy (overrides config)")
	var streamURL = flag.String("stream", "", "Gossip stream URL (overrides config)")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.API.ListenAddr = *listenAddr
	}
	if *proxyURL != "" {
		cfg.Chain.ProxyURL = *proxyURL
	}
	if *orgID != "" {
		cfg.Chain.OrgID = *orgID
	}
	if *streamURL != "" {
		cfg.Gossip.StreamURL = *streamURL
	}
	if cfg.Chain.ProxyURL == "" {
		log.Fatalf("Coordinator proxy URL is required (-proxy or chain.proxy_url)")
	}

	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	}

	fmt.Printf("🌐 Starting swarm UI server on %s...\n", cfg.API.ListenAddr)

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open data store: %v", err)
	}
	defer store.Close()

	coordinator := chain.NewModalCoordinator(cfg.Chain.ProxyURL, cfg.Chain.OrgID,
		cfg.Chain.Timeout.Duration())

	if len(cfg.P2P.BootstrapPeers) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Chain.Timeout.Duration())
		nodes, err := coordinator.Bootnodes(ctx)
		cancel()
		if err != nil {
			log.Printf("Could not fetch bootnodes from coordinator: %v", err)
		} else {
			cfg.P2P.BootstrapPeers = nodes
		}
	}

	// The UI server only reads the swarm store, so the DHT runs in client
	// mode.
	p2pManager, err := p2p.NewManager(&p2p.Config{
		ListenPort:     cfg.P2P.ListenPort,
		BootstrapPeers: cfg.P2P.BootstrapPeers,
		ClientMode:     true,
	}, store)
	if err != nil {
		log.Fatalf("Failed to create p2p manager: %v", err)
	}
	if err := p2pManager.Start(); err != nil {
		log.Fatalf("Failed to start p2p: %v", err)
	}

	var sink gossip.Sink
	sink, err = gossip.NewStreamSink(cfg.Gossip.StreamURL)
	if errors.Is(err, gossip.ErrSinkDisabled) {
		log.Printf("No gossip stream configured, publishing disabled")
		sink = gossip.NopSink{}
	} else if err != nil {
		log.Fatalf("Failed to create gossip sink: %v", err)
	}

	publisher := gossip.NewPublisher(coordinator, p2pManager, sink,
		gossip.WithPollInterval(cfg.Gossip.PollInterval.Duration()),
		gossip.WithMaxPerBatch(cfg.Gossip.MaxPerBatch))

	server := api.NewServer(publisher, cfg.API.ListenAddr, cfg.API.EnableCORS)
	server.AddStatusSource("p2p", p2pManager.Stats)

	publisher.Start()
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	fmt.Printf("✅ Swarm UI server running! Press Ctrl+C to stop.\n")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	fmt.Println("\n🛑 Shutting down swarm UI server...")
	publisher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}
	if err := p2pManager.Stop(); err != nil {
		log.Printf("Error stopping p2p: %v", err)
	}
	fmt.Println("👋 Goodbye!")
}
