// Swarm training peer node.

// Joins the swarm: registers with the coordinator contract, shares round
// payloads over the p2p outputs topic, submits rewards once per round and
// blocks on the round barrier between rounds. The training loop itself is
// pluggable; without one attached the peer participates in the schedule
// with empty payloads.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/xtruong1909/rl-swarm/chain"
	"github.com/xtruong1909/rl-swarm/codec"
	"github.com/xtruong1909/rl-swarm/config"
	"github.com/xtruong1909/rl-swarm/names"
	"github.com/xtruong1909/rl-swarm/network/p2p"
	"github.com/xtruong1909/rl-swarm/storage"
	"github.com/xtruong1909/rl-swarm/swarm"
)

func main() {
	var configPath = flag.String("config", "", "Path to yaml config file")
	var port = flag.Int("port", 0, "P2P listen port (overrides config)")
	var bootstraps = flag.String("bootstrap", "", "Comma-separated bootstrap multiaddrs (overrides config)")
	var dataDir = flag.String("data", "", "Data directory (overrides config)")
	var proxyURL = flag.String("proxy", "", "Coordinator proxy URL (overrides config)")
	var orgID = flag.String("org", "", "Org id for the coordinator proxy (overrides config)")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.P2P.ListenPort = *port
	}
	if *bootstraps != "" {
		cfg.P2P.BootstrapPeers = strings.Split(*bootstraps, ",")
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *proxyURL != "" {
		cfg.Chain.ProxyURL = *proxyURL
	}
	if *orgID != "" {
		cfg.Chain.OrgID = *orgID
	}
	if cfg.Chain.ProxyURL == "" {
		log.Fatalf("Coordinator proxy URL is required (-proxy or chain.proxy_url)")
	}

	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	}

	fmt.Printf("🐝 Starting rl-swarm peer on port %d...\n", cfg.P2P.ListenPort)

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open data store: %v", err)
	}
	defer store.Close()

	coordinator := chain.NewModalCoordinator(cfg.Chain.ProxyURL, cfg.Chain.OrgID,
		cfg.Chain.Timeout.Duration())

	// Bootstrap list falls back to the contract's published bootnodes.
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

	p2pManager, err := p2p.NewManager(&p2p.Config{
		ListenPort:     cfg.P2P.ListenPort,
		BootstrapPeers: cfg.P2P.BootstrapPeers,
		ClientMode:     cfg.P2P.ClientMode,
	}, store)
	if err != nil {
		log.Fatalf("Failed to create p2p manager: %v", err)
	}
	if err := p2pManager.Start(); err != nil {
		log.Fatalf("Failed to start p2p: %v", err)
	}

	peerID := p2pManager.PeerID()
	fmt.Printf("🔑 Peer id: %s\n", peerID)
	fmt.Printf("🦒 Hello! My name is %s.\n", names.FromPeerID(peerID))

	barrier := swarm.NewBarrier(coordinator, swarm.BarrierConfig{
		CheckInterval:    cfg.Swarm.CheckInterval.Duration(),
		LogTimeout:       cfg.Swarm.LogTimeout.Duration(),
		MaxCheckInterval: cfg.Swarm.MaxCheckInterval.Duration(),
		Timeout:          cfg.Swarm.TrainTimeout.Duration(),
		MaxRound:         cfg.Swarm.MaxRound,
	}, swarm.WithKeepAlive(func() {
		// Touching the host's addresses keeps the p2p session warm across
		// long barrier waits.
		_ = p2pManager.ListenAddresses()
	}))

	controller := swarm.NewSubmissionController(coordinator, store, peerID)

	var sideGame *swarm.SideGame
	if cfg.Chain.JudgeURL != "" {
		judge := chain.NewJudgeClient(cfg.Chain.JudgeURL)
		book := chain.NewPRGClient(cfg.Chain.ProxyURL, cfg.Chain.OrgID,
			cfg.Chain.Timeout.Duration())
		sideGame = swarm.NewSideGame(judge, book, randomChoice, peerID)
		fmt.Printf("🎲 Prediction side-game enabled (judge: %s)\n", cfg.Chain.JudgeURL)
	}

	manager := swarm.NewManager(swarm.ManagerConfig{
		PeerID: peerID,
		Barrier: swarm.BarrierConfig{
			CheckInterval: cfg.Swarm.CheckInterval.Duration(),
			MaxRound:      cfg.Swarm.MaxRound,
		},
	}, coordinator, coordinator, barrier, controller, p2pManager, store, idleWork)
	if sideGame != nil {
		manager.AttachSideGame(sideGame)
	}

	manager.Start()
	fmt.Printf("✅ Peer started! Press Ctrl+C to stop.\n")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-c:
			fmt.Println("\n🛑 Shutting down peer...")
			manager.Stop()
			if err := p2pManager.Stop(); err != nil {
				log.Printf("Error stopping p2p: %v", err)
			}
			if err := manager.Err(); err != nil && err != context.Canceled {
				log.Printf("Peer loop exited with error: %v", err)
			}
			fmt.Println("👋 Goodbye!")
			return
		case <-statusTicker.C:
			status := manager.Status()
			fmt.Printf("📊 Round %v stage %v | %d peers | accumulated %.2f\n",
				status["round"], status["stage"], p2pManager.PeerCount(), status["accumulated"])
		}
	}
}

// idleWork stands in for a real training loop: it contributes nothing but
// keeps the peer on the swarm schedule.
func idleWork(ctx context.Context, round, stage int64) (swarm.WorkResult, error) {
	select {
	case <-ctx.Done():
		return swarm.WorkResult{}, ctx.Err()
	case <-time.After(time.Second):
	}
	return swarm.WorkResult{Payloads: codec.List{}}, nil
}

// randomChoice is the model-free side-game chooser. A trainer-backed peer
// would pick from logits instead.
func randomChoice(_ context.Context, _ string, choices []string) (int, error) {
	if len(choices) == 0 {
		return -1, fmt.Errorf("no choices offered")
	}
	return rand.Intn(len(choices)), nil
}
