// Package p2p maintains a swarm peer's connection to the shared store: a
// libp2p host with Kademlia-based discovery and a gossipsub topic over
// which peers replicate their per-round outputs. Every subscriber keeps a
// local copy of the round record, so reads are cheap and the store stays
// best-effort; entries may be missing, partial, or malformed and readers
// must cope.
package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	"github.com/xtruong1909/rl-swarm/storage"
)

var log = logging.Logger("p2p")

const (
	// TopicOutputs carries per-round output announcements between peers.
	TopicOutputs = "rl-swarm-outputs/1.0.0"

	// DiscoveryTag namespaces mDNS and DHT discovery for this swarm.
	DiscoveryTag = "rl-swarm"
)

// Config represents P2P configuration.
type Config struct {
	ListenPort     int
	BootstrapPeers []string
	// ClientMode runs the DHT as a client only (observers like the gossip
	// publisher do this; training peers run in server mode).
	ClientMode bool
}

// ConnectionState tracks the state of peer connections.
type ConnectionState struct {
	LastConnected time.Time
	Attempts      int
	IsHealthy     bool
	LastError     error
}

// Metrics tracks P2P network activity.
type Metrics struct {
	AnnouncementsSent     int64
	AnnouncementsReceived int64
	AnnouncementsDropped  int64
	ConnectionAttempts    int64
	FailedConnections     int64
	PeerCount             int64
	mu                    sync.RWMutex
}

func (m *Metrics) incrSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AnnouncementsSent++
}

func (m *Metrics) incrReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AnnouncementsReceived++
}

func (m *Metrics) incrDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AnnouncementsDropped++
}

func (m *Metrics) incrConnectionAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectionAttempts++
}

func (m *Metrics) incrFailedConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedConnections++
}

func (m *Metrics) updatePeerCount(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PeerCount = count
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"announcements_sent":     m.AnnouncementsSent,
		"announcements_received": m.AnnouncementsReceived,
		"announcements_dropped":  m.AnnouncementsDropped,
		"connection_attempts":    m.ConnectionAttempts,
		"failed_connections":     m.FailedConnections,
		"peer_count":             m.PeerCount,
	}
}

// Manager manages the libp2p host and the outputs replication topic.
type Manager struct {
	host   host.Host
	ctx    context.Context
	cancel context.CancelFunc
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT

	outputsTopic *pubsub.Topic
	cache        *storage.Store

	// Configuration
	listenPort     int
	bootstrapPeers []multiaddr.Multiaddr

	// Inbound rate limiting
	rateLimiter *rate.Limiter

	// Connection management
	connectionStates map[peer.ID]*ConnectionState
	connectionsMu    sync.RWMutex

	// Metrics
	metrics *Metrics

	// Health monitoring
	healthTicker *time.Ticker
}

// NewManager initializes a libp2p manager backed by the given round cache.
func NewManager(config *Config, cache *storage.Store) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	var bootstrapPeers []multiaddr.Multiaddr
	for _, addr := range config.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap peer address %s: %v", addr, err)
			continue
		}
		bootstrapPeers = append(bootstrapPeers, maddr)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", config.ListenPort)),
		libp2p.NATPortMap(),
		libp2p.EnableRelay(),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	log.Infof("Libp2p host created with Peer ID: %s, listening on: %s", h.ID(), h.Addrs())

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	dhtMode := dht.Mode(dht.ModeServer)
	if config.ClientMode {
		dhtMode = dht.Mode(dht.ModeClient)
	}
	kademliaDHT, err := dht.New(ctx, h, dhtMode)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	if err := kademliaDHT.Bootstrap(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	return &Manager{
		host:             h,
		ctx:              ctx,
		cancel:           cancel,
		pubsub:           ps,
		dht:              kademliaDHT,
		cache:            cache,
		listenPort:       config.ListenPort,
		bootstrapPeers:   bootstrapPeers,
		rateLimiter:      rate.NewLimiter(rate.Limit(100), 200), // 100 msgs/sec with burst of 200
		connectionStates: make(map[peer.ID]*ConnectionState),
		metrics:          &Metrics{},
	}, nil
}

// Start connects to the swarm and begins replicating round outputs.
func (m *Manager) Start() error {
	m.connectToBootstrapPeersWithRetry()

	m.startMDNSDiscovery()
	m.startDHTDiscovery()

	if err := m.joinOutputsTopic(); err != nil {
		return err
	}

	m.startConnectionHealthMonitor()

	log.Info("P2P services started successfully")
	return nil
}

// Stop gracefully shuts down the P2P manager.
func (m *Manager) Stop() error {
	log.Info("Shutting down P2P services...")

	if m.healthTicker != nil {
		m.healthTicker.Stop()
	}

	m.cancel()

	if m.outputsTopic != nil {
		if err := m.outputsTopic.Close(); err != nil {
			log.Warnf("Error closing outputs topic: %v", err)
		}
	}

	if m.dht != nil {
		if err := m.dht.Close(); err != nil {
			log.Warnf("Error closing DHT: %v", err)
		}
	}

	if err := m.host.Close(); err != nil {
		return fmt.Errorf("error closing libp2p host: %w", err)
	}

	log.Info("P2P services shut down successfully")
	return nil
}

// connectToBootstrapPeersWithRetry connects to bootstrap peers concurrently.
func (m *Manager) connectToBootstrapPeersWithRetry() {
	var wg sync.WaitGroup

	for _, addr := range m.bootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap peer address %s: %v", addr, err)
			continue
		}
		if pi.ID == m.host.ID() {
			continue // Don't connect to self
		}

		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			m.connectWithRetry(pi, 3)
		}(*pi)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("Bootstrap peer connection attempts completed")
	case <-time.After(30 * time.Second):
		log.Warn("Bootstrap peer connection attempts timed out")
	}
}

// connectWithRetry attempts to connect to a peer with backoff.
func (m *Manager) connectWithRetry(pi peer.AddrInfo, maxRetries int) {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		m.metrics.incrConnectionAttempts()

		connectCtx, connectCancel := context.WithTimeout(m.ctx, 10*time.Second)
		err := m.host.Connect(connectCtx, pi)
		connectCancel()

		if err == nil {
			log.Debugf("Connected to peer: %s (attempt %d)", pi.ID, attempt)
			m.updateConnectionState(pi.ID, true, nil)
			return
		}

		m.metrics.incrFailedConnections()
		m.updateConnectionState(pi.ID, false, err)
		log.Debugf("Failed to connect to peer %s (attempt %d/%d): %v", pi.ID, attempt, maxRetries, err)

		if attempt < maxRetries {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-time.After(backoff):
			case <-m.ctx.Done():
				return
			}
		}
	}

	log.Warnf("Failed to connect to peer %s after %d attempts", pi.ID, maxRetries)
}

func (m *Manager) updateConnectionState(peerID peer.ID, isHealthy bool, err error) {
	m.connectionsMu.Lock()
	defer m.connectionsMu.Unlock()

	if m.connectionStates[peerID] == nil {
		m.connectionStates[peerID] = &ConnectionState{}
	}

	state := m.connectionStates[peerID]
	if isHealthy {
		state.LastConnected = time.Now()
		state.Attempts = 0
	} else {
		state.Attempts++
	}
	state.IsHealthy = isHealthy
	state.LastError = err
}

// HandlePeerFound handles newly discovered peers via mDNS.
func (m *Manager) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.host.ID() {
		return
	}
	log.Debugf("Discovered new peer via mDNS: %s", pi.ID)
	go func() {
		connectCtx, connectCancel := context.WithTimeout(m.ctx, 10*time.Second)
		defer connectCancel()
		if err := m.host.Connect(connectCtx, pi); err != nil {
			log.Debugf("Failed to connect to mDNS discovered peer %s: %v", pi.ID, err)
		}
	}()
}

// startMDNSDiscovery starts local network peer discovery.
func (m *Manager) startMDNSDiscovery() {
	service := mdns.NewMdnsService(m.host, DiscoveryTag, m)
	if err := service.Start(); err != nil {
		log.Warnf("Failed to start mDNS discovery: %v", err)
	} else {
		log.Debug("mDNS discovery started")
	}
}

// startDHTDiscovery starts DHT-based peer discovery.
func (m *Manager) startDHTDiscovery() {
	routingDiscovery := routing.NewRoutingDiscovery(m.dht)
	routingDiscovery.Advertise(m.ctx, DiscoveryTag)

	go func() {
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(30 * time.Second):
				peerChan, err := routingDiscovery.FindPeers(m.ctx, DiscoveryTag)
				if err != nil {
					log.Debugf("DHT peer discovery failed: %v", err)
					continue
				}
				for pi := range peerChan {
					if pi.ID == m.host.ID() || len(pi.Addrs) == 0 {
						continue
					}
					go func(pi peer.AddrInfo) {
						connectCtx, connectCancel := context.WithTimeout(m.ctx, 10*time.Second)
						defer connectCancel()
						if err := m.host.Connect(connectCtx, pi); err != nil {
							log.Debugf("Failed to connect to DHT discovered peer %s: %v", pi.ID, err)
						}
					}(pi)
				}
			}
		}
	}()
	log.Debug("DHT discovery started")
}

// startConnectionHealthMonitor periodically checks connection health and
// reconnects to bootstrap peers when the swarm looks thin.
func (m *Manager) startConnectionHealthMonitor() {
	m.healthTicker = time.NewTicker(30 * time.Second)

	go func() {
		defer m.healthTicker.Stop()
		for {
			select {
			case <-m.healthTicker.C:
				m.checkConnectionHealth()
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) checkConnectionHealth() {
	peers := m.host.Network().Peers()
	m.metrics.updatePeerCount(int64(len(peers)))

	if len(peers) < 3 && len(m.bootstrapPeers) > 0 {
		log.Debugf("Only %d peers connected, attempting to reconnect to bootstrap peers", len(peers))
		go m.tryReconnectToBootstrapPeers()
	}
}

func (m *Manager) tryReconnectToBootstrapPeers() {
	for _, addr := range m.bootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil || pi.ID == m.host.ID() {
			continue
		}
		if m.host.Network().Connectedness(pi.ID) != network.Connected {
			go m.connectWithRetry(*pi, 2)
		}
	}
}

// PeerID returns this host's peer ID string. It doubles as the peer's swarm
// identity for coordinator registration and reward submission.
func (m *Manager) PeerID() string {
	return m.host.ID().String()
}

// PeerCount returns the number of connected peers.
func (m *Manager) PeerCount() int {
	return len(m.host.Network().Peers())
}

// ListenAddresses returns the addresses the host is listening on.
func (m *Manager) ListenAddresses() []multiaddr.Multiaddr {
	return m.host.Addrs()
}

// Stats returns P2P statistics including metrics.
func (m *Manager) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"peer_id":         m.host.ID().String(),
		"listen_port":     m.listenPort,
		"connected_peers": len(m.host.Network().Peers()),
		"bootstrap_peers": len(m.bootstrapPeers),
	}
	for k, v := range m.metrics.Snapshot() {
		stats[k] = v
	}
	return stats
}

// Metrics returns the live metrics collector.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}
