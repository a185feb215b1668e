package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xtruong1909/rl-swarm/codec"
)

// keepRounds is how many finished rounds of peer payloads stay cached
// locally before pruning.
const keepRounds = 4

// PayloadStore is the write side of the shared swarm store. Satisfied by
// the p2p manager.
type PayloadStore interface {
	PublishPayloads(ctx context.Context, round int64, payloads []byte) error
}

// Pruner drops cached rounds older than keepFrom. Satisfied by
// storage.Store.
type Pruner interface {
	PruneRounds(keepFrom int64) error
}

// Registrar registers this peer with the swarm contract. Satisfied by
// chain.Coordinator.
type Registrar interface {
	RegisterPeer(ctx context.Context, peerID string) error
}

// WorkResult is what one round of local work produced: the payloads to
// share with the swarm and the reward signal they earned.
type WorkResult struct {
	Payloads codec.Value
	Signal   float64
}

// WorkFunc performs one round of local work. The training loop itself
// lives outside this module; peers plug it in here.
type WorkFunc func(ctx context.Context, round, stage int64) (WorkResult, error)

// ManagerConfig tunes the peer's main loop.
type ManagerConfig struct {
	PeerID  string
	Barrier BarrierConfig
}

// Manager drives a peer through the swarm schedule: do local work, share
// the payloads, accumulate and submit the reward, then block on the
// barrier until the swarm moves to the next round.
type Manager struct {
	cfg       ManagerConfig
	oracle    Oracle
	registrar Registrar
	barrier   *Barrier
	submitter *SubmissionController
	store     PayloadStore
	pruner    Pruner
	work      WorkFunc
	sideGame  *SideGame

	mu      sync.Mutex
	round   int64
	stage   int64
	rounds  int64
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	lastErr error
}

// NewManager wires a peer main loop. pruner may be nil.
func NewManager(cfg ManagerConfig, oracle Oracle, registrar Registrar, barrier *Barrier,
	submitter *SubmissionController, store PayloadStore, pruner Pruner, work WorkFunc) *Manager {
	return &Manager{
		cfg:       cfg,
		oracle:    oracle,
		registrar: registrar,
		barrier:   barrier,
		submitter: submitter,
		store:     store,
		pruner:    pruner,
		work:      work,
		round:     -1,
		stage:     -1,
	}
}

// Run executes the peer loop until the swarm finishes, the barrier times
// out, or ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.register(ctx); err != nil {
		return err
	}
	if err := m.fetchInitialRound(ctx); err != nil {
		return err
	}

	for {
		m.mu.Lock()
		round, stage := m.round, m.stage
		m.mu.Unlock()

		if err := m.runRound(ctx, round, stage); err != nil {
			return err
		}

		res, err := m.barrier.Wait(ctx, round)
		if err != nil {
			return err
		}
		if res.State == BarrierTimedOut {
			log.Warnw("Round never advanced within the training timeout", "round", round)
			return nil
		}
		if res.Final {
			log.Infow("Swarm finished its final round", "round", res.Round)
			return nil
		}

		m.mu.Lock()
		m.round, m.stage = res.Round, res.Stage
		m.rounds++
		m.mu.Unlock()

		if m.sideGame != nil {
			m.sideGame.PlayRound(ctx)
		}
	}
}

// AttachSideGame enables the prediction side-game, played after each
// round advance. Call before Start.
func (m *Manager) AttachSideGame(g *SideGame) {
	m.sideGame = g
}

// runRound performs one round's local work and reporting. Work and
// publish failures are logged, not fatal; the peer stays in the swarm and
// tries again next round.
func (m *Manager) runRound(ctx context.Context, round, stage int64) error {
	log.Infow("Starting round", "round", round, "stage", stage)

	result, err := m.work(ctx, round, stage)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Errorw("Local work failed for round", "round", round, "error", err)
	} else {
		if result.Payloads != nil {
			raw, err := codec.Encode(result.Payloads)
			if err != nil {
				log.Errorw("Could not encode round payloads", "round", round, "error", err)
			} else if err := m.store.PublishPayloads(ctx, round, raw); err != nil {
				log.Errorw("Could not publish round payloads", "round", round, "error", err)
			}
		}
		m.submitter.Accumulate(result.Signal)
	}

	m.submitter.MaybeSubmit(ctx, round, stage)

	if m.pruner != nil && round >= keepRounds {
		if err := m.pruner.PruneRounds(round - keepRounds + 1); err != nil {
			log.Warnw("Could not prune cached rounds", "round", round, "error", err)
		}
	}
	return nil
}

// register announces this peer to the contract, retrying on transport
// failure. Registration is idempotent on the contract side.
func (m *Manager) register(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := m.registrar.RegisterPeer(ctx, m.cfg.PeerID)
		if err == nil {
			log.Infow("Peer registered with swarm", "peer_id", m.cfg.PeerID)
			return nil
		}
		if attempt >= 5 {
			return fmt.Errorf("registering peer %s: %w", m.cfg.PeerID, err)
		}
		log.Warnw("Peer registration failed, retrying",
			"attempt", attempt, "error", err)
		if err := sleepCtx(ctx, m.cfg.Barrier.CheckInterval); err != nil {
			return err
		}
	}
}

// fetchInitialRound polls the oracle until it answers, then adopts the
// swarm's current position as this peer's starting round.
func (m *Manager) fetchInitialRound(ctx context.Context) error {
	for {
		round, stage, err := m.oracle.GetRoundAndStage(ctx)
		if err == nil {
			m.mu.Lock()
			m.round, m.stage = round, stage
			m.mu.Unlock()
			log.Infow("Joined swarm", "round", round, "stage", stage)
			return nil
		}
		log.Warnw("Could not fetch initial round, retrying", "error", err)
		if err := sleepCtx(ctx, m.cfg.Barrier.CheckInterval); err != nil {
			return err
		}
	}
}

// Start launches Run on its own goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		log.Warn("Swarm manager is already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.doneCh = make(chan struct{})
	m.running = true

	go func(done chan struct{}) {
		err := m.Run(ctx)
		m.mu.Lock()
		m.running = false
		m.lastErr = err
		m.mu.Unlock()
		close(done)
	}(m.doneCh)
	log.Info("Swarm manager started")
}

// Stop cancels the loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	cancel, doneCh := m.cancel, m.doneCh
	m.mu.Unlock()

	cancel()
	select {
	case <-doneCh:
	case <-time.After(10 * time.Second):
		log.Warn("Timed out waiting for swarm manager to stop")
	}
	log.Info("Swarm manager stopped")
}

// Err returns the error the loop exited with, if it has exited.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Status reports the peer's position in the swarm schedule.
func (m *Manager) Status() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"peer_id":         m.cfg.PeerID,
		"round":           m.round,
		"stage":           m.stage,
		"rounds_complete": m.rounds,
		"running":         m.running,
		"accumulated":     m.submitter.Accumulated(),
	}
}
