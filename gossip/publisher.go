// Package gossip watches the swarm's shared store, decodes whatever peers
// wrote for the current round, and republishes a bounded, randomly sampled
// digest to an external sink. It runs independently of the training loop
// on its own fixed timer and keeps its own round cursor; the only thing
// the two contexts share is the oracle.
package gossip

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/xtruong1909/rl-swarm/codec"
	"github.com/xtruong1909/rl-swarm/names"
)

var log = logging.Logger("gossip")

// DefaultMaxPerBatch bounds one published batch. The round record grows
// with peer count and payload count; capping keeps downstream volume
// bounded, and shuffling first avoids biasing toward any one peer's
// ordering.
const DefaultMaxPerBatch = 200

// DefaultPollInterval is how often the publisher polls, fixed rather than
// adaptive.
const DefaultPollInterval = 150 * time.Second

// Oracle is the ledger round/stage query the publisher polls.
type Oracle interface {
	GetRoundAndStage(ctx context.Context) (round, stage int64, err error)
}

// RoundStore is the read side of the shared store: every peer's raw
// payload bytes for a round. Implemented by the p2p manager.
type RoundStore interface {
	GetRoundRecord(round int64) (map[string][]byte, error)
}

// Publisher polls the oracle and the round store and publishes sampled
// gossip batches to the sink.
type Publisher struct {
	oracle Oracle
	store  RoundStore
	sink   Sink

	pollInterval time.Duration
	maxPerBatch  int
	rng          *rand.Rand
	now          func() time.Time

	// OnPublish, when set before Start, observes every published batch
	// (used by the API server's live feed). Called on the poll goroutine.
	OnPublish func(*Message)

	mu           sync.Mutex
	currentRound int64
	currentStage int64
	lastPolled   time.Time
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithPollInterval overrides the fixed polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Publisher) { p.pollInterval = d }
}

// WithMaxPerBatch overrides the batch cap.
func WithMaxPerBatch(n int) Option {
	return func(p *Publisher) { p.maxPerBatch = n }
}

// WithRandSource injects a deterministic sampling source for tests.
func WithRandSource(src rand.Source) Option {
	return func(p *Publisher) { p.rng = rand.New(src) }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// NewPublisher creates a gossip publisher.
func NewPublisher(oracle Oracle, store RoundStore, sink Sink, opts ...Option) *Publisher {
	p := &Publisher{
		oracle:       oracle,
		store:        store,
		sink:         sink,
		pollInterval: DefaultPollInterval,
		maxPerBatch:  DefaultMaxPerBatch,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		now:          time.Now,
		currentRound: -1,
		currentStage: -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	log.Info("Gossip publisher initialized")
	return p
}

// Start launches the polling loop.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		log.Warn("Gossip publisher is already running")
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.running = true
	go p.pollLoop(p.stopCh, p.doneCh)
	log.Info("Gossip publisher started")
}

// Stop signals the loop to exit and waits (bounded) for it to finish, so
// no partial publish is left in flight.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		log.Warn("Gossip publisher is not running")
		return
	}
	p.running = false
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		log.Warn("Timed out waiting for gossip publisher to stop")
	}
	log.Info("Gossip publisher stopped")
}

// LastPolled returns when the oracle was last successfully polled; zero if
// never.
func (p *Publisher) LastPolled() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPolled
}

// Cursor returns the publisher's current (round, stage) view.
func (p *Publisher) Cursor() (int64, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentRound, p.currentStage
}

func (p *Publisher) pollLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	// First poll immediately rather than one interval in.
	p.pollOnce(context.Background())
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.pollOnce(context.Background())
		}
	}
}

// pollOnce performs a single cycle: oracle query, round record fetch,
// decode, sample, publish. Every failure mode is logged and skipped; the
// loop never dies.
func (p *Publisher) pollOnce(ctx context.Context) {
	pollID := p.newPollID()

	round, stage, err := p.oracle.GetRoundAndStage(ctx)
	if err != nil {
		log.Errorw("Error polling for round/stage in gossip", "error", err, "poll_id", pollID)
		return
	}

	p.mu.Lock()
	prevRound, prevStage := p.currentRound, p.currentStage
	p.currentRound, p.currentStage = round, stage
	p.lastPolled = p.now()
	p.mu.Unlock()

	log.Infow("Polled for round/stage", "round", round, "stage", stage, "poll_id", pollID)
	if round != prevRound || stage != prevStage {
		// Any change, in either direction, is a refresh trigger; the
		// pipeline observes the cursor, it does not enforce monotonicity.
		log.Infow("Round/stage changed",
			"old_round", prevRound, "old_stage", prevStage,
			"new_round", round, "new_stage", stage, "poll_id", pollID)
	}

	record, err := p.store.GetRoundRecord(round)
	if err != nil {
		log.Errorw("Error fetching round record", "round", round, "error", err, "poll_id", pollID)
		return
	}
	if len(record) == 0 {
		log.Infow("No gossip found for round", "round", round, "poll_id", pollID)
		return
	}

	batch := p.collectGossip(round, record, pollID)
	log.Infow("Got gossip messages", "message_count", len(batch), "poll_id", pollID)

	// Shuffle so no single peer's ordering dominates, then cap.
	p.rng.Shuffle(len(batch), func(i, j int) {
		batch[i], batch[j] = batch[j], batch[i]
	})
	if len(batch) > p.maxPerBatch {
		batch = batch[:p.maxPerBatch]
	}

	p.publish(ctx, batch, pollID)
}

// collectGossip decodes every peer's entry in the round record and derives
// one gossip entry per payload. Malformed entries are skipped, never fatal
// to the batch.
func (p *Publisher) collectGossip(round int64, record map[string][]byte, pollID string) []MessageData {
	var batch []MessageData

	for peerID, raw := range record {
		value, err := codec.Decode(raw)
		if err != nil {
			log.Warnw("Skipping undecodable round entry",
				"peer_id", peerID, "round", round, "error", err, "poll_id", pollID)
			continue
		}

		for _, payload := range flattenPayloads(value) {
			batch = append(batch, p.gossipFromPayload(round, peerID, payload))
		}
	}
	return batch
}

// flattenPayloads extracts every Payload from a decoded round entry. Peers
// write a mapping of batch identifier to payload list; anything else that
// still contains payloads is accepted leniently.
func flattenPayloads(v codec.Value) []codec.Payload {
	switch val := v.(type) {
	case codec.Payload:
		return []codec.Payload{val}
	case codec.List:
		var out []codec.Payload
		for _, item := range val {
			out = append(out, flattenPayloads(item)...)
		}
		return out
	case codec.Map:
		var out []codec.Payload
		for _, pair := range val {
			out = append(out, flattenPayloads(pair.Value)...)
		}
		return out
	}
	return nil
}

// gossipFromPayload derives the published tuple for one payload: a stable
// id, a "question...action" display message and the source dataset when
// the payload carries one.
func (p *Publisher) gossipFromPayload(round int64, peerID string, payload codec.Payload) MessageData {
	question := ""
	dataset := ""
	if ws, ok := payload.WorldState.(codec.WorldState); ok {
		if env, ok := ws.EnvironmentStates.(codec.Map); ok {
			if q, ok := env.GetString("question"); ok {
				if s, ok := q.(codec.String); ok {
					question = string(s)
				}
			}
			if meta, ok := env.GetString("metadata"); ok {
				if metaMap, ok := meta.(codec.Map); ok {
					if ds, ok := metaMap.GetString("source_dataset"); ok {
						if s, ok := ds.(codec.String); ok {
							dataset = string(s)
						}
					}
				}
			}
		}
	}

	// One action chosen uniformly at random; empty when the payload has
	// none.
	action := ""
	if actions, ok := payload.Actions.(codec.List); ok && len(actions) > 0 {
		if s, ok := actions[p.rng.Intn(len(actions))].(codec.String); ok {
			action = string(s)
		}
	}

	sum := md5.Sum([]byte(fmt.Sprintf("%s-%s-%d-%s-%s", question, peerID, round, action, dataset)))

	return MessageData{
		ID:        hex.EncodeToString(sum[:]),
		PeerID:    peerID,
		PeerName:  names.FromPeerID(peerID),
		Message:   fmt.Sprintf("%s...%s", question, action),
		Timestamp: p.now().UTC(),
		Dataset:   dataset,
	}
}

// publish sends one batch to the sink. An empty batch is a no-op, not an
// error.
func (p *Publisher) publish(ctx context.Context, batch []MessageData, pollID string) {
	if len(batch) == 0 {
		log.Infow("No gossip data to publish", "poll_id", pollID)
		return
	}

	log.Infow("Publishing gossip messages", "num_messages", len(batch), "poll_id", pollID)
	msg := &Message{Type: "gossip", Data: batch}
	if err := p.sink.PutGossip(ctx, msg); err != nil {
		log.Errorw("Error publishing gossip", "error", err, "poll_id", pollID)
		return
	}

	if p.OnPublish != nil {
		p.OnPublish(msg)
	}
	log.Infow("Successfully published gossip", "poll_id", pollID)
}

// newPollID tags one cycle's log lines so the two concurrent polling
// contexts can be correlated. Only ever called from the poll goroutine.
func (p *Publisher) newPollID() string {
	var b [8]byte
	p.rng.Read(b[:])
	return hex.EncodeToString(b[:])
}
