package swarm

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("swarm")

// Barrier defaults, matching the swarm-wide polling schedule.
const (
	DefaultCheckInterval    = 5 * time.Second
	DefaultLogTimeout       = 10 * time.Second
	DefaultMaxCheckInterval = 15 * time.Minute
	DefaultTrainTimeout     = 31 * 24 * time.Hour
)

// Oracle is the ledger round/stage query the barrier polls.
type Oracle interface {
	GetRoundAndStage(ctx context.Context) (round, stage int64, err error)
}

// BarrierState is the terminal state of one Wait call.
type BarrierState int

const (
	// BarrierAdvanced means the swarm moved to a new round and the peer
	// should join it.
	BarrierAdvanced BarrierState = iota
	// BarrierTimedOut means the overall training timeout elapsed without
	// the round advancing.
	BarrierTimedOut
)

func (s BarrierState) String() string {
	switch s {
	case BarrierAdvanced:
		return "advanced"
	case BarrierTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// BarrierResult is what one Wait call resolved to.
type BarrierResult struct {
	// Round is the round to join when State is BarrierAdvanced. When the
	// barrier times out it is the caller's unchanged round.
	Round int64
	Stage int64
	State BarrierState
	// Final is set when the swarm has reached its last round; the caller
	// must stop requesting further rounds.
	Final bool
}

// BarrierConfig tunes the barrier's polling schedule.
type BarrierConfig struct {
	// CheckInterval is the base polling period, also the sleep after an
	// oracle failure.
	CheckInterval time.Duration
	// LogTimeout throttles the "could not fetch" diagnostic during an
	// oracle outage to one line per window.
	LogTimeout time.Duration
	// MaxCheckInterval caps the exponential backoff applied while the
	// round has not advanced.
	MaxCheckInterval time.Duration
	// Timeout bounds one Wait call end to end.
	Timeout time.Duration
	// MaxRound marks the swarm's final round. Zero means unbounded.
	MaxRound int64
}

func (c *BarrierConfig) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.LogTimeout <= 0 {
		c.LogTimeout = DefaultLogTimeout
	}
	if c.MaxCheckInterval <= 0 {
		c.MaxCheckInterval = DefaultMaxCheckInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTrainTimeout
	}
}

// Barrier blocks a peer between rounds until the ledger reports that the
// swarm has moved past the peer's round. The ledger pushes nothing; every
// peer discovers advancement by polling, so the barrier backs off while
// the round is unchanged and returns promptly once it is not.
type Barrier struct {
	oracle Oracle
	cfg    BarrierConfig

	// keepAlive, when set, is invoked once per tick. The peer node uses
	// it to keep its p2p session warm across long waits.
	keepAlive func()

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// BarrierOption configures a Barrier.
type BarrierOption func(*Barrier)

// WithKeepAlive installs a per-tick callback.
func WithKeepAlive(fn func()) BarrierOption {
	return func(b *Barrier) { b.keepAlive = fn }
}

// WithSleep injects the sleep function, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) BarrierOption {
	return func(b *Barrier) { b.sleep = fn }
}

// WithBarrierClock injects the time source, for tests.
func WithBarrierClock(now func() time.Time) BarrierOption {
	return func(b *Barrier) { b.now = now }
}

// NewBarrier creates a round barrier over the given oracle.
func NewBarrier(oracle Oracle, cfg BarrierConfig, opts ...BarrierOption) *Barrier {
	cfg.applyDefaults()
	b := &Barrier{
		oracle: oracle,
		cfg:    cfg,
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Wait blocks until the ledger reports a round beyond rLocal, the round
// the caller just finished. It returns an error only when ctx is
// cancelled; both success and timeout are terminal states in the result,
// not errors.
//
// Oracle failures never grow the backoff; only "round not yet advanced"
// does. The backoff resets on every call, so a fresh Wait always starts
// from CheckInterval.
func (b *Barrier) Wait(ctx context.Context, rLocal int64) (BarrierResult, error) {
	start := b.now()
	lastLog := start
	backoff := b.cfg.CheckInterval

	for b.now().Sub(start) < b.cfg.Timeout {
		if err := ctx.Err(); err != nil {
			return BarrierResult{Round: rLocal}, err
		}
		if b.keepAlive != nil {
			b.keepAlive()
		}

		round, stage, err := b.oracle.GetRoundAndStage(ctx)
		if err != nil {
			// An oracle failure is "unknown", not "unchanged". Keep the
			// base interval and throttle the diagnostic.
			if b.now().Sub(lastLog) > b.cfg.LogTimeout {
				log.Debugw("Could not fetch round and stage",
					"error", err, "next_check_in", b.cfg.CheckInterval)
				lastLog = b.now()
			}
			if err := b.sleep(ctx, b.cfg.CheckInterval); err != nil {
				return BarrierResult{Round: rLocal}, err
			}
			continue
		}

		if round > rLocal {
			log.Infow("Joining round", "round", round, "stage", stage)
			return BarrierResult{
				Round: round,
				Stage: stage,
				State: BarrierAdvanced,
				Final: b.finalRound(round),
			}, nil
		}

		if b.finalRound(round) {
			log.Infow("Swarm reached final round", "round", round)
			return BarrierResult{Round: rLocal, State: BarrierAdvanced, Final: true}, nil
		}

		log.Infow("Already finished round", "round", round, "next_check_in", backoff)
		if err := b.sleep(ctx, backoff); err != nil {
			return BarrierResult{Round: rLocal}, err
		}
		backoff *= 2
		if backoff > b.cfg.MaxCheckInterval {
			backoff = b.cfg.MaxCheckInterval
		}
	}

	log.Info("Training timed out waiting for round to advance")
	return BarrierResult{Round: rLocal, State: BarrierTimedOut}, nil
}

func (b *Barrier) finalRound(round int64) bool {
	return b.cfg.MaxRound > 0 && round == b.cfg.MaxRound-1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
