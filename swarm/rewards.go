package swarm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/xtruong1909/rl-swarm/chain"
	"github.com/xtruong1909/rl-swarm/storage"
)

// Submitter is the write side of the ledger used by the submission
// controller. Satisfied by chain.Coordinator.
type Submitter interface {
	SubmitReward(ctx context.Context, round, stage, reward int64, peerID string) error
	SubmitWinners(ctx context.Context, round int64, winners []string, peerID string) error
}

// SubmissionLog records which rounds this peer has already submitted for.
// Satisfied by storage.Store; it must be durable so a restart does not
// double-submit.
type SubmissionLog interface {
	WasSubmitted(round int64) (bool, error)
	MarkSubmitted(rec storage.SubmissionRecord) error
}

// SubmissionController accumulates a reward signal during a round and
// submits it to the ledger at most once per round. The accumulator and
// the per-round submitted flag are owned by the peer's main loop; nothing
// else reads or writes them.
type SubmissionController struct {
	submitter Submitter
	slog      SubmissionLog
	peerID    string
	now       func() time.Time

	mu          sync.Mutex
	accumulated float64
	// signals holds the latest observed reward signal per peer, including
	// our own, and drives the winner designation.
	signals map[string]float64
}

// NewSubmissionController creates a controller for one peer.
func NewSubmissionController(submitter Submitter, slog SubmissionLog, peerID string) *SubmissionController {
	return &SubmissionController{
		submitter: submitter,
		slog:      slog,
		peerID:    peerID,
		now:       time.Now,
		signals:   make(map[string]float64),
	}
}

// Accumulate adds one unit of local work's reward signal to the current
// round's total.
func (c *SubmissionController) Accumulate(signal float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulated += signal
	c.signals[c.peerID] = c.accumulated
}

// Observe records another peer's reward signal for the winner vote.
func (c *SubmissionController) Observe(peerID string, signal float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if peerID == c.peerID {
		return
	}
	c.signals[peerID] = signal
}

// Accumulated returns the current round's total so far.
func (c *SubmissionController) Accumulated() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accumulated
}

// MaybeSubmit posts the accumulated reward and a winner designation for
// round, unless a submission for that round has already succeeded. It
// returns true only when this call performed the submission.
//
// On failure the accumulator is left untouched and the round stays
// unmarked, so a later call retries. A contract-side duplicate rejection
// counts as success; the ledger already has the data.
func (c *SubmissionController) MaybeSubmit(ctx context.Context, round, stage int64) bool {
	submitted, err := c.slog.WasSubmitted(round)
	if err != nil {
		log.Errorw("Could not read submission log", "round", round, "error", err)
		return false
	}
	if submitted {
		return false
	}

	c.mu.Lock()
	reward := c.accumulated
	winner := c.winnerLocked()
	c.mu.Unlock()

	if err := c.submitter.SubmitReward(ctx, round, stage, int64(reward), c.peerID); err != nil {
		if !isConflict(err) {
			log.Errorw("Failed to submit reward", "round", round, "stage", stage, "error", err)
			return false
		}
		log.Infow("Reward already recorded for round", "round", round)
	}

	if err := c.submitter.SubmitWinners(ctx, round, []string{winner}, c.peerID); err != nil {
		if !isConflict(err) {
			log.Errorw("Failed to submit winner", "round", round, "winner", winner, "error", err)
			return false
		}
		log.Infow("Winner already recorded for round", "round", round)
	}

	if err := c.slog.MarkSubmitted(storage.SubmissionRecord{
		Round:       round,
		Stage:       stage,
		Reward:      int64(reward),
		Winner:      winner,
		SubmittedAt: c.now(),
	}); err != nil {
		// The ledger accepted the submission. Losing the local mark risks
		// a duplicate attempt after restart, which the contract rejects,
		// so log and carry on.
		log.Errorw("Could not record submission locally", "round", round, "error", err)
	}

	c.mu.Lock()
	c.accumulated = 0
	c.signals = map[string]float64{c.peerID: 0}
	c.mu.Unlock()

	log.Infow("Submitted reward and winner", "round", round, "stage", stage,
		"reward", reward, "winner", winner)
	return true
}

// winnerLocked designates the peer with the highest observed signal,
// falling back to ourselves when nothing else was observed. Ties go to
// the lexicographically smallest peer id so every honest peer votes the
// same way.
func (c *SubmissionController) winnerLocked() string {
	winner := c.peerID
	best := c.signals[c.peerID]
	for peerID, signal := range c.signals {
		if signal > best || (signal == best && peerID < winner) {
			winner = peerID
			best = signal
		}
	}
	return winner
}

// isConflict reports whether the contract rejected the call as a
// duplicate of something it already holds.
func isConflict(err error) bool {
	var apiErr *chain.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest
}
