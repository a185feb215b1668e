package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// PRGClient drives the prediction side-game through the same proxy. It needs
// no contract address or ABI; the proxy routes each endpoint to the right
// backend.
type PRGClient struct {
	coordinator *ModalCoordinator
}

// NewPRGClient creates a PRG game client sharing the coordinator's proxy.
func NewPRGClient(proxyURL, orgID string, timeout time.Duration) *PRGClient {
	return &PRGClient{coordinator: NewModalCoordinator(proxyURL, orgID, timeout)}
}

// BetTokenBalance returns the peer's current betting token balance. An
// internal proxy error is reported as a zero balance so the game keeps
// running; anything else propagates.
func (p *PRGClient) BetTokenBalance(ctx context.Context, peerID string) (int64, error) {
	var resp struct {
		Result int64 `json:"result"`
	}
	err := p.coordinator.call(ctx, "bet-token-balance", map[string]string{"peerId": peerID}, &resp)
	if err == nil {
		return resp.Result, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusInternalServerError {
		log.Debug("Unknown error calling bet-token-balance endpoint! Continuing.")
		return 0, nil
	}
	return 0, fmt.Errorf("chain: bet-token-balance failed: %w", err)
}

// GuessAnswer places a bet on a choice for the current clue of a game.
func (p *PRGClient) GuessAnswer(ctx context.Context, gameID int64, peerID string, clueID, choiceIdx int, bet int64) error {
	body := map[string]interface{}{
		"gameId":    gameID,
		"peerId":    peerID,
		"clueId":    clueID,
		"choiceIdx": choiceIdx,
		"bet":       bet,
	}
	return p.coordinator.call(ctx, "guess-answer", body, nil)
}

// ClaimReward claims this peer's winnings for a finished game.
func (p *PRGClient) ClaimReward(ctx context.Context, gameID int64, peerID string) error {
	body := map[string]interface{}{
		"gameId": gameID,
		"peerId": peerID,
	}
	return p.coordinator.call(ctx, "claim-reward", body, nil)
}
