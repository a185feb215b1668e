// Package chain talks to the swarm coordinator contract through the
// org-authenticated HTTP proxy. The proxy is the only write path to the
// ledger; peers never sign transactions locally.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("chain")

// ErrUnavailable wraps transport-level failures reaching the coordinator
// proxy. Callers must treat it as "state unknown", never as "unchanged".
var ErrUnavailable = errors.New("chain: coordinator unavailable")

// Error names returned by the contract through the proxy.
const (
	errPeerAlreadyRegistered = "PeerIdAlreadyRegistered"
)

// APIError is a non-2xx response from the coordinator proxy.
type APIError struct {
	Endpoint   string
	StatusCode int
	Name       string // contract error name, when the body carried one
}

func (e *APIError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("chain: %s returned %d (%s)", e.Endpoint, e.StatusCode, e.Name)
	}
	return fmt.Sprintf("chain: %s returned %d", e.Endpoint, e.StatusCode)
}

// Coordinator exposes the round/stage oracle and the submission calls the
// swarm contract accepts.
type Coordinator interface {
	// GetRoundAndStage queries the ledger's current (round, stage). There
	// is no caching and no retry; retry policy belongs to callers.
	GetRoundAndStage(ctx context.Context) (round, stage int64, err error)

	// SubmitReward posts an accumulated reward total for a round.
	SubmitReward(ctx context.Context, round, stage, reward int64, peerID string) error

	// SubmitWinners posts this peer's winner designation for a round.
	SubmitWinners(ctx context.Context, round int64, winners []string, peerID string) error

	// RegisterPeer registers the peer with the contract. A peer that is
	// already registered is success, not failure.
	RegisterPeer(ctx context.Context, peerID string) error

	// Bootnodes returns the multiaddrs of the swarm's bootstrap peers.
	Bootnodes(ctx context.Context) ([]string, error)
}

// ModalCoordinator reaches the contract through the modal proxy service.
type ModalCoordinator struct {
	baseURL    string
	orgID      string
	httpClient *http.Client
}

// NewModalCoordinator creates a coordinator client for the given proxy.
func NewModalCoordinator(proxyURL, orgID string, timeout time.Duration) *ModalCoordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ModalCoordinator{
		baseURL: strings.TrimRight(proxyURL, "/"),
		orgID:   orgID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// call posts a JSON body to a proxy endpoint and decodes the response into
// out (which may be nil for calls with no interesting response body).
func (c *ModalCoordinator) call(ctx context.Context, endpoint string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chain: failed to encode %s request: %w", endpoint, err)
	}

	url := fmt.Sprintf("%s/api/%s", c.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("chain: failed to build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.orgID != "" {
		req.Header.Set("X-Org-Id", c.orgID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode}
		var errBody struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil {
			apiErr.Name = errBody.Error
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("chain: failed to decode %s response: %w", endpoint, err)
		}
	}
	return nil
}

func (c *ModalCoordinator) GetRoundAndStage(ctx context.Context) (int64, int64, error) {
	var resp struct {
		Round int64 `json:"roundNumber"`
		Stage int64 `json:"stageNumber"`
	}
	if err := c.call(ctx, "get-round-and-stage", struct{}{}, &resp); err != nil {
		return 0, 0, err
	}
	return resp.Round, resp.Stage, nil
}

func (c *ModalCoordinator) SubmitReward(ctx context.Context, round, stage, reward int64, peerID string) error {
	body := map[string]interface{}{
		"roundNumber": round,
		"stageNumber": stage,
		"reward":      reward,
		"peerId":      peerID,
	}
	return c.call(ctx, "submit-reward", body, nil)
}

func (c *ModalCoordinator) SubmitWinners(ctx context.Context, round int64, winners []string, peerID string) error {
	body := map[string]interface{}{
		"roundNumber": round,
		"winners":     winners,
		"peerId":      peerID,
	}
	return c.call(ctx, "submit-winner", body, nil)
}

func (c *ModalCoordinator) RegisterPeer(ctx context.Context, peerID string) error {
	err := c.call(ctx, "register-peer", map[string]string{"peerId": peerID}, nil)
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
		if apiErr.Name == errPeerAlreadyRegistered {
			log.Infof("Peer ID [%s] is already registered! Continuing.", peerID)
			return nil
		}
		log.Infof("Registering peer failed with: %s", apiErr.Name)
	}
	return err
}

func (c *ModalCoordinator) Bootnodes(ctx context.Context) ([]string, error) {
	var resp struct {
		Bootnodes []string `json:"bootnodes"`
	}
	if err := c.call(ctx, "get-bootnodes", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Bootnodes, nil
}

var _ Coordinator = (*ModalCoordinator)(nil)
