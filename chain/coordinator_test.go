package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, handler http.HandlerFunc) *ModalCoordinator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewModalCoordinator(srv.URL, "test-org", 5*time.Second)
}

func TestGetRoundAndStage(t *testing.T) {
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/get-round-and-stage", r.URL.Path)
		require.Equal(t, "test-org", r.Header.Get("X-Org-Id"))
		json.NewEncoder(w).Encode(map[string]int64{"roundNumber": 7, "stageNumber": 2})
	})

	round, stage, err := c.GetRoundAndStage(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), round)
	require.Equal(t, int64(2), stage)
}

func TestGetRoundAndStageUnavailable(t *testing.T) {
	c := NewModalCoordinator("http://127.0.0.1:1", "", time.Second)

	_, _, err := c.GetRoundAndStage(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSubmitReward(t *testing.T) {
	var got map[string]interface{}
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/submit-reward", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	err := c.SubmitReward(context.Background(), 3, 0, 12, "QmPeer")
	require.NoError(t, err)
	require.Equal(t, float64(3), got["roundNumber"])
	require.Equal(t, float64(12), got["reward"])
	require.Equal(t, "QmPeer", got["peerId"])
}

func TestSubmitWinners(t *testing.T) {
	var got map[string]interface{}
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/submit-winner", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	err := c.SubmitWinners(context.Background(), 3, []string{"QmWinner"}, "QmPeer")
	require.NoError(t, err)
	require.Equal(t, []interface{}{"QmWinner"}, got["winners"])
}

func TestRegisterPeerAlreadyRegisteredIsSuccess(t *testing.T) {
	calls := 0
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "PeerIdAlreadyRegistered"})
	})

	require.NoError(t, c.RegisterPeer(context.Background(), "QmTestPeer"))
	require.Equal(t, 1, calls)
}

func TestRegisterPeerUnknownBadRequestFails(t *testing.T) {
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown bad request"})
	})

	err := c.RegisterPeer(context.Background(), "QmTestPeer")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "unknown bad request", apiErr.Name)
}

func TestRegisterPeerServerErrorFails(t *testing.T) {
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.RegisterPeer(context.Background(), "QmTestPeer")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestRegisterPeerUndecodableErrorBodyFails(t *testing.T) {
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("not json"))
	})

	err := c.RegisterPeer(context.Background(), "QmTestPeer")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Empty(t, apiErr.Name)
}

func TestBootnodes(t *testing.T) {
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/get-bootnodes", r.URL.Path)
		json.NewEncoder(w).Encode(map[string][]string{
			"bootnodes": {"/ip4/1.2.3.4/tcp/9000/p2p/QmBoot"},
		})
	})

	nodes, err := c.Bootnodes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"/ip4/1.2.3.4/tcp/9000/p2p/QmBoot"}, nodes)
}

func TestBetTokenBalanceServerErrorIsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	prg := NewPRGClient(srv.URL, "test-org", time.Second)
	balance, err := prg.BetTokenBalance(context.Background(), "QmPeer")
	require.NoError(t, err)
	require.Zero(t, balance)
}

func TestBetTokenBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/bet-token-balance", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]int64{"result": 1000})
	}))
	defer srv.Close()

	prg := NewPRGClient(srv.URL, "test-org", time.Second)
	balance, err := prg.BetTokenBalance(context.Background(), "QmPeer")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)
}
