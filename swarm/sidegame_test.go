package swarm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeClueSource struct {
	clue map[string]interface{}
	err  error
}

func (f *fakeClueSource) CurrentClue(context.Context) (map[string]interface{}, error) {
	return f.clue, f.err
}

type fakeBookmaker struct {
	balance    int64
	balanceErr error
	bets       []betCall
	claims     []int64
	claimErr   error
}

type betCall struct {
	gameID    int64
	clueID    int
	choiceIdx int
	bet       int64
}

func (f *fakeBookmaker) BetTokenBalance(context.Context, string) (int64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeBookmaker) GuessAnswer(_ context.Context, gameID int64, _ string, clueID, choiceIdx int, bet int64) error {
	f.bets = append(f.bets, betCall{gameID, clueID, choiceIdx, bet})
	return nil
}

func (f *fakeBookmaker) ClaimReward(_ context.Context, gameID int64, _ string) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claims = append(f.claims, gameID)
	return nil
}

func liveClue(game, clue, remaining int) map[string]interface{} {
	// Shapes like decoded JSON: numbers are float64.
	return map[string]interface{}{
		"game_idx":         float64(game),
		"clue_idx":         float64(clue),
		"question":         "who?",
		"choices":          []interface{}{"a", "b", "c"},
		"rounds_remaining": float64(remaining),
	}
}

func chooseFirst(_ context.Context, _ string, _ []string) (int, error) { return 0, nil }

func TestSideGameBetsBalanceShare(t *testing.T) {
	clues := &fakeClueSource{clue: liveClue(7, 2, 4)}
	book := &fakeBookmaker{balance: 100}
	g := NewSideGame(clues, book, chooseFirst, "peer-a")

	g.PlayRound(context.Background())

	require.Equal(t, []betCall{{gameID: 7, clueID: 2, choiceIdx: 0, bet: 25}}, book.bets)
	require.Empty(t, book.claims)
}

func TestSideGameSkipsRepeatedClue(t *testing.T) {
	clues := &fakeClueSource{clue: liveClue(7, 2, 4)}
	book := &fakeBookmaker{balance: 100}
	g := NewSideGame(clues, book, chooseFirst, "peer-a")

	g.PlayRound(context.Background())
	g.PlayRound(context.Background())
	require.Len(t, book.bets, 1)

	// A new clue in the same game is played.
	clues.clue = liveClue(7, 3, 3)
	g.PlayRound(context.Background())
	require.Len(t, book.bets, 2)
}

func TestSideGameClaimsWhenGameChanges(t *testing.T) {
	clues := &fakeClueSource{clue: liveClue(7, 2, 1)}
	book := &fakeBookmaker{balance: 100}
	g := NewSideGame(clues, book, chooseFirst, "peer-a")

	g.PlayRound(context.Background())
	clues.clue = liveClue(8, 0, 5)
	g.PlayRound(context.Background())

	require.Equal(t, []int64{7}, book.claims)
	require.Len(t, book.bets, 2)
}

func TestSideGameClaimsAfterGameEnds(t *testing.T) {
	clues := &fakeClueSource{clue: liveClue(7, 2, 1)}
	book := &fakeBookmaker{balance: 100}
	g := NewSideGame(clues, book, chooseFirst, "peer-a")

	g.PlayRound(context.Background())
	clues.clue = map[string]interface{}{"game_idx": float64(-1)}
	g.PlayRound(context.Background())

	require.Equal(t, []int64{7}, book.claims)

	// Claimed once; a later idle cycle does not claim again.
	g.PlayRound(context.Background())
	require.Len(t, book.claims, 1)
}

func TestSideGameFailedClaimRetries(t *testing.T) {
	clues := &fakeClueSource{clue: liveClue(7, 2, 1)}
	book := &fakeBookmaker{balance: 100}
	g := NewSideGame(clues, book, chooseFirst, "peer-a")

	g.PlayRound(context.Background())
	book.claimErr = errors.New("proxy down")
	clues.clue = map[string]interface{}{}
	g.PlayRound(context.Background())
	require.Empty(t, book.claims)

	book.claimErr = nil
	g.PlayRound(context.Background())
	require.Equal(t, []int64{7}, book.claims)
}

func TestSideGameZeroBalanceDoesNotBet(t *testing.T) {
	clues := &fakeClueSource{clue: liveClue(7, 2, 4)}
	book := &fakeBookmaker{balance: 0}
	g := NewSideGame(clues, book, chooseFirst, "peer-a")

	g.PlayRound(context.Background())
	require.Empty(t, book.bets)

	// The clue was not marked played, so the next cycle retries it.
	book.balance = 40
	g.PlayRound(context.Background())
	require.Equal(t, []betCall{{gameID: 7, clueID: 2, choiceIdx: 0, bet: 10}}, book.bets)
}

func TestSideGameOracleFailureIsSoft(t *testing.T) {
	clues := &fakeClueSource{err: errors.New("judge unreachable")}
	book := &fakeBookmaker{balance: 100}
	g := NewSideGame(clues, book, chooseFirst, "peer-a")

	g.PlayRound(context.Background())
	require.Empty(t, book.bets)
	require.Empty(t, book.claims)
}
