package swarm

import (
	"context"
	"fmt"
)

// ClueSource hands out the live clue for the active prediction game.
// Satisfied by chain.JudgeClient.
type ClueSource interface {
	CurrentClue(ctx context.Context) (map[string]interface{}, error)
}

// Bookmaker takes bets and pays out winnings for the prediction game.
// Satisfied by chain.PRGClient.
type Bookmaker interface {
	BetTokenBalance(ctx context.Context, peerID string) (int64, error)
	GuessAnswer(ctx context.Context, gameID int64, peerID string, clueID, choiceIdx int, bet int64) error
	ClaimReward(ctx context.Context, gameID int64, peerID string) error
}

// ChooseFunc picks one of the clue's choices. The model-backed chooser
// lives with the trainer; anything from logits to a coin flip plugs in
// here.
type ChooseFunc func(ctx context.Context, question string, choices []string) (int, error)

// SideGame plays the prediction side-game between training rounds: fetch
// the live clue, bet a share of the token balance on a choice, and claim
// winnings once the game moves on. Every failure is soft; the game never
// disturbs the training schedule.
type SideGame struct {
	clues  ClueSource
	book   Bookmaker
	choose ChooseFunc
	peerID string

	// played maps game id to the last clue index bet on, so the same clue
	// is never bet twice.
	played      map[int64]int
	lastPlayed  int64
	lastClaimed int64
}

// NewSideGame wires a prediction game player for one peer.
func NewSideGame(clues ClueSource, book Bookmaker, choose ChooseFunc, peerID string) *SideGame {
	return &SideGame{
		clues:  clues,
		book:   book,
		choose: choose,
		peerID: peerID,
		played: make(map[int64]int),
	}
}

type clueInfo struct {
	gameID          int64
	clueID          int
	question        string
	choices         []string
	roundsRemaining int
}

// PlayRound runs one turn of the side-game. It is called by the peer loop
// after each round advance.
func (g *SideGame) PlayRound(ctx context.Context) {
	raw, err := g.clues.CurrentClue(ctx)
	if err != nil {
		log.Debugw("Could not fetch current clue", "error", err)
		return
	}

	clue, active := parseClue(raw)
	if !active {
		// The game ended. Claim any winnings still outstanding.
		g.claimOutstanding(ctx)
		return
	}
	if prev, ok := g.played[clue.gameID]; ok && prev == clue.clueID {
		return
	}

	choiceIdx, err := g.choose(ctx, clue.question, clue.choices)
	if err != nil || choiceIdx < 0 || choiceIdx >= len(clue.choices) {
		log.Debugw("No choice made for clue", "game", clue.gameID, "clue", clue.clueID, "error", err)
		return
	}

	if err := g.placeBet(ctx, clue, choiceIdx); err != nil {
		log.Debugw("Could not place bet", "game", clue.gameID, "error", err)
		return
	}
	g.played[clue.gameID] = clue.clueID

	// A new game means the previous one finished; claim its winnings.
	if g.lastPlayed != 0 && clue.gameID != g.lastPlayed {
		g.claimOutstanding(ctx)
	}
	g.lastPlayed = clue.gameID
}

// placeBet spreads the remaining token balance evenly over the game's
// remaining rounds.
func (g *SideGame) placeBet(ctx context.Context, clue *clueInfo, choiceIdx int) error {
	balance, err := g.book.BetTokenBalance(ctx, g.peerID)
	if err != nil {
		return err
	}

	rounds := clue.roundsRemaining
	if rounds < 1 {
		rounds = 1
	}
	bet := balance / int64(rounds)
	if bet <= 0 {
		return fmt.Errorf("no tokens left to bet")
	}

	if err := g.book.GuessAnswer(ctx, clue.gameID, g.peerID, clue.clueID, choiceIdx, bet); err != nil {
		return err
	}
	log.Infow("Placed side-game bet", "game", clue.gameID, "clue", clue.clueID,
		"choice", clue.choices[choiceIdx], "bet", bet)
	return nil
}

func (g *SideGame) claimOutstanding(ctx context.Context) {
	if g.lastPlayed == 0 || g.lastPlayed == g.lastClaimed {
		return
	}
	if err := g.book.ClaimReward(ctx, g.lastPlayed, g.peerID); err != nil {
		log.Debugw("Could not claim side-game reward", "game", g.lastPlayed, "error", err)
		return
	}
	log.Infow("Claimed side-game reward", "game", g.lastPlayed)
	g.lastClaimed = g.lastPlayed
}

// parseClue pulls the fields out of the judge's loosely typed clue
// response. A missing or negative game id means no game is running.
func parseClue(raw map[string]interface{}) (*clueInfo, bool) {
	gameID, ok := asInt(raw["game_idx"])
	if !ok || gameID < 0 {
		return nil, false
	}
	clueID, ok := asInt(raw["clue_idx"])
	if !ok {
		return nil, false
	}

	clue := &clueInfo{gameID: gameID, clueID: int(clueID)}
	if q, ok := raw["question"].(string); ok {
		clue.question = q
	}
	if rr, ok := asInt(raw["rounds_remaining"]); ok {
		clue.roundsRemaining = int(rr)
	}
	if rawChoices, ok := raw["choices"].([]interface{}); ok {
		for _, c := range rawChoices {
			if s, ok := c.(string); ok {
				clue.choices = append(clue.choices, s)
			}
		}
	}
	if len(clue.choices) == 0 {
		return nil, false
	}
	return clue, true
}

// asInt accepts the number encodings a decoded JSON clue may carry.
func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
