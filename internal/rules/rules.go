// Package rules is the boundary to the move-legality engine. The session
// core treats it as a deterministic, side-effect-free black box: given the
// moves played so far and a candidate move, it answers accept/reject and
// returns the resulting position.
package rules

import (
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Outcome of the game after a move is applied.
type Outcome string

const (
	OutcomeOngoing Outcome = "ongoing"
	OutcomeWhite   Outcome = "white"
	OutcomeBlack   Outcome = "black"
	OutcomeDraw    Outcome = "draw"
)

// Verdict is the engine's answer for one candidate move.
type Verdict struct {
	Accepted bool
	Reason   string // set when rejected

	UCI string // normalized move when accepted
	SAN string
	FEN string // resulting position

	Outcome Outcome
	Method  string // checkmate, stalemate, draw-rule; empty while ongoing
}

// Validator validates one move against the position reached by the given
// move list. Implementations must be deterministic and stateless.
type Validator interface {
	Validate(movesUCI []string, move string) (Verdict, error)
}

// Engine is the production Validator.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Validate reconstructs the position from the start by replaying the UCI
// move list, then tries the candidate as UCI first with SAN as fallback.
func (e *Engine) Validate(movesUCI []string, move string) (Verdict, error) {
	game := reconstruct(movesUCI)
	if game == nil {
		return Verdict{Reason: "invalid move history"}, nil
	}

	raw := strings.TrimSpace(move)
	if raw == "" {
		return Verdict{Reason: "empty move"}, nil
	}
	pos := game.Position()

	if mv, err := (nchess.UCINotation{}).Decode(pos, strings.ToLower(raw)); err == nil {
		if err := game.Move(mv, nil); err != nil {
			return Verdict{Reason: "illegal move"}, nil
		}
		return e.verdict(game, mv.String(), nchess.AlgebraicNotation{}.Encode(pos, mv)), nil
	}

	if err := game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
		return Verdict{Reason: "illegal move"}, nil
	}
	last := lastMove(game)
	if last == nil {
		return Verdict{Reason: "illegal move"}, nil
	}
	return e.verdict(game, last.String(), nchess.AlgebraicNotation{}.Encode(pos, last)), nil
}

func (e *Engine) verdict(game *nchess.Game, uci, san string) Verdict {
	v := Verdict{
		Accepted: true,
		UCI:      uci,
		SAN:      san,
		FEN:      game.FEN(),
		Outcome:  OutcomeOngoing,
	}
	switch game.Outcome() {
	case nchess.WhiteWon:
		v.Outcome = OutcomeWhite
	case nchess.BlackWon:
		v.Outcome = OutcomeBlack
	case nchess.Draw:
		v.Outcome = OutcomeDraw
	}
	if v.Outcome != OutcomeOngoing {
		switch game.Method() {
		case nchess.Checkmate:
			v.Method = "checkmate"
		case nchess.Stalemate:
			v.Method = "stalemate"
		default:
			v.Method = "draw"
		}
	}
	return v
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

// reconstruct replays the stored UCI moves from the start position. The
// FEN kept on session state is for presentation; replaying it here could
// double-apply moves.
func reconstruct(moves []string) *nchess.Game {
	game := nchess.NewGame()
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil
		}
	}
	return game
}
