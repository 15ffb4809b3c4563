// Package rules adapts github.com/corentings/chess/v2 into a narrow
// interface: replay a move history into a position, try one UCI-ish move
// against it, and read off terminal status. No move generation, check
// detection, or FEN math is reimplemented here; that's the library's
// job.
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/corentings/chess/v2"

	"chessmata-core/internal/model"
)

var (
	ErrIllegalMove  = errors.New("rules: illegal move")
	ErrMalformedUCI = errors.New("rules: malformed move string")
)

// Outcome is the terminal status of a position, decoupled from the chess
// library's own Outcome/Method types so callers don't import it directly.
type Outcome struct {
	Over   bool
	Result model.Result
	Reason model.ResultReason
}

// PositionFromHistory replays a half-move history from the starting position
// and returns the resulting game object. History entries are UCI-ish
// strings ("e2e4", "e7e8q" for promotion) as stored on model.Game.History.
func PositionFromHistory(history []string) (*chess.Game, error) {
	g := chess.NewGame()
	for i, mv := range history {
		if err := g.PushMove(mv, nil); err != nil {
			return nil, fmt.Errorf("rules: replay move %d (%s): %w", i, mv, err)
		}
	}
	return g, nil
}

// TryMove attempts from+to(+promotion) against the given game, returning the
// resulting FEN, UCI move string, and SAN notation if legal. On an illegal
// move the game is left unmutated, so the coordinator can reject a premove
// at execution time without rebuilding the position.
func TryMove(g *chess.Game, from, to, promotion string) (fen string, uci string, notation string, err error) {
	if len(from) != 2 || len(to) != 2 {
		return "", "", "", ErrMalformedUCI
	}
	uci = strings.ToLower(from) + strings.ToLower(to) + strings.ToLower(promotion)

	before := g.Position()
	if pushErr := g.PushMove(uci, nil); pushErr != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrIllegalMove, pushErr)
	}

	moves := g.Moves()
	if len(moves) > 0 {
		notation = chess.AlgebraicNotation{}.Encode(before, moves[len(moves)-1])
	}

	return g.FEN(), uci, notation, nil
}

// Turn reports whose move it is in the given position.
func Turn(g *chess.Game) model.Color {
	if g.Position().Turn() == chess.White {
		return model.White
	}
	return model.Black
}

// DetectOutcome reads off the terminal status of a position (checkmate,
// stalemate, repetition, fifty-move rule, insufficient material). It never
// decides timeouts, resignations, or agreed draws; those are
// coordinator-level events with no board-position signature.
func DetectOutcome(g *chess.Game) Outcome {
	outcome := g.Outcome()
	if outcome == chess.NoOutcome {
		return Outcome{}
	}

	method := g.Method()
	reason := methodToReason(method)

	switch outcome {
	case chess.WhiteWon:
		return Outcome{Over: true, Result: model.ResultWhite, Reason: reason}
	case chess.BlackWon:
		return Outcome{Over: true, Result: model.ResultBlack, Reason: reason}
	case chess.Draw:
		return Outcome{Over: true, Result: model.ResultDraw, Reason: reason}
	default:
		return Outcome{}
	}
}

func methodToReason(m chess.Method) model.ResultReason {
	switch m {
	case chess.Checkmate:
		return model.ReasonCheckmate
	case chess.Stalemate:
		return model.ReasonStalemate
	case chess.ThreefoldRepetition:
		return model.ReasonThreefoldRepetition
	case chess.FiftyMoveRule:
		return model.ReasonFiftyMoveRule
	case chess.InsufficientMaterial:
		return model.ReasonInsufficientMaterial
	default:
		return model.ReasonDraw
	}
}
