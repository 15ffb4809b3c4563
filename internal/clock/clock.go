// Package clock is the chess-clock engine: a pure transformation over a
// clock snapshot. Nothing here touches the network, the store, or a mutex.
// It's deliberately a value-in, value-out transform so it can be unit
// tested without a running server.
package clock

import (
	"errors"

	"chessmata-core/internal/model"
)

var ErrWrongTurn = errors.New("clock: not this color's turn")

// LagCompensationCapMs is the fixed ceiling on how much observed network
// delay is credited back to the mover.
const LagCompensationCapMs = 500

// Result is the outcome of applying one move to a clock snapshot.
type Result struct {
	Snapshot model.ClockSnapshot
	Timeout  bool
	// Winner is set only when Timeout is true: the color whose opponent's
	// clock reached zero.
	Winner model.Color
}

// ApplyMove commits one move to the clock: first-move arming, turn check,
// elapsed deduction, lag compensation, increment, flag-fall detection,
// turn swap. now and clientTimestampMs are both caller-supplied (not
// time.Now()) so the function stays pure and deterministic under test.
func ApplyMove(snap model.ClockSnapshot, movingColor model.Color, clientTimestampMs int64, now int64) (Result, error) {
	// Unlimited games (zero base time) never flag-fall and never deduct;
	// the engine still tracks turn/moveCount bookkeeping for them.
	unlimited := snap.BaseMs == 0 && snap.IncrementMs == 0 && snap.WhiteMs == 0 && snap.BlackMs == 0

	// Step 1: first move.
	if snap.ActiveColor == model.NoColor {
		if movingColor != model.White {
			return Result{}, ErrWrongTurn
		}
		snap.ActiveColor = model.Black
		snap.LastMoveAtMs = now
		snap.FirstMoveDeadlineMs = 0
		snap.MoveCount = 1
		return Result{Snapshot: snap}, nil
	}

	// Step 2: turn check.
	if snap.ActiveColor != movingColor {
		return Result{}, ErrWrongTurn
	}

	if unlimited {
		snap.ActiveColor = movingColor.Opponent()
		snap.LastMoveAtMs = now
		snap.MoveCount++
		return Result{Snapshot: snap}, nil
	}

	// Step 3: deduct elapsed.
	elapsed := now - snap.LastMoveAtMs
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := snap.RemainingMs(movingColor) - elapsed

	// Step 4: lag compensation.
	comp := lagCompensation(clientTimestampMs, now)
	remaining += comp

	// Step 5: increment.
	remaining += snap.IncrementMs

	applyRemaining(&snap, movingColor, remaining)

	// Step 6: flag-fall. Check both sides: the mover's own clock may have
	// just been driven to zero, or the opponent's clock may already have
	// expired while waiting (caught here rather than leaving it for the
	// Timeout Watcher's next tick).
	if snap.WhiteMs <= 0 || snap.BlackMs <= 0 {
		var flagged model.Color
		if snap.WhiteMs <= 0 {
			flagged = model.White
		} else {
			flagged = model.Black
		}
		if snap.WhiteMs < 0 {
			snap.WhiteMs = 0
		}
		if snap.BlackMs < 0 {
			snap.BlackMs = 0
		}
		return Result{Snapshot: snap, Timeout: true, Winner: flagged.Opponent()}, nil
	}

	// Step 7: swap.
	snap.ActiveColor = movingColor.Opponent()
	snap.LastMoveAtMs = now
	snap.MoveCount++

	return Result{Snapshot: snap}, nil
}

func applyRemaining(snap *model.ClockSnapshot, color model.Color, remaining int64) {
	if color == model.White {
		snap.WhiteMs = remaining
	} else {
		snap.BlackMs = remaining
	}
}

// lagCompensation credits back the observed delay between the client's
// claimed send time and server receipt, capped at LagCompensationCapMs,
// never negative. A missing, non-positive, or future client timestamp
// yields zero compensation rather than an error.
func lagCompensation(clientTimestampMs int64, now int64) int64 {
	if clientTimestampMs <= 0 || clientTimestampMs > now {
		return 0
	}
	delay := now - clientTimestampMs
	if delay > LagCompensationCapMs {
		return LagCompensationCapMs
	}
	return delay
}

// Projection is the read-only view of remaining time without committing a
// move, used for UI broadcasts and the Timeout Watcher's flag-fall check.
type Projection struct {
	WhiteMs  int64
	BlackMs  int64
	TimedOut bool
	Winner   model.Color
}

// Project subtracts elapsed time since lastMoveAt from whichever side is
// active, floored at zero, without committing anything.
func Project(snap model.ClockSnapshot, now int64) Projection {
	p := Projection{WhiteMs: snap.WhiteMs, BlackMs: snap.BlackMs}
	if snap.ActiveColor == model.NoColor {
		return p
	}
	unlimited := snap.BaseMs == 0 && snap.IncrementMs == 0 && snap.WhiteMs == 0 && snap.BlackMs == 0
	if unlimited {
		return p
	}

	elapsed := now - snap.LastMoveAtMs
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := snap.RemainingMs(snap.ActiveColor) - elapsed
	if remaining < 0 {
		remaining = 0
	}
	if snap.ActiveColor == model.White {
		p.WhiteMs = remaining
	} else {
		p.BlackMs = remaining
	}

	if remaining <= 0 {
		p.TimedOut = true
		p.Winner = snap.ActiveColor.Opponent()
	}
	return p
}
