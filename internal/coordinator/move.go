package coordinator

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"chessmata-core/internal/clock"
	"chessmata-core/internal/fabric"
	"chessmata-core/internal/model"
	"chessmata-core/internal/rules"
)

// MakeMoveInput is the decoded make_move payload.
type MakeMoveInput struct {
	GameID            string
	UserID            string
	From              string
	To                string
	Promotion         string
	ClientTimestampMs int64
	TraceID           string
}

// MakeMove is the hot path: validate, clock, broadcast, persist, then
// try-premove, all inside the game's lock so nothing can interleave between
// the commit to memory and the premove attempt.
func (c *Coordinator) MakeMove(ctx context.Context, in MakeMoveInput) (*model.Game, error) {
	e, err := c.acquire(ctx, in.GameID)
	if err != nil {
		return nil, err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing {
		return nil, ErrGameCompleted
	}
	color, err := requirePlayer(g, in.UserID)
	if err != nil {
		return nil, err
	}
	if rules.Turn(e.engine) != color {
		return nil, ErrWrongTurn
	}

	_, uci, notation, err := rules.TryMove(e.engine, in.From, in.To, in.Promotion)
	if err != nil {
		return nil, ErrIllegalMove
	}

	// An explicit normal move overrides the mover's own queued premove,
	// if any.
	ownPremoveCleared := false
	if _, ok := c.premoves.Get(in.GameID, color); ok {
		c.premoves.Clear(in.GameID, color)
		ownPremoveCleared = true
		c.fab.Emit(fabric.GameRoom(in.GameID), EventPremoveCleared, premoveClearedPayload{By: string(color), Reason: "cancelled"})
	}

	now := time.Now().UnixMilli()
	result, err := clock.ApplyMove(g.Clock, color, in.ClientTimestampMs, now)
	if err != nil {
		return nil, err
	}

	if result.Timeout {
		c.commitTimeout(ctx, in.GameID, e, result)
		return e.game, nil
	}

	g.Clock = result.Snapshot
	g.History = append(g.History, uci)
	g.BoardState = e.engine.FEN()
	moveNumber := len(g.History)

	outcome := rules.DetectOutcome(e.engine)
	completed := false
	if outcome.Over {
		ok, err := c.commitTermination(ctx, in.GameID, bson.M{"status": model.StatusOngoing}, outcome.Result, outcome.Reason)
		if err != nil {
			log.Printf("coordinator: terminal conditionalUpdate failed for %s: %v", in.GameID, err)
		}
		if ok {
			completed = true
			g.Status = model.StatusCompleted
			g.Result = outcome.Result
			g.ResultReason = outcome.Reason
			g.Clock.ActiveColor = model.NoColor
			g.QueuedPremoves = nil
			c.premoves.ClearAll(in.GameID)
		}
	}

	room := fabric.GameRoom(in.GameID)
	c.fab.Emit(room, EventMoveMade, moveMadePayload{
		GameID: in.GameID, By: string(color), From: in.From, To: in.To,
		Notation: notation, MoveNumber: moveNumber, TraceID: in.TraceID,
	})
	c.fab.Emit(room, EventClockUpdate, clockUpdatePayload{
		WhiteMs: g.Clock.WhiteMs, BlackMs: g.Clock.BlackMs, ActiveColor: string(g.Clock.ActiveColor),
	})
	if completed {
		c.fab.Emit(room, EventGameOver, gameOverPayload{GameID: in.GameID, Result: string(g.Result), Reason: string(g.ResultReason)})
	}
	c.recordMoveAsync(g, color, in.From, in.To, in.Promotion, notation, moveNumber)

	patch := bson.M{
		"history":    g.History,
		"boardState": g.BoardState,
		"clock":      g.Clock,
	}
	if completed {
		patch["status"] = g.Status
		patch["result"] = g.Result
		patch["resultReason"] = g.ResultReason
		patch["statsApplied"] = true
		patch["completedAt"] = time.Now()
		patch["queuedPremoves"] = bson.M{}
	} else if ownPremoveCleared {
		patch["queuedPremoves"] = c.queuedPremovesPatch(in.GameID)["queuedPremoves"]
	}
	c.persistAsync(in.GameID, patch, fabric.UserRoom(in.UserID))

	if completed {
		c.fireStatsHook(g)
		c.evict(in.GameID)
		return g, nil
	}
	if outcome.Over {
		// Terminal position, but another terminator (a concurrent watcher
		// tick, typically) won the latch first and owns the game_over
		// emission and the stats hook. Either way the game is over: no
		// premove attempt.
		return g, nil
	}

	// Attempt the queued premove for the side now to move. Not recursive:
	// a premove execution never triggers another premove check, so the side
	// whose premove just fired must queue a new one.
	c.tryExecuteQueuedPremove(ctx, in.GameID, e)

	return g, nil
}

// commitTimeout handles a timeout result surfacing out of the clock
// mid-move: a flag-fall short-circuits straight to a terminal transition
// without appending the move that triggered it to history.
func (c *Coordinator) commitTimeout(ctx context.Context, gameID string, e *gameEntry, result clock.Result) {
	g := e.game
	ok, err := c.commitTermination(ctx, gameID, bson.M{"status": model.StatusOngoing}, model.WinnerOf(result.Winner), model.ReasonTimeout)
	if err != nil {
		log.Printf("coordinator: timeout conditionalUpdate failed for %s: %v", gameID, err)
		return
	}
	if !ok {
		return
	}
	g.Clock = result.Snapshot
	g.Clock.ActiveColor = model.NoColor
	g.Status = model.StatusCompleted
	g.Result = model.WinnerOf(result.Winner)
	g.ResultReason = model.ReasonTimeout
	g.QueuedPremoves = nil
	c.premoves.ClearAll(gameID)

	room := fabric.GameRoom(gameID)
	c.fab.Emit(room, EventClockUpdate, clockUpdatePayload{WhiteMs: g.Clock.WhiteMs, BlackMs: g.Clock.BlackMs, ActiveColor: string(g.Clock.ActiveColor)})
	c.fab.Emit(room, EventGameOver, gameOverPayload{GameID: gameID, Result: string(g.Result), Reason: string(g.ResultReason)})
	c.persistAsync(gameID, bson.M{
		"clock": g.Clock, "status": g.Status, "result": g.Result, "resultReason": g.ResultReason,
		"statsApplied": true, "completedAt": time.Now(), "queuedPremoves": bson.M{},
	}, room)
	c.fireStatsHook(g)
	c.evict(gameID)
}

// tryExecuteQueuedPremove is the latency-critical path: invoked once,
// non-recursively, right after a normal move commits and the turn flips.
// Turn-flip to move_broadcast_sent is budgeted at p95 <= 10ms, which is why
// the premove stays in process memory, the broadcast precedes the durable
// write, and the write patches only changed fields.
func (c *Coordinator) tryExecuteQueuedPremove(ctx context.Context, gameID string, e *gameEntry) {
	g := e.game
	toMove := g.Clock.ActiveColor
	if toMove == model.NoColor {
		return
	}
	pm, ok := c.premoves.Get(gameID, toMove)
	if !ok {
		return
	}
	log.Printf("coordinator: turn_flipped game=%s color=%s t=%d", gameID, toMove, time.Now().UnixMilli())

	room := fabric.GameRoom(gameID)
	_, uci, notation, err := rules.TryMove(e.engine, pm.From, pm.To, pm.Promotion)
	if err != nil {
		c.premoves.Clear(gameID, toMove)
		c.fab.Emit(fabric.UserRoom(g.PlayerForColor(toMove)), EventPremoveRejected, premoveRejectedPayload{From: pm.From, To: pm.To})
		c.fab.Emit(room, EventPremoveCleared, premoveClearedPayload{By: string(toMove), Reason: "rejected"})
		c.persistAsync(gameID, c.queuedPremovesPatch(gameID), fabric.UserRoom(g.PlayerForColor(toMove)))
		return
	}

	// No lag compensation on a premove execution: the server, not the
	// premover's client, initiates this move, so there is no network delay
	// to credit back.
	now := time.Now().UnixMilli()
	result, err := clock.ApplyMove(g.Clock, toMove, 0, now)
	if err != nil {
		// The premove's legality held but the clock rejected the turn.
		// Can't happen under normal operation since toMove is exactly the
		// active color, but fail closed rather than corrupt state.
		c.premoves.Clear(gameID, toMove)
		c.fab.Emit(fabric.UserRoom(g.PlayerForColor(toMove)), EventPremoveRejected, premoveRejectedPayload{From: pm.From, To: pm.To})
		c.fab.Emit(room, EventPremoveCleared, premoveClearedPayload{By: string(toMove), Reason: "rejected"})
		c.persistAsync(gameID, c.queuedPremovesPatch(gameID), fabric.UserRoom(g.PlayerForColor(toMove)))
		return
	}

	c.premoves.Clear(gameID, toMove)

	if result.Timeout {
		c.commitTimeout(ctx, gameID, e, result)
		return
	}

	g.Clock = result.Snapshot
	g.History = append(g.History, uci)
	g.BoardState = e.engine.FEN()
	moveNumber := len(g.History)

	outcome := rules.DetectOutcome(e.engine)
	completed := false
	if outcome.Over {
		ok, err := c.commitTermination(ctx, gameID, bson.M{"status": model.StatusOngoing}, outcome.Result, outcome.Reason)
		if err != nil {
			log.Printf("coordinator: terminal conditionalUpdate failed for %s: %v", gameID, err)
		}
		if ok {
			completed = true
			g.Status = model.StatusCompleted
			g.Result = outcome.Result
			g.ResultReason = outcome.Reason
			g.Clock.ActiveColor = model.NoColor
			g.QueuedPremoves = nil
			c.premoves.ClearAll(gameID)
		}
	}

	c.fab.Emit(room, EventMoveMade, moveMadePayload{
		GameID: gameID, By: string(toMove), From: pm.From, To: pm.To,
		Notation: notation, MoveNumber: moveNumber, TraceID: pm.TraceID,
	})
	c.fab.Emit(room, EventClockUpdate, clockUpdatePayload{
		WhiteMs: g.Clock.WhiteMs, BlackMs: g.Clock.BlackMs, ActiveColor: string(g.Clock.ActiveColor),
	})
	c.fab.Emit(room, EventPremoveCleared, premoveClearedPayload{By: string(toMove), Reason: "executed"})
	if completed {
		c.fab.Emit(room, EventGameOver, gameOverPayload{GameID: gameID, Result: string(g.Result), Reason: string(g.ResultReason)})
	}
	c.recordMoveAsync(g, toMove, pm.From, pm.To, pm.Promotion, notation, moveNumber)

	patch := bson.M{
		"history":    g.History,
		"boardState": g.BoardState,
		"clock":      g.Clock,
	}
	if completed {
		patch["status"] = g.Status
		patch["result"] = g.Result
		patch["resultReason"] = g.ResultReason
		patch["statsApplied"] = true
		patch["completedAt"] = time.Now()
		patch["queuedPremoves"] = bson.M{}
	} else {
		patch["queuedPremoves"] = c.queuedPremovesPatch(gameID)["queuedPremoves"]
	}
	c.persistAsync(gameID, patch, fabric.UserRoom(g.PlayerForColor(toMove)))

	if completed {
		c.fireStatsHook(g)
		c.evict(gameID)
	}
}
