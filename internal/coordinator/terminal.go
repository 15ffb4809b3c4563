package coordinator

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"chessmata-core/internal/fabric"
	"chessmata-core/internal/model"
)

// Resign is an unconditional terminal transition in the opponent's favor,
// latched through ConditionalUpdate like every other path to
// status=completed.
func (c *Coordinator) Resign(ctx context.Context, gameID, userID string) (*model.Game, error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return nil, err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing {
		return nil, ErrGameCompleted
	}
	color, err := requirePlayer(g, userID)
	if err != nil {
		return nil, err
	}

	c.completeGame(ctx, gameID, e, model.WinnerOf(color.Opponent()), model.ReasonResignation)
	return g, nil
}

// OfferDraw is rejected on a pending offer, a capped counter, or a
// non-ongoing game.
func (c *Coordinator) OfferDraw(ctx context.Context, gameID, userID string) error {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing {
		return ErrGameCompleted
	}
	color, err := requirePlayer(g, userID)
	if err != nil {
		return err
	}
	if g.PendingDrawOfferFrom != model.NoColor {
		return ErrDrawOfferPending
	}
	if g.DrawOffersFor(color) >= c.maxDrawOffers() {
		return ErrDrawOfferCapped
	}

	g.PendingDrawOfferFrom = color
	if color == model.White {
		g.WhiteDrawOffers++
	} else {
		g.BlackDrawOffers++
	}

	// Fan out to the whole game room, including the caller's other tabs,
	// which need the same "offer pending" affordance.
	c.fab.Emit(fabric.GameRoom(gameID), EventDrawOffered, drawOfferedPayload{By: string(color)})
	c.persistAsync(gameID, bson.M{
		"pendingDrawOfferFrom": g.PendingDrawOfferFrom,
		"whiteDrawOffers":      g.WhiteDrawOffers,
		"blackDrawOffers":      g.BlackDrawOffers,
	}, fabric.UserRoom(userID))
	return nil
}

// AcceptDraw requires the pending offer to belong to the opponent, then
// commits a terminal transition to a draw.
func (c *Coordinator) AcceptDraw(ctx context.Context, gameID, userID string) (*model.Game, error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return nil, err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing {
		return nil, ErrGameCompleted
	}
	color, err := requirePlayer(g, userID)
	if err != nil {
		return nil, err
	}
	if g.PendingDrawOfferFrom == model.NoColor || g.PendingDrawOfferFrom == color {
		return nil, ErrNotOpponentsOffer
	}

	g.PendingDrawOfferFrom = model.NoColor
	c.completeGame(ctx, gameID, e, model.ResultDraw, model.ReasonDrawAgreed)
	return g, nil
}

// RejectDraw clears the pending offer and notifies the room.
func (c *Coordinator) RejectDraw(ctx context.Context, gameID, userID string) error {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return err
	}
	defer c.release(e)

	g := e.game
	color, err := requirePlayer(g, userID)
	if err != nil {
		return err
	}
	g.PendingDrawOfferFrom = model.NoColor

	c.fab.Emit(fabric.GameRoom(gameID), EventDrawRejected, drawRejectedPayload{By: string(color)})
	c.persistAsync(gameID, bson.M{"pendingDrawOfferFrom": model.NoColor}, fabric.UserRoom(userID))
	return nil
}

// CancelEarly aborts the game, allowed only while the history is short
// enough that neither side has committed to it.
func (c *Coordinator) CancelEarly(ctx context.Context, gameID, userID string) (*model.Game, error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return nil, err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing {
		return nil, ErrGameCompleted
	}
	if _, err := requirePlayer(g, userID); err != nil {
		return nil, err
	}
	if len(g.History) >= 2 {
		return nil, ErrCancelWindowClosed
	}

	c.completeGame(ctx, gameID, e, model.ResultAborted, model.ReasonCancelledFirstMoveTimeout)
	return g, nil
}

func (c *Coordinator) maxDrawOffers() int {
	if c.cfg.MaxDrawOffers > 0 {
		return c.cfg.MaxDrawOffers
	}
	return model.MaxDrawOffers
}

// completeGame is the shared terminal-transition tail used by every path
// that does not go through the clock-timeout or checkmate short-circuits in
// move.go: conditionalUpdate, in-memory mirror, broadcast, async persist,
// stats hook, eviction.
func (c *Coordinator) completeGame(ctx context.Context, gameID string, e *gameEntry, result model.Result, reason model.ResultReason) {
	g := e.game
	ok, err := c.commitTermination(ctx, gameID, bson.M{"status": model.StatusOngoing}, result, reason)
	if err != nil || !ok {
		return
	}

	g.Status = model.StatusCompleted
	g.Result = result
	g.ResultReason = reason
	g.Clock.ActiveColor = model.NoColor
	g.QueuedPremoves = nil
	c.premoves.ClearAll(gameID)

	room := fabric.GameRoom(gameID)
	c.fab.Emit(room, EventGameOver, gameOverPayload{GameID: gameID, Result: string(result), Reason: string(reason)})

	// No further persist call: commitTermination's conditionalUpdate above
	// already wrote status/result/resultReason/clock.activeColor/
	// queuedPremoves/statsApplied atomically. That IS this path's durable
	// write, not just the termination latch.
	c.fireStatsHook(g)
	c.evict(gameID)
}
