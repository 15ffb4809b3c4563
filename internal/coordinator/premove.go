package coordinator

import (
	"context"
	"time"

	"chessmata-core/internal/fabric"
	"chessmata-core/internal/model"
	"chessmata-core/internal/rules"
)

// SetPremove queues a speculative move while it is not the caller's turn.
// Legality is deliberately NOT checked here, only the shallow shape
// constraints in model.Premove.Valid. A premove is an intent; whether it is
// legal is decided at execution time, against the position on the board at
// that instant.
func (c *Coordinator) SetPremove(ctx context.Context, gameID, userID, from, to, promotion, traceID string) (model.Premove, error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return model.Premove{}, err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing {
		return model.Premove{}, ErrGameCompleted
	}
	color, err := requirePlayer(g, userID)
	if err != nil {
		return model.Premove{}, err
	}
	if rules.Turn(e.engine) == color {
		return model.Premove{}, ErrInvalidPremove
	}

	pm := model.Premove{
		From: from, To: to, Promotion: promotion,
		SetAtMs: time.Now().UnixMilli(), SourceMoveNo: len(g.History), TraceID: traceID,
	}
	if !pm.Valid() {
		return model.Premove{}, ErrInvalidPremove
	}

	c.premoves.Set(gameID, color, pm)
	c.fab.Emit(fabric.GameRoom(gameID), EventPremoveSet, premoveSetPayload{By: string(color), From: from, To: to, TraceID: traceID})
	c.persistAsync(gameID, c.queuedPremovesPatch(gameID), fabric.UserRoom(userID))
	return pm, nil
}

// CancelPremove clears the caller's own slot unconditionally; clearing an
// empty slot is a no-op.
func (c *Coordinator) CancelPremove(ctx context.Context, gameID, userID string) error {
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

	c.premoves.Clear(gameID, color)
	c.fab.Emit(fabric.GameRoom(gameID), EventPremoveCleared, premoveClearedPayload{By: string(color), Reason: "cancelled"})
	c.persistAsync(gameID, c.queuedPremovesPatch(gameID), fabric.UserRoom(userID))
	return nil
}
