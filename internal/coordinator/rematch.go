package coordinator

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"chessmata-core/internal/fabric"
	"chessmata-core/internal/model"
)

// OfferRematch offers a rematch on a completed game. Blocked by a prior
// decline, an already-spawned next game, or an existing pending offer.
func (c *Coordinator) OfferRematch(ctx context.Context, gameID, userID string) error {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusCompleted {
		return ErrGameCompleted
	}
	color, err := requirePlayer(g, userID)
	if err != nil {
		return err
	}
	if g.RematchDeclined || g.NextGameID != "" || g.RematchOfferFrom != model.NoColor {
		return ErrRematchBlocked
	}

	g.RematchOfferFrom = color
	c.fab.Emit(fabric.GameRoom(gameID), EventRematchOffered, rematchOfferedPayload{By: string(color)})
	c.persistAsync(gameID, bson.M{"rematchOfferFrom": color}, fabric.UserRoom(userID))
	return nil
}

// AcceptRematch spawns a new game with colors swapped and a freshly
// primed clock, then records nextGameId on the old game so a second accept
// can't spawn a duplicate.
func (c *Coordinator) AcceptRematch(ctx context.Context, gameID, userID string) (string, error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return "", err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusCompleted {
		return "", ErrGameCompleted
	}
	color, err := requirePlayer(g, userID)
	if err != nil {
		return "", err
	}
	if g.RematchOfferFrom == model.NoColor || g.RematchOfferFrom == color {
		return "", ErrRematchBlocked
	}
	if g.NextGameID != "" {
		return g.NextGameID, nil
	}

	newWhite, newBlack := g.BlackPlayerID, g.WhitePlayerID
	newGame := model.NewGame(model.NewGameID(), newWhite, newBlack, g.TimeControl)
	if err := c.store.Create(ctx, newGame); err != nil {
		return "", err
	}

	g.NextGameID = newGame.SessionID
	c.fab.Emit(fabric.GameRoom(gameID), EventRematchAccepted, rematchAcceptedPayload{NewGameID: newGame.SessionID})
	c.persistAsync(gameID, bson.M{"nextGameId": newGame.SessionID}, fabric.UserRoom(userID))
	return newGame.SessionID, nil
}

// RejectRematch declines a rematch for good: rematchDeclined is sticky,
// so it blocks future offers, not just the cleared pending one.
func (c *Coordinator) RejectRematch(ctx context.Context, gameID, userID string) error {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return err
	}
	defer c.release(e)

	g := e.game
	if _, err := requirePlayer(g, userID); err != nil {
		return err
	}

	g.RematchDeclined = true
	g.RematchOfferFrom = model.NoColor
	c.fab.Emit(fabric.GameRoom(gameID), EventRematchRejected, rematchRejectedPayload{})
	c.persistAsync(gameID, bson.M{"rematchDeclined": true, "rematchOfferFrom": model.NoColor}, fabric.UserRoom(userID))
	return nil
}
