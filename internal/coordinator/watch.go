package coordinator

import (
	"context"
	"log"

	"go.mongodb.org/mongo-driver/bson"

	"chessmata-core/internal/clock"
	"chessmata-core/internal/fabric"
	"chessmata-core/internal/model"
)

// The methods in this file are the timeout watcher's only way of mutating
// a game: every terminal or reconnect transition it drives still passes
// through the game's lock and the in-memory mirror, the same as every
// player-initiated transition, so a watcher tick can never tear a
// concurrent MakeMove.

// ExpireDisconnect commits the forfeit when a disconnected player's grace
// window elapsed with no live reconnection anywhere in the cluster, per
// the session fabric.
func (c *Coordinator) ExpireDisconnect(ctx context.Context, gameID string) (bool, error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return false, err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing || g.DisconnectedPlayerID == "" {
		return false, nil
	}
	now := nowMs()
	if g.DisconnectDeadlineMs > now {
		return false, nil
	}
	if c.fab.HasLiveConnection(ctx, fabric.GameRoom(gameID), g.DisconnectedPlayerID) {
		return false, nil
	}

	loser := g.PlayerColor(g.DisconnectedPlayerID)
	if loser == model.NoColor {
		return false, nil
	}
	c.completeGame(ctx, gameID, e, model.WinnerOf(loser.Opponent()), model.ReasonDisconnectTimeout)
	return true, nil
}

// ReconcileReconnect is the safety net for a marker that outlived its
// player's absence: the supposedly disconnected player does have a live
// connection somewhere (the session fabric saw it after the join-time
// reconnect-clear latch missed the race), so the marker is cleared without
// penalty.
func (c *Coordinator) ReconcileReconnect(ctx context.Context, gameID string) (bool, error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return false, err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing || g.DisconnectedPlayerID == "" {
		return false, nil
	}
	if g.DisconnectDeadlineMs > nowMs() {
		return false, nil
	}
	if !c.fab.HasLiveConnection(ctx, fabric.GameRoom(gameID), g.DisconnectedPlayerID) {
		return false, nil
	}

	userID := g.DisconnectedPlayerID
	_, err = c.store.ConditionalUpdate(ctx, gameID, bson.M{
		"status":               model.StatusOngoing,
		"disconnectedPlayerId": userID,
	}, bson.M{
		"disconnectedPlayerId": "",
		"disconnectDeadlineMs": 0,
	})
	if err != nil {
		return false, nil
	}

	g.DisconnectedPlayerID = ""
	g.DisconnectDeadlineMs = 0
	c.fab.Emit(fabric.GameRoom(gameID), EventOpponentReconnect, opponentReconnectedPayload{UserID: userID})
	return true, nil
}

// ExpireFirstMoveDeadline aborts a game whose opening move never came:
// the game is cancelled rather than charged to either player.
func (c *Coordinator) ExpireFirstMoveDeadline(ctx context.Context, gameID string) (bool, error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return false, err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing || g.Clock.ActiveColor != model.NoColor {
		return false, nil
	}
	if g.Clock.FirstMoveDeadlineMs == 0 || nowMs() <= g.Clock.FirstMoveDeadlineMs {
		return false, nil
	}

	c.completeGame(ctx, gameID, e, model.ResultAborted, model.ReasonCancelledFirstMoveTimeout)
	return true, nil
}

// ExpireFlagFall catches a tick-driven flag-fall (the active side ran out
// of time without moving) via the clock's read-only projection.
func (c *Coordinator) ExpireFlagFall(ctx context.Context, gameID string) (bool, error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return false, err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing || g.Clock.ActiveColor == model.NoColor {
		return false, nil
	}
	proj := clock.Project(g.Clock, nowMs())
	if !proj.TimedOut {
		return false, nil
	}

	g.Clock.WhiteMs = proj.WhiteMs
	g.Clock.BlackMs = proj.BlackMs
	c.completeGame(ctx, gameID, e, model.WinnerOf(proj.Winner), model.ReasonTimeout)
	return true, nil
}

// SweepOne runs the per-game deadline checks against one loaded snapshot
// from a ListOngoing scan, in priority order: expired disconnect first,
// then the first-move deadline, then flag-fall. First match wins. Exported
// for the watcher package to drive from its tick loop without duplicating
// the ordering logic.
func (c *Coordinator) SweepOne(ctx context.Context, g model.Game) {
	gameID := g.SessionID
	now := nowMs()

	if g.DisconnectedPlayerID != "" && g.DisconnectDeadlineMs <= now {
		if handled, err := c.ExpireDisconnect(ctx, gameID); err != nil {
			log.Printf("watcher: disconnect-expiry check failed for %s: %v", gameID, err)
		} else if !handled {
			if _, err := c.ReconcileReconnect(ctx, gameID); err != nil {
				log.Printf("watcher: reconnect reconciliation failed for %s: %v", gameID, err)
			}
		}
		return
	}

	if g.Clock.ActiveColor == model.NoColor {
		if _, err := c.ExpireFirstMoveDeadline(ctx, gameID); err != nil {
			log.Printf("watcher: first-move-deadline check failed for %s: %v", gameID, err)
		}
		return
	}

	if _, err := c.ExpireFlagFall(ctx, gameID); err != nil {
		log.Printf("watcher: flag-fall check failed for %s: %v", gameID, err)
	}
}
