package coordinator

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"chessmata-core/internal/fabric"
	"chessmata-core/internal/model"
	"chessmata-core/internal/store"
)

// JoinGame is read-mostly, except for the reconnect-clear latch, which is
// expressed via ConditionalUpdate so it races the timeout watcher's
// disconnect-timeout path harmlessly: whichever wins its ConditionalUpdate
// first is honored, never both.
func (c *Coordinator) JoinGame(ctx context.Context, gameID, userID string) (game *model.Game, reconnected bool, err error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return nil, false, err
	}
	defer c.release(e)

	g := e.game
	if g.Status == model.StatusOngoing && g.DisconnectedPlayerID == userID {
		_, cuErr := c.store.ConditionalUpdate(ctx, gameID, bson.M{
			"status":               model.StatusOngoing,
			"disconnectedPlayerId": userID,
		}, bson.M{
			"disconnectedPlayerId": "",
			"disconnectDeadlineMs": 0,
		})
		switch {
		case cuErr == nil:
			g.DisconnectedPlayerID = ""
			g.DisconnectDeadlineMs = 0
			reconnected = true
			c.fab.Emit(fabric.GameRoom(gameID), EventOpponentReconnect, opponentReconnectedPayload{UserID: userID})
		case errors.Is(cuErr, store.ErrConflict):
			// The Timeout Watcher (or another connection) already resolved
			// this disconnect one way or another; the caller reads whatever
			// state won, never both.
		default:
			return nil, false, cuErr
		}
	}

	return g, reconnected, nil
}

// ArmDisconnect is the session fabric's hook, invoked when a player's last
// connection drains from a game room. Held under the game lock rather than
// a ConditionalUpdate: only one coordinator operation runs per game at a
// time on this node, so a plain FieldPatch is already race-free here.
func (c *Coordinator) ArmDisconnect(ctx context.Context, gameID, userID string) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing || !g.IsPlayer(userID) {
		return
	}
	if g.DisconnectedPlayerID != "" {
		return
	}
	// The local hub already drained, but the same user may still hold a
	// connection on another node (or another tab that reconnected while this
	// callback was in flight); cluster-wide liveness decides, not this node.
	if c.fab.HasLiveConnection(ctx, fabric.GameRoom(gameID), userID) {
		return
	}

	deadline := time.Now().UnixMilli() + c.disconnectGraceMs()
	g.DisconnectedPlayerID = userID
	g.DisconnectDeadlineMs = deadline

	c.fab.Emit(fabric.GameRoom(gameID), EventOpponentDisconnect, opponentDisconnectedPayload{UserID: userID, ReconnectDeadlineAt: deadline})
	c.persistAsync(gameID, bson.M{"disconnectedPlayerId": userID, "disconnectDeadlineMs": deadline}, fabric.GameRoom(gameID))
}

func (c *Coordinator) disconnectGraceMs() int64 {
	if c.cfg.DisconnectGraceMs > 0 {
		return c.cfg.DisconnectGraceMs
	}
	return model.DisconnectGraceMs
}

// SeatOpponent fills the empty black seat on a game created with no
// opponent specified (the private-room-joiner path). Goes through the game
// lock so the in-memory copy and the store agree on who is playing before
// the joiner's first coordinator operation arrives. Idempotent for a user
// already seated on either side.
func (c *Coordinator) SeatOpponent(ctx context.Context, gameID, userID string) (*model.Game, error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return nil, err
	}
	defer c.release(e)

	g := e.game
	if g.Status != model.StatusOngoing {
		return nil, ErrGameCompleted
	}
	if g.WhitePlayerID == userID || g.BlackPlayerID == userID {
		cp := *g
		return &cp, nil
	}
	if g.BlackPlayerID != "" {
		return nil, ErrSeatTaken
	}

	g.BlackPlayerID = userID
	patch := bson.M{"blackPlayerId": userID}
	if g.Clock.ActiveColor == model.NoColor {
		// The first-move deadline counts from the moment both seats are
		// filled; a room can sit unclaimed longer than the deadline before
		// anyone joins it.
		deadline := nowMs() + c.firstMoveDeadlineMs()
		g.Clock.FirstMoveDeadlineMs = deadline
		patch["clock.firstMoveDeadlineMs"] = deadline
	}

	// Synchronous, not persistAsync: the seat assignment must be durable
	// before the joiner acts on it from another connection or node.
	if err := c.store.FieldPatch(ctx, gameID, patch); err != nil {
		return nil, err
	}
	c.fab.Emit(fabric.GameRoom(gameID), EventOpponentJoined, opponentJoinedPayload{UserID: userID})
	cp := *g
	return &cp, nil
}

func (c *Coordinator) firstMoveDeadlineMs() int64 {
	if c.cfg.FirstMoveDeadlineMs > 0 {
		return c.cfg.FirstMoveDeadlineMs
	}
	return model.FirstMoveDeadlineMs
}

// AnnounceOpponentJoined lets the transport layer notify the room when a
// second player connects to a game for the first time; the coordinator
// itself doesn't track per-socket "have I ever joined" state, that's the
// session fabric's concern.
func (c *Coordinator) AnnounceOpponentJoined(gameID, userID string) {
	c.fab.Emit(fabric.GameRoom(gameID), EventOpponentJoined, opponentJoinedPayload{UserID: userID})
}

// Snapshot returns the in-memory authoritative game state for read-only
// consumers (e.g. the game_state payload on join), loading and locking the
// entry exactly like any other coordinator operation.
func (c *Coordinator) Snapshot(ctx context.Context, gameID string) (*model.Game, error) {
	e, err := c.acquire(ctx, gameID)
	if err != nil {
		return nil, err
	}
	defer c.release(e)
	cp := *e.game
	return &cp, nil
}
