// Package gateway is the transport-level dispatcher sitting between the
// session fabric and the game coordinator: it decodes inbound WebSocket
// frames into named client events, calls the matching coordinator method,
// and replies with an ack carrying either the result or a rejection. It
// owns no game state itself; every mutation goes through the
// coordinator's per-game lock.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"chessmata-core/internal/coordinator"
	"chessmata-core/internal/fabric"
	"chessmata-core/internal/model"
)

// Client-to-server event names.
const (
	EventJoinGame      = "join_game"
	EventMakeMove      = "make_move"
	EventSetPremove    = "set_premove"
	EventCancelPremove = "cancel_premove"
	EventResignGame    = "resign_game"
	EventOfferDraw     = "offer_draw"
	EventAcceptDraw    = "accept_draw"
	EventRejectDraw    = "reject_draw"
	EventCancelGame    = "cancel_game"
	EventOfferRematch  = "offer_rematch"
	EventAcceptRematch = "accept_rematch"
	EventRejectRematch = "reject_rematch"
	EventLeaveGame     = "leave_game"
)

// inboundFrame is the envelope every client frame is decoded into. ackID
// is optional; when present the gateway replies with a matching "ack"
// frame.
type inboundFrame struct {
	Type    string          `json:"type"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type ackFrame struct {
	AckID string      `json:"ackId,omitempty"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type joinGamePayload struct {
	GameID  string `json:"gameId"`
	TraceID string `json:"traceId,omitempty"`
}

type movePayload struct {
	GameID string `json:"gameId"`
	Move   struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Promotion string `json:"promotion,omitempty"`
	} `json:"move"`
	ClientTimestamp int64  `json:"clientTimestamp,omitempty"`
	TraceID         string `json:"traceId,omitempty"`
}

type premovePayload struct {
	GameID  string `json:"gameId"`
	Premove struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Promotion string `json:"promotion,omitempty"`
	} `json:"premove"`
	TraceID string `json:"traceId,omitempty"`
}

type gameIDPayload struct {
	GameID string `json:"gameId"`
}

// Gateway wires the Session Fabric's per-connection message hook to the
// Coordinator. One Gateway serves every connection; per-game serialization
// lives entirely inside the Coordinator, not here.
type Gateway struct {
	coord *coordinator.Coordinator
	fab   *fabric.Fabric
}

func New(coord *coordinator.Coordinator, fab *fabric.Fabric) *Gateway {
	return &Gateway{coord: coord, fab: fab}
}

// Attach wires this gateway as the fabric's OnMessage hook. Call once,
// before the fabric starts accepting connections.
func (g *Gateway) Attach() {
	g.fab.OnMessage = g.handle
}

func (g *Gateway) handle(c *fabric.Client, raw []byte) {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		g.fab.EmitTo(c, coordinator.EventError, map[string]string{"message": "malformed frame"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := g.dispatch(ctx, c, in.Type, in.Payload)
	if in.AckID == "" {
		if err != nil {
			log.Printf("gateway: %s failed for user %s: %v", in.Type, c.UserID, err)
			g.fab.EmitTo(c, coordinator.EventError, map[string]string{"message": errorMessage(err)})
		}
		return
	}

	ack := ackFrame{AckID: in.AckID, OK: err == nil, Data: data}
	if err != nil {
		ack.Error = errorMessage(err)
	}
	g.fab.EmitTo(c, "ack", ack)
}

// errorMessage maps domain errors to client-safe strings the UI can show
// directly, never a wrapped internal error.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrGameNotFound):
		return "game not found"
	case errors.Is(err, coordinator.ErrNotAPlayer):
		return "not a player in this game"
	case errors.Is(err, coordinator.ErrGameCompleted):
		return "game is not ongoing"
	case errors.Is(err, coordinator.ErrWrongTurn):
		return "not your turn"
	case errors.Is(err, coordinator.ErrIllegalMove):
		return "illegal move"
	case errors.Is(err, coordinator.ErrInvalidPremove):
		return "invalid premove"
	case errors.Is(err, coordinator.ErrDrawOfferPending):
		return "a draw offer is already pending"
	case errors.Is(err, coordinator.ErrDrawOfferCapped):
		return "draw offer limit reached"
	case errors.Is(err, coordinator.ErrNotOpponentsOffer):
		return "no opponent draw offer to accept"
	case errors.Is(err, coordinator.ErrCancelWindowClosed):
		return "too many moves played to cancel"
	case errors.Is(err, coordinator.ErrRematchBlocked):
		return "rematch not available"
	default:
		return "request failed"
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *fabric.Client, eventType string, raw json.RawMessage) (interface{}, error) {
	switch eventType {
	case EventJoinGame:
		return g.joinGame(ctx, c, raw)
	case EventMakeMove:
		return g.makeMove(ctx, c, raw)
	case EventSetPremove:
		return g.setPremove(ctx, c, raw)
	case EventCancelPremove:
		return nil, g.withGameID(raw, func(id string) error { return g.coord.CancelPremove(ctx, id, c.UserID) })
	case EventResignGame:
		_, err := g.withGame(raw, func(id string) (interface{}, error) { return g.coord.Resign(ctx, id, c.UserID) })
		return nil, err
	case EventOfferDraw:
		return nil, g.withGameID(raw, func(id string) error { return g.coord.OfferDraw(ctx, id, c.UserID) })
	case EventAcceptDraw:
		_, err := g.withGame(raw, func(id string) (interface{}, error) { return g.coord.AcceptDraw(ctx, id, c.UserID) })
		return nil, err
	case EventRejectDraw:
		return nil, g.withGameID(raw, func(id string) error { return g.coord.RejectDraw(ctx, id, c.UserID) })
	case EventCancelGame:
		_, err := g.withGame(raw, func(id string) (interface{}, error) { return g.coord.CancelEarly(ctx, id, c.UserID) })
		return nil, err
	case EventOfferRematch:
		return nil, g.withGameID(raw, func(id string) error { return g.coord.OfferRematch(ctx, id, c.UserID) })
	case EventAcceptRematch:
		return g.withGame(raw, func(id string) (interface{}, error) { return g.coord.AcceptRematch(ctx, id, c.UserID) })
	case EventRejectRematch:
		return nil, g.withGameID(raw, func(id string) error { return g.coord.RejectRematch(ctx, id, c.UserID) })
	case EventLeaveGame:
		return nil, g.leaveGame(c, raw)
	default:
		return nil, errors.New("gateway: unknown event type " + eventType)
	}
}

func (g *Gateway) withGameID(raw json.RawMessage, fn func(gameID string) error) error {
	var p gameIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameID == "" {
		return errors.New("gateway: malformed payload, missing gameId")
	}
	return fn(p.GameID)
}

func (g *Gateway) withGame(raw json.RawMessage, fn func(gameID string) (interface{}, error)) (interface{}, error) {
	var p gameIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameID == "" {
		return nil, errors.New("gateway: malformed payload, missing gameId")
	}
	return fn(p.GameID)
}

func (g *Gateway) joinGame(ctx context.Context, c *fabric.Client, raw json.RawMessage) (interface{}, error) {
	var p joinGamePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameID == "" {
		return nil, errors.New("gateway: malformed join_game payload")
	}

	game, _, err := g.coord.JoinGame(ctx, p.GameID, c.UserID)
	if err != nil {
		return nil, err
	}

	room := fabric.GameRoom(p.GameID)
	g.fab.Join(c, room)
	g.fab.EmitTo(c, coordinator.EventGameState, snapshotPayload(game))

	if game.IsPlayer(c.UserID) && g.fab.Count(room) > 1 {
		g.coord.AnnounceOpponentJoined(p.GameID, c.UserID)
	}
	return map[string]string{"gameId": p.GameID}, nil
}

func (g *Gateway) makeMove(ctx context.Context, c *fabric.Client, raw json.RawMessage) (interface{}, error) {
	var p movePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameID == "" {
		return nil, errors.New("gateway: malformed make_move payload")
	}

	_, err := g.coord.MakeMove(ctx, coordinator.MakeMoveInput{
		GameID:            p.GameID,
		UserID:            c.UserID,
		From:              p.Move.From,
		To:                p.Move.To,
		Promotion:         p.Move.Promotion,
		ClientTimestampMs: p.ClientTimestamp,
		TraceID:           p.TraceID,
	})
	return nil, err
}

func (g *Gateway) setPremove(ctx context.Context, c *fabric.Client, raw json.RawMessage) (interface{}, error) {
	var p premovePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameID == "" {
		return nil, errors.New("gateway: malformed set_premove payload")
	}
	pm, err := g.coord.SetPremove(ctx, p.GameID, c.UserID, p.Premove.From, p.Premove.To, p.Premove.Promotion, p.TraceID)
	if err != nil {
		return nil, err
	}
	return pm, nil
}

// snapshotPayload builds the game_state frame sent on join_game: the full
// document, minus internal bookkeeping fields a client has no use for.
func snapshotPayload(g *model.Game) map[string]interface{} {
	return map[string]interface{}{
		"gameId":               g.SessionID,
		"status":               g.Status,
		"result":               g.Result,
		"resultReason":         g.ResultReason,
		"history":              g.History,
		"boardState":           g.BoardState,
		"whitePlayerId":        g.WhitePlayerID,
		"blackPlayerId":        g.BlackPlayerID,
		"timeControl":          g.TimeControl,
		"clock":                g.Clock,
		"pendingDrawOfferFrom": g.PendingDrawOfferFrom,
		"disconnectedPlayerId": g.DisconnectedPlayerID,
		"disconnectDeadlineMs": g.DisconnectDeadlineMs,
	}
}

// leaveGame drops the socket from the game room without resigning the
// game, a presence signal only. Fabric.Leave runs the same drain-check the
// socket-close path uses, so this has the identical effect on presence and
// OnGameRoomDrained as the connection actually dropping.
func (g *Gateway) leaveGame(c *fabric.Client, raw json.RawMessage) error {
	var p gameIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameID == "" {
		return errors.New("gateway: malformed leave_game payload")
	}
	g.fab.Leave(c, fabric.GameRoom(p.GameID))
	return nil
}
