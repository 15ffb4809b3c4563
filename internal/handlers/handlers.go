// Package handlers is the thin HTTP surface around the game engine: create
// a game, join it, read it back, plus REST fallbacks for the game-flow
// operations a client without a live WebSocket still needs.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"chessmata-core/internal/coordinator"
	"chessmata-core/internal/middleware"
	"chessmata-core/internal/model"
	"chessmata-core/internal/store"
)

type GameHandler struct {
	store *store.GameStore
	coord *coordinator.Coordinator
}

func NewGameHandler(s *store.GameStore, c *coordinator.Coordinator) *GameHandler {
	return &GameHandler{store: s, coord: c}
}

type createGameRequest struct {
	OpponentID  string `json:"opponentId"`
	TimeControl string `json:"timeControl"`
}

type createGameResponse struct {
	GameID    string `json:"gameId"`
	ShareLink string `json:"shareLink"`
}

// CreateGame spawns a private room. The caller becomes White; a second
// player joins by session id.
func (h *GameHandler) CreateGame(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createGameRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	mode := model.TimeControlMode(req.TimeControl)
	if req.TimeControl == "" || !model.IsValidTimeControlMode(req.TimeControl) {
		mode = model.TimeUnlimited
	}
	tc := model.GetTimeControl(mode)

	g := model.NewGame(model.NewGameID(), userID, req.OpponentID, tc)
	if req.OpponentID == "" {
		// No second player yet: SeatOpponent arms the first-move deadline.
		g.Clock.FirstMoveDeadlineMs = 0
	}
	if err := h.store.Create(ctx, g); err != nil {
		http.Error(w, "failed to create game", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, createGameResponse{GameID: g.SessionID, ShareLink: "/game/" + g.SessionID})
}

// JoinGame seats the caller as Black on a game someone else created with
// no opponent yet specified. Goes through the coordinator rather than
// patching the store directly, so a game already loaded into memory sees
// the new seat immediately.
func (h *GameHandler) JoinGame(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	gameID := mux.Vars(r)["gameId"]

	g, err := h.coord.SeatOpponent(ctx, gameID, userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, g)
	case errors.Is(err, coordinator.ErrSeatTaken):
		http.Error(w, "game already has two players", http.StatusConflict)
	case errors.Is(err, coordinator.ErrGameCompleted):
		http.Error(w, "game is not ongoing", http.StatusConflict)
	case errors.Is(err, coordinator.ErrGameNotFound):
		http.Error(w, "game not found", http.StatusNotFound)
	default:
		http.Error(w, "failed to join game", http.StatusInternalServerError)
	}
}

// GetGame returns the current persisted snapshot of a game. It
// deliberately does not read the coordinator's in-memory copy (that would
// couple this read-only surface to the hot path's lock), so a client
// relying on this endpoint alone may observe state that is milliseconds
// stale relative to what join_game's game_state frame reports; the
// WebSocket transport is the authoritative read path during an active
// game.
func (h *GameHandler) GetGame(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	gameID := mux.Vars(r)["gameId"]
	g, err := h.store.Load(ctx, gameID)
	if err != nil {
		writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// GetMoves returns the recorded plies for a game, used by clients
// reconstructing a move list view outside the live game screen.
func (h *GameHandler) GetMoves(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	gameID := mux.Vars(r)["gameId"]
	moves, err := h.store.ListMoves(ctx, gameID)
	if err != nil {
		http.Error(w, "failed to load moves", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, moves)
}

// ListActiveGames returns every game still ongoing.
func (h *GameHandler) ListActiveGames(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	games, err := h.store.ListOngoing(ctx)
	if err != nil {
		http.Error(w, "failed to list games", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, games)
}

// The handlers below are REST fallbacks for the game-flow operations
// non-WS clients need; each is a thin delegation into the game
// coordinator, the same methods the WebSocket gateway dispatches to.

type respondRequest struct {
	Accept bool `json:"accept"`
}

type actionResponse struct {
	Success bool `json:"success"`
}

// ResignGame resigns the caller's side of an ongoing game.
func (h *GameHandler) ResignGame(w http.ResponseWriter, r *http.Request) {
	h.gameAction(w, r, func(ctx context.Context, gameID, userID string) error {
		_, err := h.coord.Resign(ctx, gameID, userID)
		return err
	})
}

// OfferDraw offers a draw from the caller's side.
func (h *GameHandler) OfferDraw(w http.ResponseWriter, r *http.Request) {
	h.gameAction(w, r, func(ctx context.Context, gameID, userID string) error {
		return h.coord.OfferDraw(ctx, gameID, userID)
	})
}

// RespondToDraw accepts or rejects the pending draw offer.
func (h *GameHandler) RespondToDraw(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.gameAction(w, r, func(ctx context.Context, gameID, userID string) error {
		if req.Accept {
			_, err := h.coord.AcceptDraw(ctx, gameID, userID)
			return err
		}
		return h.coord.RejectDraw(ctx, gameID, userID)
	})
}

// OfferRematch offers a rematch on a completed game.
func (h *GameHandler) OfferRematch(w http.ResponseWriter, r *http.Request) {
	h.gameAction(w, r, func(ctx context.Context, gameID, userID string) error {
		return h.coord.OfferRematch(ctx, gameID, userID)
	})
}

// RespondToRematch accepts (returning the new game id) or rejects a pending
// rematch offer.
func (h *GameHandler) RespondToRematch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	gameID := mux.Vars(r)["gameId"]

	if !req.Accept {
		if err := h.coord.RejectRematch(ctx, gameID, userID); err != nil {
			writeCoordinatorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{Success: true})
		return
	}
	newID, err := h.coord.AcceptRematch(ctx, gameID, userID)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "newGameId": newID})
}

func (h *GameHandler) gameAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, gameID, userID string) error) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	gameID := mux.Vars(r)["gameId"]

	if err := fn(ctx, gameID, userID); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true})
}

func writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrGameNotFound):
		http.Error(w, "game not found", http.StatusNotFound)
	case errors.Is(err, coordinator.ErrNotAPlayer):
		http.Error(w, "not a player in this game", http.StatusForbidden)
	case errors.Is(err, coordinator.ErrGameCompleted):
		http.Error(w, "game is not in the required state", http.StatusConflict)
	case errors.Is(err, coordinator.ErrDrawOfferPending),
		errors.Is(err, coordinator.ErrDrawOfferCapped),
		errors.Is(err, coordinator.ErrNotOpponentsOffer),
		errors.Is(err, coordinator.ErrCancelWindowClosed),
		errors.Is(err, coordinator.ErrRematchBlocked):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "request failed", http.StatusInternalServerError)
	}
}

func writeLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "game not found", http.StatusNotFound)
		return
	}
	http.Error(w, "failed to load game", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
