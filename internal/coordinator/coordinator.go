// Package coordinator is the per-game serialized critical section: every
// mutating game operation runs the same pipeline of validate, clock,
// broadcast, persist, then try-premove, under that game's lock. In-memory
// state is the authority on the hot path; the store is the authority on
// restart.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"chessmata-core/internal/config"
	"chessmata-core/internal/fabric"
	"chessmata-core/internal/model"
	"chessmata-core/internal/premove"
	"chessmata-core/internal/rules"
	"chessmata-core/internal/store"

	"github.com/corentings/chess/v2"
)

var (
	ErrGameNotFound       = errors.New("coordinator: game not found")
	ErrNotAPlayer         = errors.New("coordinator: caller is not a player in this game")
	ErrGameCompleted      = errors.New("coordinator: game already completed")
	ErrWrongTurn          = errors.New("coordinator: not your turn")
	ErrIllegalMove        = errors.New("coordinator: illegal move")
	ErrInvalidPremove     = errors.New("coordinator: invalid premove")
	ErrDrawOfferPending   = errors.New("coordinator: a draw offer is already pending")
	ErrDrawOfferCapped    = errors.New("coordinator: draw offer cap reached")
	ErrNotOpponentsOffer  = errors.New("coordinator: cannot accept your own draw offer")
	ErrCancelWindowClosed = errors.New("coordinator: too many moves played to cancel")
	ErrRematchBlocked     = errors.New("coordinator: rematch already decided")
	ErrSeatTaken          = errors.New("coordinator: game already has two players")
)

// gameStore is the narrow slice of *store.GameStore the coordinator needs.
// Accepting the interface rather than the concrete type keeps the hot path
// testable against an in-memory fake without a running MongoDB.
type gameStore interface {
	Create(ctx context.Context, g *model.Game) error
	Load(ctx context.Context, sessionID string) (*model.Game, error)
	ConditionalUpdate(ctx context.Context, sessionID string, predicate, patch bson.M) (*model.Game, error)
	FieldPatch(ctx context.Context, sessionID string, patch bson.M) error
	AppendMove(ctx context.Context, mv *model.Move) error
	ListOngoing(ctx context.Context) ([]model.Game, error)
}

// gameEntry is the in-memory, lock-guarded authoritative copy of one game.
// The chess engine object is rebuilt from history once, on first touch, and
// mutated in lockstep with the persisted history thereafter; replaying it
// from scratch on every move would blow the premove latency budget.
type gameEntry struct {
	mu     sync.Mutex
	game   *model.Game
	engine *chess.Game
}

// Coordinator owns every game's serialization primitive: a concurrent map
// of per-game entries, evicted once a game completes so the map can't grow
// without bound across a long-running process.
type Coordinator struct {
	store    gameStore
	premoves *premove.Queue
	fab      *fabric.Fabric
	cfg      config.GameConfig

	mu      sync.Mutex
	entries map[string]*gameEntry

	// statsHook is the stats-counter side effect applied on game
	// completion. Nil is a valid, no-op value for tests.
	statsHook func(*model.Game)
}

// New wires a Coordinator against the real Game Store. gs satisfies
// gameStore structurally; tests construct a Coordinator with a fake
// implementing the same narrow interface instead.
func New(gs *store.GameStore, pq *premove.Queue, fab *fabric.Fabric, cfg config.GameConfig) *Coordinator {
	return &Coordinator{
		store:    gs,
		premoves: pq,
		fab:      fab,
		cfg:      cfg,
		entries:  make(map[string]*gameEntry),
	}
}

// SetStatsHook wires the external stats-counter side effect. It fires at
// most once per game, gated on statsApplied, and never on aborted games.
func (c *Coordinator) SetStatsHook(hook func(*model.Game)) {
	c.statsHook = hook
}

// fireStatsHook applies the stats side effect. Hook failures are logged
// and swallowed; they never break the game flow.
func (c *Coordinator) fireStatsHook(g *model.Game) {
	if c.statsHook == nil || g.Result == model.ResultAborted {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("coordinator: stats hook panicked for %s: %v", g.SessionID, r)
		}
	}()
	c.statsHook(g)
}

// acquire returns the locked entry for gameID, loading it from the store
// (and rebuilding the chess engine + rehydrating the premove queue) on
// first touch. Caller MUST call release when done.
func (c *Coordinator) acquire(ctx context.Context, gameID string) (*gameEntry, error) {
	c.mu.Lock()
	e, ok := c.entries[gameID]
	if !ok {
		e = &gameEntry{}
		c.entries[gameID] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	if e.game == nil {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			e.mu.Unlock()
			c.evictIfUnused(gameID)
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrGameNotFound
			}
			return nil, err
		}
		eng, err := rules.PositionFromHistory(g.History)
		if err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("coordinator: rebuilding position for %s: %w", gameID, err)
		}
		e.game = g
		e.engine = eng

		// Rehydrate the in-memory queue from the store's shadow copy
		// whenever the queue is empty but the durable copy is not.
		for color, pm := range g.QueuedPremoves {
			if _, ok := c.premoves.Get(gameID, color); !ok {
				c.premoves.Set(gameID, color, pm)
			}
		}
	}
	return e, nil
}

func (c *Coordinator) release(e *gameEntry) {
	e.mu.Unlock()
}

func (c *Coordinator) evict(gameID string) {
	c.mu.Lock()
	delete(c.entries, gameID)
	c.mu.Unlock()
	c.premoves.ClearAll(gameID)
}

// evictIfUnused drops a just-created, never-populated entry so a failed
// load doesn't leak a permanent map slot.
func (c *Coordinator) evictIfUnused(gameID string) {
	c.mu.Lock()
	if e, ok := c.entries[gameID]; ok && e.game == nil {
		delete(c.entries, gameID)
	}
	c.mu.Unlock()
}

// RehydrateOngoing seeds the premove queue for every game still in
// progress at process start.
func (c *Coordinator) RehydrateOngoing(ctx context.Context) error {
	games, err := c.store.ListOngoing(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(games))
	for i := range games {
		ids = append(ids, games[i].SessionID)
		for color, pm := range games[i].QueuedPremoves {
			c.premoves.Set(games[i].SessionID, color, pm)
		}
	}
	c.premoves.Rehydrate(ids)
	log.Printf("coordinator: rehydrated %d ongoing game(s)", len(ids))
	return nil
}

func requirePlayer(g *model.Game, userID string) (model.Color, error) {
	color := g.PlayerColor(userID)
	if color == model.NoColor {
		return model.NoColor, ErrNotAPlayer
	}
	return color, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

// queuedPremovesPatch snapshots the in-memory premove queue for a game
// into the shape the store's shadow copy persists. Always writing the full
// sub-document instead of a single color key sidesteps BSON null-decode
// pitfalls when a slot is cleared.
func (c *Coordinator) queuedPremovesPatch(gameID string) bson.M {
	m := bson.M{}
	if pm, ok := c.premoves.Get(gameID, model.White); ok {
		m["white"] = pm
	}
	if pm, ok := c.premoves.Get(gameID, model.Black); ok {
		m["black"] = pm
	}
	return bson.M{"queuedPremoves": m}
}

// persistAsync schedules a narrow FieldPatch off the critical section's
// latency path. Failures are logged and a best-effort "sync error"
// notification goes to notifyRoom: the mover's user room for
// player-initiated writes, the game room where no single player owns the
// write. In-memory state stays authoritative. Broadcast-before-persist is
// deliberate, not an oversight; do not flip it to persist-first.
func (c *Coordinator) persistAsync(gameID string, patch bson.M, notifyRoom string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.FieldPatch(ctx, gameID, patch); err != nil {
			log.Printf("coordinator: async field patch failed for %s: %v", gameID, err)
			c.fab.Emit(notifyRoom, EventError, map[string]string{"message": "sync error"})
		}
	}()
}

// recordMoveAsync appends one ply to the moves collection for history
// read-back, off the hot path like every other durable write here.
func (c *Coordinator) recordMoveAsync(g *model.Game, color model.Color, from, to, promotion, notation string, moveNumber int) {
	mv := &model.Move{
		GameID:     g.ID,
		SessionID:  g.SessionID,
		PlayerID:   g.PlayerForColor(color),
		MoveNumber: moveNumber,
		From:       from,
		To:         to,
		Notation:   notation,
		Promotion:  promotion,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.AppendMove(ctx, mv); err != nil {
			log.Printf("coordinator: failed to record move for %s: %v", mv.SessionID, err)
		}
	}()
}

// commitTermination performs the exactly-once termination latch: only the
// caller whose ConditionalUpdate reports a match owns the transition, and
// with it the game_over emission and the stats hook.
func (c *Coordinator) commitTermination(ctx context.Context, gameID string, predicate bson.M, result model.Result, reason model.ResultReason) (bool, error) {
	patch := bson.M{
		"status":            model.StatusCompleted,
		"result":            result,
		"resultReason":      reason,
		"clock.activeColor": model.NoColor,
		"queuedPremoves":    bson.M{},
		"completedAt":       time.Now(),
	}
	if reason != model.ReasonCancelledFirstMoveTimeout {
		patch["statsApplied"] = true
	}

	_, err := c.store.ConditionalUpdate(ctx, gameID, predicate, patch)
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
