package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"chessmata-core/internal/config"
	"chessmata-core/internal/fabric"
	"chessmata-core/internal/model"
	"chessmata-core/internal/premove"
	"chessmata-core/internal/store"
)

// fakeStore is an in-memory stand-in for *store.GameStore, letting the
// coordinator's orchestration logic (exactly-once termination, turn-flip
// premove execution, draw/rematch bookkeeping) be exercised without a
// running MongoDB.
type fakeStore struct {
	mu    sync.Mutex
	games map[string]*model.Game
}

func newFakeStore() *fakeStore {
	return &fakeStore{games: make(map[string]*model.Game)}
}

func (f *fakeStore) Create(ctx context.Context, g *model.Game) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *g
	f.games[g.SessionID] = &cp
	return nil
}

func (f *fakeStore) Load(ctx context.Context, sessionID string) (*model.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (f *fakeStore) ConditionalUpdate(ctx context.Context, sessionID string, predicate, patch bson.M) (*model.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	for k, want := range predicate {
		if !fakeMatches(g, k, want) {
			return nil, store.ErrConflict
		}
	}
	before := *g
	fakeApplyPatch(g, patch)
	return &before, nil
}

func (f *fakeStore) FieldPatch(ctx context.Context, sessionID string, patch bson.M) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	fakeApplyPatch(g, patch)
	return nil
}

func (f *fakeStore) AppendMove(ctx context.Context, mv *model.Move) error {
	return nil
}

func (f *fakeStore) ListOngoing(ctx context.Context) ([]model.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Game
	for _, g := range f.games {
		if g.Status == model.StatusOngoing {
			out = append(out, *g)
		}
	}
	return out, nil
}

func fakeMatches(g *model.Game, key string, want interface{}) bool {
	switch key {
	case "status":
		return g.Status == want.(model.Status)
	case "disconnectedPlayerId":
		return g.DisconnectedPlayerID == want.(string)
	}
	return false
}

func fakeApplyPatch(g *model.Game, patch bson.M) {
	for k, v := range patch {
		switch k {
		case "status":
			g.Status = v.(model.Status)
		case "result":
			g.Result = v.(model.Result)
		case "resultReason":
			g.ResultReason = v.(model.ResultReason)
		case "clock.activeColor":
			g.Clock.ActiveColor = v.(model.Color)
		case "clock":
			g.Clock = v.(model.ClockSnapshot)
		case "history":
			g.History = v.([]string)
		case "boardState":
			g.BoardState = v.(string)
		case "statsApplied":
			g.StatsApplied = v.(bool)
		case "disconnectedPlayerId":
			g.DisconnectedPlayerID = v.(string)
		case "disconnectDeadlineMs":
			g.DisconnectDeadlineMs = fakeToInt64(v)
		case "blackPlayerId":
			g.BlackPlayerID = v.(string)
		case "clock.firstMoveDeadlineMs":
			g.Clock.FirstMoveDeadlineMs = fakeToInt64(v)
		case "pendingDrawOfferFrom":
			g.PendingDrawOfferFrom = v.(model.Color)
		case "whiteDrawOffers":
			g.WhiteDrawOffers = v.(int)
		case "blackDrawOffers":
			g.BlackDrawOffers = v.(int)
		case "rematchOfferFrom":
			g.RematchOfferFrom = v.(model.Color)
		case "rematchDeclined":
			g.RematchDeclined = v.(bool)
		case "nextGameId":
			g.NextGameID = v.(string)
		}
		// "queuedPremoves", "completedAt", "updatedAt": not mirrored onto the
		// fake's model.Game fields. The coordinator never reads them back
		// during the same process lifetime; only the real store rehydrates
		// queuedPremoves on reload.
	}
}

func fakeToInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	fab := fabric.New(nil, nil)
	fab.Run()
	t.Cleanup(fab.Shutdown)
	c := &Coordinator{
		store:    fs,
		premoves: premove.New(),
		fab:      fab,
		cfg:      config.GameConfig{},
		entries:  make(map[string]*gameEntry),
	}
	return c, fs
}

func seedGame(fs *fakeStore, white, black string) *model.Game {
	g := model.NewGame(model.NewGameID(), white, black, model.TimeControl{BaseMs: 5 * 60_000, IncrementMs: 0})
	fs.games[g.SessionID] = g
	return g
}

func TestMakeMove_HappyPathFlipsTurn(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	got, err := c.MakeMove(context.Background(), MakeMoveInput{
		GameID: g.SessionID, UserID: "white-1", From: "e2", To: "e4",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.History) != 1 || got.History[0] != "e2e4" {
		t.Fatalf("expected history [e2e4], got %v", got.History)
	}
	if got.Clock.ActiveColor != model.Black {
		t.Fatalf("expected active color black after white's first move, got %s", got.Clock.ActiveColor)
	}
}

func TestMakeMove_RejectsWrongTurn(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	_, err := c.MakeMove(context.Background(), MakeMoveInput{
		GameID: g.SessionID, UserID: "black-1", From: "e7", To: "e5",
	})
	if err != ErrWrongTurn {
		t.Fatalf("expected ErrWrongTurn, got %v", err)
	}
}

func TestMakeMove_RejectsIllegalMove(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	_, err := c.MakeMove(context.Background(), MakeMoveInput{
		GameID: g.SessionID, UserID: "white-1", From: "e2", To: "e5",
	})
	if err != ErrIllegalMove {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
}

// TestMakeMove_QueuedPremoveFiresOnTurnFlip checks that a legal premove
// set while waiting for the opponent executes exactly once, the instant
// the turn flips back.
func TestMakeMove_QueuedPremoveFiresOnTurnFlip(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	if _, err := c.SetPremove(context.Background(), g.SessionID, "black-1", "e7", "e5", "", "trace-1"); err != nil {
		t.Fatalf("unexpected error queueing premove: %v", err)
	}

	got, err := c.MakeMove(context.Background(), MakeMoveInput{
		GameID: g.SessionID, UserID: "white-1", From: "e2", To: "e4",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.History) != 2 || got.History[0] != "e2e4" || got.History[1] != "e7e5" {
		t.Fatalf("expected premove to execute immediately after the triggering move, got history %v", got.History)
	}
	if got.Clock.ActiveColor != model.White {
		t.Fatalf("expected turn back to white after premove executes, got %s", got.Clock.ActiveColor)
	}
	if _, ok := c.premoves.Get(g.SessionID, model.Black); ok {
		t.Fatalf("expected queued premove to be cleared after executing")
	}
}

// TestMakeMove_IllegalPremoveIsRejectedNotCrashed checks that a premove
// which becomes illegal by the time it's the queuing player's turn is
// cleared with a rejection rather than corrupting game state; legality is
// decided only at execution.
func TestMakeMove_IllegalPremoveIsRejectedNotCrashed(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	// Black's own king can never legally step onto e7 while its own pawn
	// still occupies it, illegal in every reachable position after one
	// white move, so this premove is guaranteed to be rejected at execution.
	if _, err := c.SetPremove(context.Background(), g.SessionID, "black-1", "e8", "e7", "", ""); err != nil {
		t.Fatalf("unexpected error queueing premove: %v", err)
	}

	got, err := c.MakeMove(context.Background(), MakeMoveInput{
		GameID: g.SessionID, UserID: "white-1", From: "e2", To: "e4",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.History) != 1 {
		t.Fatalf("expected the illegal premove not to be appended to history, got %v", got.History)
	}
	if _, ok := c.premoves.Get(g.SessionID, model.Black); ok {
		t.Fatalf("expected rejected premove to be cleared")
	}
}

// TestResign_ExactlyOnceTermination checks that a second terminal
// operation against an already-completed game is rejected, never
// double-counted.
func TestResign_ExactlyOnceTermination(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	applied := 0
	c.SetStatsHook(func(*model.Game) { applied++ })

	if _, err := c.Resign(context.Background(), g.SessionID, "white-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Resign(context.Background(), g.SessionID, "white-1"); err != ErrGameCompleted {
		t.Fatalf("expected second resign to be rejected, got %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected stats hook to fire exactly once, fired %d times", applied)
	}

	stored := fs.games[g.SessionID]
	if stored.Result != model.ResultBlack || stored.ResultReason != model.ReasonResignation {
		t.Fatalf("expected black to win by resignation, got result=%s reason=%s", stored.Result, stored.ResultReason)
	}
}

func TestOfferDraw_CapEnforcedAfterTwoOffers(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	if err := c.OfferDraw(context.Background(), g.SessionID, "white-1"); err != nil {
		t.Fatalf("first offer: unexpected error: %v", err)
	}
	if err := c.RejectDraw(context.Background(), g.SessionID, "black-1"); err != nil {
		t.Fatalf("first reject: unexpected error: %v", err)
	}
	if err := c.OfferDraw(context.Background(), g.SessionID, "white-1"); err != nil {
		t.Fatalf("second offer: unexpected error: %v", err)
	}
	if err := c.RejectDraw(context.Background(), g.SessionID, "black-1"); err != nil {
		t.Fatalf("second reject: unexpected error: %v", err)
	}
	if err := c.OfferDraw(context.Background(), g.SessionID, "white-1"); err != ErrDrawOfferCapped {
		t.Fatalf("expected third offer to hit the cap, got %v", err)
	}
}

func TestAcceptDraw_RejectsOwnOffer(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	if err := c.OfferDraw(context.Background(), g.SessionID, "white-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.AcceptDraw(context.Background(), g.SessionID, "white-1"); err != ErrNotOpponentsOffer {
		t.Fatalf("expected ErrNotOpponentsOffer, got %v", err)
	}
	got, err := c.AcceptDraw(context.Background(), g.SessionID, "black-1")
	if err != nil {
		t.Fatalf("unexpected error accepting opponent's offer: %v", err)
	}
	if got.Result != model.ResultDraw || got.ResultReason != model.ReasonDrawAgreed {
		t.Fatalf("expected agreed draw, got result=%s reason=%s", got.Result, got.ResultReason)
	}
}

func TestCancelEarly_WindowClosesAfterTwoPlies(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	if _, err := c.MakeMove(context.Background(), MakeMoveInput{GameID: g.SessionID, UserID: "white-1", From: "e2", To: "e4"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.MakeMove(context.Background(), MakeMoveInput{GameID: g.SessionID, UserID: "black-1", From: "e7", To: "e5"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.CancelEarly(context.Background(), g.SessionID, "white-1"); err != ErrCancelWindowClosed {
		t.Fatalf("expected ErrCancelWindowClosed, got %v", err)
	}
}

func TestRematch_SwapsColorsAndIsIdempotent(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	if _, err := c.Resign(context.Background(), g.SessionID, "white-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.OfferRematch(context.Background(), g.SessionID, "black-1"); err != nil {
		t.Fatalf("unexpected error offering rematch: %v", err)
	}
	newID, err := c.AcceptRematch(context.Background(), g.SessionID, "white-1")
	if err != nil {
		t.Fatalf("unexpected error accepting rematch: %v", err)
	}
	if newID == "" {
		t.Fatalf("expected a new game id")
	}
	newGame, ok := fs.games[newID]
	if !ok {
		t.Fatalf("expected new game to be persisted")
	}
	if newGame.WhitePlayerID != "black-1" || newGame.BlackPlayerID != "white-1" {
		t.Fatalf("expected colors swapped, got white=%s black=%s", newGame.WhitePlayerID, newGame.BlackPlayerID)
	}

	again, err := c.AcceptRematch(context.Background(), g.SessionID, "white-1")
	if err != nil {
		t.Fatalf("unexpected error on repeated accept: %v", err)
	}
	if again != newID {
		t.Fatalf("expected idempotent accept to return the same new game id")
	}
}

// TestConcurrentTerminators_ExactlyOnce launches several terminal operations
// at once (both resignations plus an early cancel) and asserts the
// conditionalUpdate latch lets exactly one of them own the transition.
func TestConcurrentTerminators_ExactlyOnce(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	var applied int32
	c.SetStatsHook(func(gm *model.Game) {
		// CancelEarly aborts, which never fires the hook, so any firing here
		// came from a resignation.
		atomic.AddInt32(&applied, 1)
	})

	var wg sync.WaitGroup
	ops := []func(){
		func() { c.Resign(context.Background(), g.SessionID, "white-1") },
		func() { c.Resign(context.Background(), g.SessionID, "black-1") },
		func() { c.CancelEarly(context.Background(), g.SessionID, "white-1") },
	}
	for _, op := range ops {
		wg.Add(1)
		go func(fn func()) {
			defer wg.Done()
			fn()
		}(op)
	}
	wg.Wait()

	stored := fs.games[g.SessionID]
	if stored.Status != model.StatusCompleted {
		t.Fatalf("expected the game completed, got %s", stored.Status)
	}
	if stored.Result == model.ResultNone {
		t.Fatalf("expected exactly one terminator to set a result")
	}
	if n := atomic.LoadInt32(&applied); n > 1 {
		t.Fatalf("stats hook fired %d times, want at most once", n)
	}
}

func TestSetPremove_RejectedOnCallersTurn(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	// It's white's move in the starting position, so white cannot premove.
	if _, err := c.SetPremove(context.Background(), g.SessionID, "white-1", "e2", "e4", "", ""); err != ErrInvalidPremove {
		t.Fatalf("expected ErrInvalidPremove on caller's own turn, got %v", err)
	}
}

func TestSetPremove_ShapeValidationOnly(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	// Same-square premove is malformed regardless of position.
	if _, err := c.SetPremove(context.Background(), g.SessionID, "black-1", "e7", "e7", "", ""); err != ErrInvalidPremove {
		t.Fatalf("expected ErrInvalidPremove for from==to, got %v", err)
	}
	// A chess-illegal but well-formed premove is accepted at set time;
	// legality is decided only at execution.
	if _, err := c.SetPremove(context.Background(), g.SessionID, "black-1", "e8", "e7", "", ""); err != nil {
		t.Fatalf("expected shape-valid premove accepted regardless of legality, got %v", err)
	}
}

func TestCancelPremove_RoundTripsToEmpty(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	if _, err := c.SetPremove(context.Background(), g.SessionID, "black-1", "d7", "d5", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.CancelPremove(context.Background(), g.SessionID, "black-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.premoves.Get(g.SessionID, model.Black); ok {
		t.Fatalf("expected slot empty after cancel")
	}
	// Cancelling an already-empty slot stays a no-op.
	if err := c.CancelPremove(context.Background(), g.SessionID, "black-1"); err != nil {
		t.Fatalf("expected idempotent cancel, got %v", err)
	}
}

func TestSeatOpponent_FillsBlackSeatOnce(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "")

	got, err := c.SeatOpponent(context.Background(), g.SessionID, "black-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.BlackPlayerID != "black-1" {
		t.Fatalf("expected black seat filled, got %q", got.BlackPlayerID)
	}
	if got.Clock.FirstMoveDeadlineMs == 0 {
		t.Fatalf("expected first-move deadline armed on seating")
	}
	if _, err := c.SeatOpponent(context.Background(), g.SessionID, "intruder"); err != ErrSeatTaken {
		t.Fatalf("expected ErrSeatTaken for a third player, got %v", err)
	}
	// Re-joining as either existing player is idempotent.
	if _, err := c.SeatOpponent(context.Background(), g.SessionID, "black-1"); err != nil {
		t.Fatalf("expected idempotent rejoin, got %v", err)
	}
}

func TestJoinGame_ClearsReconnectLatch(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")
	g.DisconnectedPlayerID = "black-1"
	g.DisconnectDeadlineMs = 9_999_999_999_999
	fs.games[g.SessionID] = g

	_, reconnected, err := c.JoinGame(context.Background(), g.SessionID, "black-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reconnected {
		t.Fatalf("expected reconnect to be reported")
	}
	if fs.games[g.SessionID].DisconnectedPlayerID != "" {
		t.Fatalf("expected disconnect marker cleared in the store")
	}
}
