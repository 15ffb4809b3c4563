package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chessmata-core/internal/fabric"
	"chessmata-core/internal/model"
)

func TestExpireFirstMoveDeadline_AbortsUnstartedGame(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")
	g.Clock.FirstMoveDeadlineMs = 1 // already elapsed relative to any real now()

	handled, err := c.ExpireFirstMoveDeadline(context.Background(), g.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handled {
		t.Fatalf("expected the expired first-move deadline to be handled")
	}
	stored := fs.games[g.SessionID]
	if stored.Status != model.StatusCompleted || stored.Result != model.ResultAborted {
		t.Fatalf("expected aborted completion, got status=%s result=%s", stored.Status, stored.Result)
	}
	if stored.ResultReason != model.ReasonCancelledFirstMoveTimeout {
		t.Fatalf("expected cancelled-first-move-timeout reason, got %s", stored.ResultReason)
	}
}

func TestExpireFirstMoveDeadline_NoopOnceMoveMade(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	if _, err := c.MakeMove(context.Background(), MakeMoveInput{GameID: g.SessionID, UserID: "white-1", From: "e2", To: "e4"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fs.games[g.SessionID].Clock.FirstMoveDeadlineMs = 1
	handled, err := c.ExpireFirstMoveDeadline(context.Background(), g.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Fatalf("expected no-op once a move has been made")
	}
}

func TestExpireFlagFall_CommitsTimeoutWithoutAMove(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")

	// Prime the clock as if white had already moved, with a tiny remaining
	// budget, then let the watcher catch the flag-fall on a tick rather than
	// a move ever arriving.
	g.Clock.ActiveColor = model.Black
	g.Clock.WhiteMs = 500_000
	g.Clock.BlackMs = 1
	g.Clock.LastMoveAtMs = 0

	handled, err := c.ExpireFlagFall(context.Background(), g.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handled {
		t.Fatalf("expected a flag-fall to be detected")
	}
	stored := fs.games[g.SessionID]
	if stored.Status != model.StatusCompleted || stored.Result != model.ResultWhite {
		t.Fatalf("expected white to win on black's flag fall, got status=%s result=%s", stored.Status, stored.Result)
	}
	if stored.ResultReason != model.ReasonTimeout {
		t.Fatalf("expected timeout reason, got %s", stored.ResultReason)
	}
}

func TestExpireDisconnect_CompletesAfterGraceWithNoLiveConnection(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")
	g.DisconnectedPlayerID = "black-1"
	g.DisconnectDeadlineMs = 1 // long elapsed

	handled, err := c.ExpireDisconnect(context.Background(), g.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handled {
		t.Fatalf("expected the disconnect timeout to be handled")
	}
	stored := fs.games[g.SessionID]
	if stored.Result != model.ResultWhite || stored.ResultReason != model.ReasonDisconnectTimeout {
		t.Fatalf("expected white to win by disconnect timeout, got result=%s reason=%s", stored.Result, stored.ResultReason)
	}
}

func TestReconcileReconnect_ClearsMarkerWhenConnectionIsLive(t *testing.T) {
	c, fs := newTestCoordinator(t)
	g := seedGame(fs, "white-1", "black-1")
	g.DisconnectedPlayerID = "black-1"
	g.DisconnectDeadlineMs = 1

	cleanup := dialIntoGameRoom(t, c.fab, g.SessionID, "black-1")
	defer cleanup()

	handled, err := c.ReconcileReconnect(context.Background(), g.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handled {
		t.Fatalf("expected the safety-net reconnect to fire")
	}
	if fs.games[g.SessionID].DisconnectedPlayerID != "" {
		t.Fatalf("expected disconnect marker cleared")
	}

	// A subsequent ExpireDisconnect call must now be a no-op: the marker is
	// gone.
	handled, err = c.ExpireDisconnect(context.Background(), g.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Fatalf("expected no-op after the marker was cleared")
	}
}

// dialIntoGameRoom spins up a real WebSocket connection against fab and
// joins it to gameID's room, so HasLiveConnection has something genuine to
// see. fabric.Client has no fake/stub constructor (hub.go requires a real
// *websocket.Conn), so this dials against an httptest server rather than
// fabricating a connection.
func dialIntoGameRoom(t *testing.T, fab *fabric.Fabric, gameID, userID string) (cleanup func()) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := fab.Connect(w, r, userID)
		if err != nil {
			return
		}
		fab.Join(client, fabric.GameRoom(gameID))
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("failed to dial test websocket server: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !fab.HasLiveConnection(context.Background(), fabric.GameRoom(gameID), userID) {
		if time.Now().After(deadline) {
			conn.Close()
			srv.Close()
			t.Fatalf("timed out waiting for %s to register as live in %s", userID, gameID)
		}
		time.Sleep(time.Millisecond)
	}

	return func() {
		conn.Close()
		srv.Close()
	}
}
