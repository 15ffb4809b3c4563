package fabric

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRoomNaming(t *testing.T) {
	if GameRoom("abc") != "game:abc" {
		t.Fatalf("unexpected game room name: %s", GameRoom("abc"))
	}
	if UserRoom("u1") != "user:u1" {
		t.Fatalf("unexpected user room name: %s", UserRoom("u1"))
	}
}

func TestFabric_EmitWithNoSubscribersDoesNotBlock(t *testing.T) {
	f := New(nil, nil)
	f.Run()
	defer f.Shutdown()

	// No client has joined "game:nope"; Emit must return without blocking
	// even though the hub's internal channel exchange is asynchronous.
	done := make(chan struct{})
	go func() {
		f.Emit("game:nope", "move_made", map[string]string{"move": "e2e4"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Emit blocked with no subscribers")
	}
}

// TestLeave_FiresOnGameRoomDrainedSameAsDisconnect guards against Leave
// being a bare unregister with no drain-check: an explicit leave_game event
// must have the same observable effect (OnGameRoomDrained firing) as the
// socket actually closing.
func TestLeave_FiresOnGameRoomDrainedSameAsDisconnect(t *testing.T) {
	f := New(nil, nil)
	f.Run()
	defer f.Shutdown()

	drained := make(chan string, 1)
	f.OnGameRoomDrained = func(gameID, userID string) {
		drained <- gameID + "/" + userID
	}

	clientCh := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := f.Connect(w, r, "u1")
		if err != nil {
			return
		}
		f.Join(c, GameRoom("g1"))
		clientCh <- c
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	var c *Client
	select {
	case c = <-clientCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the server-side client")
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.Count(GameRoom("g1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for join to register")
		}
		time.Sleep(time.Millisecond)
	}

	// Call Leave directly, the same way gateway.leaveGame does on an
	// explicit leave_game event; the socket itself stays open.
	f.Leave(c, GameRoom("g1"))

	select {
	case got := <-drained:
		if got != "g1/u1" {
			t.Fatalf("unexpected drain payload: %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OnGameRoomDrained")
	}
}

func TestBus_LocalOnlyModeIsNoop(t *testing.T) {
	b := NewBus(nil, func(room string, message []byte) {
		t.Fatalf("onRemote should never fire in local-only mode")
	})
	b.Start()
	b.Publish("game:x", []byte("hi"))
	b.Stop()
}
