package fabric

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	gameRoomPrefix = "game:"
	userRoomPrefix = "user:"

	// onlineRoom is the node-wide room every connection joins at handshake,
	// the fanout target for online_count.
	onlineRoom = "online"
)

// EventOnlineCount is emitted to every connection on this node whenever
// the node's connection count changes. The count is per-node; a
// cluster-wide figure would need the presence collection and isn't worth a
// store round trip per handshake.
const EventOnlineCount = "online_count"

func GameRoom(gameID string) string { return gameRoomPrefix + gameID }
func UserRoom(userID string) string { return userRoomPrefix + userID }

// presenceDoc tracks, per node, which users currently hold a live
// connection in a game room, so a disconnect check run on one node can see
// a connection that is actually live on another. Written on join and
// cleared on drain the same way store.Lock's TTL document is written and
// released, with the TTL index existing purely as a crash backstop for a
// node that died before it could clear its own rows.
type presenceDoc struct {
	Room      string    `bson:"room"`
	UserID    string    `bson:"userId"`
	MachineID string    `bson:"machineId"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// Fabric is the session fabric: join/emit/count over rooms, backed by an
// in-process Hub, a cross-node Bus for event fanout, and a presence
// collection for cross-node liveness checks.
type Fabric struct {
	hub       *Hub
	bus       *Bus
	presence  *mongo.Collection
	machineID string
	online    int64

	// OnGameRoomDrained fires when the last connection belonging to a user
	// leaves a game room on this node. The coordinator wires this to arm a
	// disconnect marker; the fabric itself has no notion of "is this user a
	// player".
	OnGameRoomDrained func(gameID, userID string)

	// OnMessage fires once per inbound client frame, after the connection
	// has joined its user room. The transport-level gateway wires this to
	// decode {type,payload} and dispatch to the game coordinator; the
	// fabric itself is payload-agnostic.
	OnMessage func(c *Client, raw []byte)
}

func New(wsEventsCollection, presenceCollection *mongo.Collection) *Fabric {
	hub := NewHub()
	f := &Fabric{hub: hub, presence: presenceCollection, machineID: generateMachineID()}
	f.bus = NewBus(wsEventsCollection, func(room string, message []byte) {
		hub.emitLocal(room, message)
	})
	return f
}

// EnsureIndexes provisions the TTL indexes the cross-node bus and the
// presence collection rely on. A no-op in local-only mode (nil
// collections).
func (f *Fabric) EnsureIndexes(ctx context.Context) error {
	if err := f.bus.EnsureIndexes(ctx); err != nil {
		return err
	}
	if f.presence == nil {
		return nil
	}
	_, err := f.presence.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "updatedAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(300).SetName("ttl_updatedAt_300s"),
	})
	return err
}

func (f *Fabric) Run() {
	go f.hub.Run()
	f.bus.Start()
}

func (f *Fabric) Shutdown() {
	f.bus.Stop()
}

// Connect upgrades an HTTP request to a WebSocket and joins the caller's
// user room. Callers join game rooms explicitly via Join on join_game.
func (f *Fabric) Connect(w http.ResponseWriter, r *http.Request, userID string) (*Client, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := newClient(f.hub, conn, userID)
	go c.writePump()
	go c.readPump(f.handleDisconnect, func(raw []byte) {
		if f.OnMessage != nil {
			f.OnMessage(c, raw)
		}
	})
	f.Join(c, UserRoom(userID))
	f.hub.join(c, onlineRoom)
	f.emitOnlineCount(atomic.AddInt64(&f.online, 1))
	return c, nil
}

// emitOnlineCount is local-only on purpose: each node reports its own count,
// so it bypasses the cross-node bus Emit would publish through.
func (f *Fabric) emitOnlineCount(count int64) {
	msg, err := marshalEnvelope(EventOnlineCount, map[string]int64{"count": count})
	if err != nil {
		return
	}
	f.hub.emitLocal(onlineRoom, msg)
}

// Join registers c in room and, for a game room, marks this node present
// for c's user so other nodes' liveness checks can see the connection.
func (f *Fabric) Join(c *Client, room string) {
	f.hub.join(c, room)
	if strings.HasPrefix(room, gameRoomPrefix) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		f.markPresent(ctx, room, c.UserID)
	}
}

// Leave removes c from room via the same drain-check handleDisconnect
// uses, so a deliberate leave_game event has the same effect on presence
// and on OnGameRoomDrained as the socket actually closing.
func (f *Fabric) Leave(c *Client, room string) {
	f.drainRoom(c, room)
}

// Emit marshals payload under event and fans it out locally and, if a bus
// is attached, to every other node in the cluster.
func (f *Fabric) Emit(room, event string, payload interface{}) {
	msg, err := marshalEnvelope(event, payload)
	if err != nil {
		log.Printf("fabric: failed to marshal %s for %s: %v", event, room, err)
		return
	}
	f.hub.emitLocal(room, msg)
	if f.bus != nil {
		go f.bus.Publish(room, msg)
	}
}

func (f *Fabric) Count(room string) int {
	return f.hub.count(room)
}

// EmitTo marshals payload under event and writes it to exactly one
// socket, never the room: acks and game_state on join.
func (f *Fabric) EmitTo(c *Client, event string, payload interface{}) {
	msg, err := marshalEnvelope(event, payload)
	if err != nil {
		log.Printf("fabric: failed to marshal %s for direct send: %v", event, err)
		return
	}
	c.Send(msg)
}

// HasLiveConnection reports whether userID has any connection in room,
// anywhere in the cluster: a fast local check against this node's Hub,
// falling back to the presence collection for every other node's rows. In
// local-only mode (nil presence collection) this degrades to the local
// check.
func (f *Fabric) HasLiveConnection(ctx context.Context, room, userID string) bool {
	if f.hub.hasUser(room, userID) {
		return true
	}
	if f.presence == nil {
		return false
	}
	count, err := f.presence.CountDocuments(ctx, bson.M{"room": room, "userId": userID}, options.Count().SetLimit(1))
	if err != nil {
		log.Printf("fabric: presence lookup failed for %s/%s: %v", room, userID, err)
		return false
	}
	return count > 0
}

func (f *Fabric) markPresent(ctx context.Context, room, userID string) {
	if f.presence == nil {
		return
	}
	filter := bson.M{"room": room, "userId": userID, "machineId": f.machineID}
	update := bson.M{"$set": presenceDoc{Room: room, UserID: userID, MachineID: f.machineID, UpdatedAt: time.Now()}}
	if _, err := f.presence.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		log.Printf("fabric: failed to mark presence for %s/%s: %v", room, userID, err)
	}
}

func (f *Fabric) clearPresence(ctx context.Context, room, userID string) {
	if f.presence == nil {
		return
	}
	filter := bson.M{"room": room, "userId": userID, "machineId": f.machineID}
	if _, err := f.presence.DeleteOne(ctx, filter); err != nil {
		log.Printf("fabric: failed to clear presence for %s/%s: %v", room, userID, err)
	}
}

// drainRoom removes c from room and, if that was the last local connection
// of c's user in the room, clears this node's presence marker and fires
// OnGameRoomDrained. Shared by an explicit leave_game event and by the
// socket-close path so both have the same effect.
func (f *Fabric) drainRoom(c *Client, room string) {
	f.hub.leave(c, room)
	if !strings.HasPrefix(room, gameRoomPrefix) {
		return
	}
	if f.hub.hasUser(room, c.UserID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	f.clearPresence(ctx, room, c.UserID)

	if f.OnGameRoomDrained != nil {
		gameID := strings.TrimPrefix(room, gameRoomPrefix)
		f.OnGameRoomDrained(gameID, c.UserID)
	}
}

func (f *Fabric) handleDisconnect(c *Client) {
	for _, room := range c.Rooms() {
		f.drainRoom(c, room)
	}
	f.emitOnlineCount(atomic.AddInt64(&f.online, -1))
}
