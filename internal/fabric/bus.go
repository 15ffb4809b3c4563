package fabric

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// wsEvent is the document stored for cross-node fanout: one event kind, a
// room broadcast originated by some node.
type wsEvent struct {
	ID              primitive.ObjectID `bson:"_id,omitempty"`
	OriginMachineID string             `bson:"originMachineId"`
	Room            string             `bson:"room"`
	Message         []byte             `bson:"message"`
	CreatedAt       time.Time          `bson:"createdAt"`
}

// Bus publishes local broadcasts to MongoDB and replicates remote ones
// back via Change Streams, so every node in a cluster sees every other
// node's WebSocket traffic without a separate message broker. A nil
// collection runs the bus in local-only mode.
type Bus struct {
	machineID  string
	collection *mongo.Collection
	onRemote   func(room string, message []byte)

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	running    bool
}

func NewBus(collection *mongo.Collection, onRemote func(room string, message []byte)) *Bus {
	return &Bus{machineID: generateMachineID(), collection: collection, onRemote: onRemote}
}

func generateMachineID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (b *Bus) EnsureIndexes(ctx context.Context) error {
	if b.collection == nil {
		return nil
	}
	_, err := b.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(60).SetName("ttl_createdAt_60s"),
	})
	return err
}

func (b *Bus) Start() {
	if b.collection == nil {
		log.Println("fabric bus: no collection configured, running local-only")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancelFunc = cancel
	b.running = true
	b.wg.Add(1)
	go b.watchLoop(ctx)
	log.Printf("fabric bus: started (machineId=%s)", b.machineID)
}

func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	if b.cancelFunc != nil {
		b.cancelFunc()
	}
	b.wg.Wait()
	log.Println("fabric bus: stopped")
}

// Publish fire-and-forgets a local broadcast to other nodes.
func (b *Bus) Publish(room string, message []byte) {
	if b.collection == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	doc := wsEvent{OriginMachineID: b.machineID, Room: room, Message: message, CreatedAt: time.Now()}
	if _, err := b.collection.InsertOne(ctx, doc); err != nil {
		log.Printf("fabric bus: publish failed: %v", err)
	}
}

func (b *Bus) watchLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		err := b.watch(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("fabric bus: change stream error, reconnecting in 2s: %v", err)
		time.Sleep(2 * time.Second)
	}
}

func (b *Bus) watch(ctx context.Context) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: "insert"}}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	cs, err := b.collection.Watch(ctx, pipeline, opts)
	if err != nil {
		return err
	}
	defer cs.Close(ctx)

	for cs.Next(ctx) {
		var changeDoc struct {
			FullDocument wsEvent `bson:"fullDocument"`
		}
		if err := cs.Decode(&changeDoc); err != nil {
			log.Printf("fabric bus: decode failed: %v", err)
			continue
		}
		ev := changeDoc.FullDocument
		if ev.OriginMachineID == b.machineID {
			continue
		}
		if b.onRemote != nil {
			b.onRemote(ev.Room, ev.Message)
		}
	}
	return cs.Err()
}
