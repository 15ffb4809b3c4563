package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chessmata-core/internal/model"
)

// ErrConflict is returned by ConditionalUpdate when the predicate no
// longer matches the stored document because another writer got there
// first. Callers treat this as having lost the race to that writer and do
// not retry.
var ErrConflict = errors.New("store: conditional update did not match")

// ErrNotFound mirrors mongo.ErrNoDocuments without leaking the driver type.
var ErrNotFound = errors.New("store: game not found")

type GameStore struct {
	mongo *Mongo
}

func NewGameStore(m *Mongo) *GameStore {
	return &GameStore{mongo: m}
}

// Create inserts a brand new game document.
func (s *GameStore) Create(ctx context.Context, g *model.Game) error {
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now
	_, err := s.mongo.Games().InsertOne(ctx, g)
	return err
}

// Load fetches a game by its session id.
func (s *GameStore) Load(ctx context.Context, sessionID string) (*model.Game, error) {
	var g model.Game
	err := s.mongo.Games().FindOne(ctx, bson.M{"sessionId": sessionID}).Decode(&g)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ConditionalUpdate is the exactly-once termination latch: patch is
// applied only if predicate still matches the stored document, atomically,
// via FindOneAndUpdate. It returns the document as it looked the instant
// before the patch applied, or ErrConflict if predicate no longer held.
func (s *GameStore) ConditionalUpdate(ctx context.Context, sessionID string, predicate bson.M, patch bson.M) (*model.Game, error) {
	filter := bson.M{"sessionId": sessionID}
	for k, v := range predicate {
		filter[k] = v
	}
	patch["updatedAt"] = time.Now()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	var before model.Game
	err := s.mongo.Games().FindOneAndUpdate(ctx, filter, bson.M{"$set": patch}, opts).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &before, nil
}

// FieldPatch is an unconditional partial update for fields that don't
// participate in the termination race (disconnect bookkeeping, board state
// cache, premove-queue mirrors kept for read convenience).
func (s *GameStore) FieldPatch(ctx context.Context, sessionID string, patch bson.M) error {
	patch["updatedAt"] = time.Now()
	res, err := s.mongo.Games().UpdateOne(ctx, bson.M{"sessionId": sessionID}, bson.M{"$set": patch})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMove records one ply in the moves collection for history
// read-back.
func (s *GameStore) AppendMove(ctx context.Context, mv *model.Move) error {
	mv.CreatedAt = time.Now()
	_, err := s.mongo.Moves().InsertOne(ctx, mv)
	return err
}

// ListMoves returns the recorded plies for a game in order.
func (s *GameStore) ListMoves(ctx context.Context, sessionID string) ([]model.Move, error) {
	opts := options.Find().SetSort(bson.D{{Key: "moveNumber", Value: 1}})
	cur, err := s.mongo.Moves().Find(ctx, bson.M{"sessionId": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var moves []model.Move
	if err := cur.All(ctx, &moves); err != nil {
		return nil, err
	}
	return moves, nil
}

// ListOngoing returns every game still in progress, used both by the
// coordinator's premove-queue rehydration on startup and the watcher's
// crash-recovery sweep.
func (s *GameStore) ListOngoing(ctx context.Context) ([]model.Game, error) {
	cur, err := s.mongo.Games().Find(ctx, bson.M{"status": model.StatusOngoing})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var games []model.Game
	if err := cur.All(ctx, &games); err != nil {
		return nil, err
	}
	return games, nil
}
