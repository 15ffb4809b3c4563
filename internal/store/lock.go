package store

import (
	"context"
	"log"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Lock is a cooperative, expiry-bounded distributed lock backed by an
// upsert-on-expired-or-absent filter. It's used by the timeout watcher's
// coarse crash-recovery sweep so only one node runs it at a time.
type Lock struct {
	mongo *Mongo
	name  string
	ttl   time.Duration
}

func NewLock(m *Mongo, name string, ttl time.Duration) *Lock {
	return &Lock{mongo: m, name: name, ttl: ttl}
}

// TryAcquire returns true if this process now holds the lock.
func (l *Lock) TryAcquire(ctx context.Context) bool {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	now := time.Now()
	filter := bson.M{
		"_id": l.name,
		"$or": []bson.M{
			{"lockedUntil": bson.M{"$exists": false}},
			{"lockedUntil": bson.M{"$lt": now}},
		},
	}
	update := bson.M{"$set": bson.M{
		"lockedUntil": now.Add(l.ttl),
		"lockedBy":    hostname,
		"lockedAt":    now,
	}}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err = l.mongo.CleanupLocks().FindOneAndUpdate(ctx, filter, update, opts).Err()
	return err == nil
}

// Release frees the lock early instead of waiting out the TTL.
func (l *Lock) Release(ctx context.Context) {
	_, err := l.mongo.CleanupLocks().UpdateOne(ctx,
		bson.M{"_id": l.name},
		bson.M{"$set": bson.M{"lockedUntil": time.Now()}},
	)
	if err != nil {
		log.Printf("lock %s: failed to release: %v", l.name, err)
	}
}
