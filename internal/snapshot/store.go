// Package snapshot implements the durable snapshot store the lifecycle
// worker periodically syncs the shared state store against. The
// collaborator interface is intentionally a small key-value surface;
// this package supplies one concrete mongo-driver backed implementation.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Record is one durable room snapshot: the room id and its serialized
// blob, as stored under room:<id> in the shared state store.
type Record struct {
	ID   string `bson:"_id"`
	Data []byte `bson:"data"`
}

// Store is the durable snapshot store collaborator interface the
// lifecycle worker consumes.
type Store interface {
	// UpsertMany writes records with upsert semantics; callers batch
	// calls themselves.
	UpsertMany(ctx context.Context, records []Record) error
	// All streams every durable record back, for reverse sync.
	All(ctx context.Context) (Cursor, error)
}

// Cursor iterates durable records without loading them all into memory
// at once.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode() (Record, error)
	Close(ctx context.Context) error
	Err() error
}

// MongoStore is the mongo-driver backed Store implementation.
type MongoStore struct {
	collection *mongo.Collection
}

// Connect dials uri and returns a MongoStore using the "rooms_snapshot"
// collection of the "syncwatch" database. Callers that leave MONGODB_URI unset should skip
// calling Connect entirely; snapshotting is then disabled.
func Connect(ctx context.Context, uri string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("snapshot: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("snapshot: ping: %w", err)
	}
	return &MongoStore{collection: client.Database("syncwatch").Collection("rooms_snapshot")}, nil
}

// UpsertMany writes records in a single bulk-write call.
func (m *MongoStore) UpsertMany(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": r.ID}).
			SetUpdate(bson.M{"$set": bson.M{"data": r.Data}}).
			SetUpsert(true))
	}
	_, err := m.collection.BulkWrite(ctx, models)
	if err != nil {
		return fmt.Errorf("snapshot: bulk upsert: %w", err)
	}
	return nil
}

// All opens a streaming cursor over every durable record.
func (m *MongoStore) All(ctx context.Context) (Cursor, error) {
	cur, err := m.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("snapshot: find: %w", err)
	}
	return &mongoCursor{cur: cur}, nil
}

type mongoCursor struct {
	cur *mongo.Cursor
}

func (c *mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }

func (c *mongoCursor) Decode() (Record, error) {
	var r Record
	err := c.cur.Decode(&r)
	return r, err
}

func (c *mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

func (c *mongoCursor) Err() error { return c.cur.Err() }
