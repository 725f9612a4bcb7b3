package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore is a MongoDB implementation of ThreadStore.
// Each thread is one document; history is bounded with $push/$slice.
type MongoDBStore struct {
	client      *mongo.Client
	database    *mongo.Database
	collection  *mongo.Collection
	locks       *ThreadLocks
	maxMessages int
}

// MongoDBStoreConfig holds configuration for MongoDBStore
type MongoDBStoreConfig struct {
	URI         string // MongoDB connection URI (e.g., "mongodb://localhost:27017")
	Database    string // Database name (default: "questmind")
	Collection  string // Collection name (default: "threads")
	MaxMessages int    // History bound per thread (default: DefaultMaxMessages)
}

// DefaultMongoDBStoreConfig returns default configuration
func DefaultMongoDBStoreConfig() MongoDBStoreConfig {
	return MongoDBStoreConfig{
		URI:         "mongodb://localhost:27017",
		Database:    "questmind",
		Collection:  "threads",
		MaxMessages: DefaultMaxMessages,
	}
}

// NewMongoDBStore connects to MongoDB and prepares the threads collection
func NewMongoDBStore(config MongoDBStoreConfig) (*MongoDBStore, error) {
	defaults := DefaultMongoDBStoreConfig()
	if config.URI == "" {
		config.URI = defaults.URI
	}
	if config.Database == "" {
		config.Database = defaults.Database
	}
	if config.Collection == "" {
		config.Collection = defaults.Collection
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(config.URI)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(config.Database)
	store := &MongoDBStore{
		client:      client,
		database:    database,
		collection:  database.Collection(config.Collection),
		locks:       NewThreadLocks(),
		maxMessages: maxMessagesOrDefault(config.MaxMessages),
	}

	if err := store.initIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	log.Log.Infof("[MongoDBStore] ✅ Connected | Database: %s | Collection: %s", config.Database, config.Collection)
	return store, nil
}

func (s *MongoDBStore) initIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "_id", Value: 1}, {Key: "learnings.key", Value: 1}}},
	})
	return err
}

// ensure upserts an empty thread document when the id is unseen
func (s *MongoDBStore) ensure(ctx context.Context, threadID string) error {
	now := time.Now().UTC()
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": threadID},
		bson.M{"$setOnInsert": bson.M{
			"messages":   bson.A{},
			"learnings":  bson.A{},
			"created_at": now,
			"updated_at": now,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to create thread %s: %w", threadID, err)
	}
	return nil
}

// Get retrieves the thread, creating it when absent
func (s *MongoDBStore) Get(ctx context.Context, threadID string) (*model.Thread, error) {
	threadID = model.ResolveThreadID(threadID)
	unlock := s.locks.Lock(threadID)
	defer unlock()

	if err := s.ensure(ctx, threadID); err != nil {
		return nil, err
	}

	var thread model.Thread
	if err := s.collection.FindOne(ctx, bson.M{"_id": threadID}).Decode(&thread); err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	if thread.Messages == nil {
		thread.Messages = []model.Message{}
	}
	if thread.Learnings == nil {
		thread.Learnings = []model.Learning{}
	}
	return &thread, nil
}

// Append pushes a message and keeps only the newest maxMessages
func (s *MongoDBStore) Append(ctx context.Context, threadID string, msg model.Message) error {
	threadID = model.ResolveThreadID(threadID)
	unlock := s.locks.Lock(threadID)
	defer unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	now := time.Now().UTC()
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": threadID},
		bson.M{
			"$push": bson.M{"messages": bson.M{
				"$each":  bson.A{msg},
				"$slice": -s.maxMessages,
			}},
			"$set":         bson.M{"updated_at": now},
			"$setOnInsert": bson.M{"learnings": bson.A{}, "created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to append message to %s: %w", threadID, err)
	}
	return nil
}

// AddLearning pushes the learning only when no entry with the same key exists
func (s *MongoDBStore) AddLearning(ctx context.Context, threadID string, text string) (bool, error) {
	text, ok := cleanLearning(text)
	if !ok {
		return false, nil
	}
	threadID = model.ResolveThreadID(threadID)
	unlock := s.locks.Lock(threadID)
	defer unlock()

	if err := s.ensure(ctx, threadID); err != nil {
		return false, err
	}

	learning := model.NewLearning(text)
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": threadID, "learnings.key": bson.M{"$ne": learning.Key}},
		bson.M{
			"$push": bson.M{"learnings": learning},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return false, fmt.Errorf("failed to add learning to %s: %w", threadID, err)
	}
	return res.ModifiedCount == 1, nil
}

// Close disconnects from MongoDB
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
