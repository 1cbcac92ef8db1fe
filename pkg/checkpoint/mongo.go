package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/kaflow-ai/kaflow/pkg/config"
	"github.com/kaflow-ai/kaflow/pkg/graph"
)

// MongoSaver persists checkpoints in a MongoDB collection.
type MongoSaver struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

// NewMongoSaver connects to MongoDB, verifies the connection, and ensures
// the indexes the query paths depend on.
func NewMongoSaver(ctx context.Context, cfg config.CheckpointConfig) (*MongoSaver, error) {
	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("mongo_uri is required")
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	clientOpts := options.Client().ApplyURI(cfg.MongoURI)
	if cfg.MongoAuthSource != "" && clientOpts.Auth != nil && clientOpts.Auth.AuthSource == "" {
		clientOpts.Auth.AuthSource = cfg.MongoAuthSource
	}

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("MongoDB ping failed: %w", err)
	}

	s := &MongoSaver{
		client:     client,
		collection: client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection),
		timeout:    timeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	slog.Info("Connected to MongoDB checkpoint store",
		"database", cfg.MongoDatabase, "collection", cfg.MongoCollection)
	return s, nil
}

func (s *MongoSaver) ensureIndexes(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.collection.Indexes().CreateMany(opCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "checkpoint_id", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "username", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create checkpoint indexes: %w", err)
	}
	return nil
}

func (s *MongoSaver) Put(ctx context.Context, cp *Checkpoint) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{"thread_id": cp.ThreadID, "checkpoint_id": cp.ID}
	update := bson.M{
		"$set": bson.M{
			"parent_checkpoint_id": cp.ParentID,
			"checkpoint_data":      cp.State,
			"metadata":             cp.Metadata,
			"username":             cp.Username,
			"updated_at":           now,
		},
		"$setOnInsert": bson.M{"created_at": cp.CreatedAt},
	}

	_, err := s.collection.UpdateOne(opCtx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%s: %w", cp.ThreadID, cp.ID, err)
	}
	return nil
}

func (s *MongoSaver) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var cp Checkpoint
	err := s.collection.FindOne(opCtx,
		bson.M{"thread_id": threadID},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&cp)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		slog.Warn("Failed to read latest checkpoint", "thread_id", threadID, "error", err)
		return nil, nil
	}
	return &cp, nil
}

func (s *MongoSaver) FlatMessages(ctx context.Context, threadID string, page, size int, desc bool) ([]graph.Message, int, error) {
	latest, err := s.Latest(ctx, threadID)
	if err != nil || latest == nil || latest.State == nil {
		return nil, 0, nil
	}

	messages := dedupHumanMessages(latest.State.Messages)
	if desc {
		messages = reverseMessages(messages)
	}

	total := len(messages)
	start, end := paginate(total, page, size)
	return messages[start:end], total, nil
}

// threadGroup is the aggregation row shape for thread listings.
type threadGroup struct {
	ThreadID     string       `bson:"_id"`
	Username     string       `bson:"username"`
	FirstCreated time.Time    `bson:"first_created"`
	LastUpdated  time.Time    `bson:"last_updated"`
	LatestState  *graph.State `bson:"latest_state"`
}

func (s *MongoSaver) ThreadList(ctx context.Context, username string, page, size int) ([]ThreadInfo, int, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	match := bson.M{}
	if username != "" {
		match["username"] = username
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: 1}}}},
		bson.D{{Key: "$group", Value: bson.M{
			"_id":           "$thread_id",
			"username":      bson.M{"$first": "$username"},
			"first_created": bson.M{"$first": "$created_at"},
			"last_updated":  bson.M{"$last": "$updated_at"},
			"latest_state":  bson.M{"$last": "$checkpoint_data"},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "last_updated", Value: -1}}}},
	}

	cursor, err := s.collection.Aggregate(opCtx, pipeline)
	if err != nil {
		slog.Warn("Thread list aggregation failed", "error", err)
		return nil, 0, nil
	}
	defer func() { _ = cursor.Close(opCtx) }()

	var groups []threadGroup
	if err := cursor.All(opCtx, &groups); err != nil {
		slog.Warn("Thread list decode failed", "error", err)
		return nil, 0, nil
	}

	threads := make([]ThreadInfo, 0, len(groups))
	for _, g := range groups {
		info := ThreadInfo{
			ThreadID:     g.ThreadID,
			Username:     g.Username,
			ConfigID:     ConfigIDFromThreadID(g.ThreadID),
			FirstCreated: g.FirstCreated,
			LastUpdated:  g.LastUpdated,
		}
		if g.LatestState != nil {
			info.MessageCount = len(g.LatestState.Messages)
			info.FirstMessage = threadPreview(g.LatestState.Messages)
		}
		threads = append(threads, info)
	}

	total := len(threads)
	start, end := paginate(total, page, size)
	return threads[start:end], total, nil
}

func (s *MongoSaver) HistoryMessages(ctx context.Context, threadID string, page, size int) ([]HistoryEntry, int, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"thread_id": threadID}

	total, err := s.collection.CountDocuments(opCtx, filter)
	if err != nil {
		slog.Warn("Checkpoint count failed", "thread_id", threadID, "error", err)
		return nil, 0, nil
	}

	start, end := paginate(int(total), page, size)
	cursor, err := s.collection.Find(opCtx, filter,
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetSkip(int64(start)).
			SetLimit(int64(end-start)),
	)
	if err != nil {
		slog.Warn("Checkpoint history read failed", "thread_id", threadID, "error", err)
		return nil, 0, nil
	}
	defer func() { _ = cursor.Close(opCtx) }()

	var checkpoints []Checkpoint
	if err := cursor.All(opCtx, &checkpoints); err != nil {
		slog.Warn("Checkpoint history decode failed", "thread_id", threadID, "error", err)
		return nil, 0, nil
	}

	entries := make([]HistoryEntry, 0, len(checkpoints))
	for _, cp := range checkpoints {
		entry := HistoryEntry{
			CheckpointID: cp.ID,
			ParentID:     cp.ParentID,
			CreatedAt:    cp.CreatedAt,
		}
		if cp.State != nil {
			entry.Messages = cp.State.Messages
		}
		entries = append(entries, entry)
	}
	return entries, int(total), nil
}

func (s *MongoSaver) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
