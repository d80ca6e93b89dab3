package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/feedweir/feedweir/internal/types"
)

// MongoStore is an alternative Store backend kept for deployments that
// run the aggregator against MongoDB instead of Postgres. Idempotency
// relies on unique indexes over (thread_id, external_item_id) and
// (thread_id, fingerprint) on the media_items collection.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects and pings the deployment.
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &types.StorageError{Backend: "mongodb", Op: "connect", Err: err}
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, &types.StorageError{Backend: "mongodb", Op: "ping", Err: err}
	}
	if database == "" {
		database = "feedweir"
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

func (s *MongoStore) Name() string { return "mongodb" }

func (s *MongoStore) Close(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.client.Disconnect(closeCtx)
}

func (s *MongoStore) GetSource(ctx context.Context, id int64) (*types.Source, error) {
	var src types.Source
	err := s.db.Collection("sources").FindOne(ctx, bson.M{"_id": id}).Decode(&src)
	if err == mongo.ErrNoDocuments {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.StorageError{Backend: "mongodb", Op: "get_source", Err: err}
	}
	return &src, nil
}

func (s *MongoStore) GetThread(ctx context.Context, id int64) (*types.Thread, error) {
	var th types.Thread
	err := s.db.Collection("threads").FindOne(ctx, bson.M{"_id": id}).Decode(&th)
	if err == mongo.ErrNoDocuments {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.StorageError{Backend: "mongodb", Op: "get_thread", Err: err}
	}
	return &th, nil
}

func (s *MongoStore) ListEnabledThreads(ctx context.Context) ([]EnabledThread, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "priority", Value: -1}})
	cursor, err := s.db.Collection("threads").Find(ctx,
		bson.M{"enabled": true, "deleted": false}, findOpts)
	if err != nil {
		return nil, &types.StorageError{Backend: "mongodb", Op: "list_threads", Err: err}
	}
	defer cursor.Close(ctx)

	var out []EnabledThread
	for cursor.Next(ctx) {
		var th types.Thread
		if err := cursor.Decode(&th); err != nil {
			return nil, &types.StorageError{Backend: "mongodb", Op: "decode_thread", Err: err}
		}
		src, err := s.GetSource(ctx, th.SourceID)
		if err != nil || !src.Enabled {
			continue
		}
		out = append(out, EnabledThread{Thread: th, Source: *src})
	}
	return out, cursor.Err()
}

func (s *MongoStore) GetCheckpoint(ctx context.Context, threadID int64) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	err := s.db.Collection("checkpoints").FindOne(ctx, bson.M{"thread_id": threadID}).Decode(&cp)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StorageError{Backend: "mongodb", Op: "get_checkpoint", Err: err}
	}
	return &cp, nil
}

func (s *MongoStore) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	upsert := options.Replace().SetUpsert(true)
	_, err := s.db.Collection("checkpoints").ReplaceOne(ctx, bson.M{"thread_id": cp.ThreadID}, cp, upsert)
	if err != nil {
		return &types.StorageError{Backend: "mongodb", Op: "save_checkpoint", Err: err}
	}
	return nil
}

func (s *MongoStore) IsBlocked(ctx context.Context, threadID int64, externalID string) (bool, error) {
	count, err := s.db.Collection("blocked_media").CountDocuments(ctx,
		bson.M{"thread_id": threadID, "external_item_id": externalID}, options.Count().SetLimit(1))
	if err != nil {
		return false, &types.StorageError{Backend: "mongodb", Op: "is_blocked", Err: err}
	}
	return count > 0, nil
}

// nextID allocates a monotonically increasing id from the counters
// collection. Gaps from lost races are fine.
func (s *MongoStore) nextID(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection("counters").FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, &types.StorageError{Backend: "mongodb", Op: "next_id", Err: err}
	}
	return doc.Value, nil
}

func (s *MongoStore) InsertMediaItem(ctx context.Context, item *types.MediaItem) (bool, error) {
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now

	id, err := s.nextID(ctx, "media_items")
	if err != nil {
		return false, err
	}
	item.ID = id

	res, err := s.db.Collection("media_items").UpdateOne(ctx,
		bson.M{"thread_id": item.ThreadID, "external_item_id": item.ExternalItemID},
		bson.M{"$setOnInsert": item},
		options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Fingerprint index collision: same content, different id.
			return false, nil
		}
		return false, &types.StorageError{Backend: "mongodb", Op: "insert_item", Err: err}
	}
	return res.UpsertedCount > 0, nil
}

func (s *MongoStore) InsertAssets(ctx context.Context, mediaItemID int64, assets []types.MediaAsset) error {
	coll := s.db.Collection("media_assets")
	for _, a := range assets {
		a.MediaItemID = mediaItemID
		_, err := coll.UpdateOne(ctx,
			bson.M{"media_item_id": mediaItemID, "url": a.URL},
			bson.M{"$setOnInsert": a},
			options.Update().SetUpsert(true))
		if err != nil {
			return &types.StorageError{Backend: "mongodb", Op: "insert_asset", Err: err}
		}
	}
	return nil
}

func (s *MongoStore) MergeCDNURLs(ctx context.Context, mediaItemID int64, cdnOriginal, cdnThumbnail string) error {
	set := bson.M{"updated_at": time.Now()}
	if cdnOriginal != "" {
		set["media_urls.cdn_original"] = cdnOriginal
	}
	if cdnThumbnail != "" {
		set["media_urls.cdn_thumbnail"] = cdnThumbnail
	}
	_, err := s.db.Collection("media_items").UpdateOne(ctx,
		bson.M{"id": mediaItemID}, bson.M{"$set": set})
	if err != nil {
		return &types.StorageError{Backend: "mongodb", Op: "merge_cdn", Err: err}
	}
	return nil
}

func (s *MongoStore) CreateRun(ctx context.Context, run *types.IngestRun) error {
	_, err := s.db.Collection("ingest_runs").InsertOne(ctx, run)
	if err != nil {
		return &types.StorageError{Backend: "mongodb", Op: "create_run", Err: err}
	}
	return nil
}

func (s *MongoStore) FinishRun(ctx context.Context, run *types.IngestRun) error {
	_, err := s.db.Collection("ingest_runs").ReplaceOne(ctx, bson.M{"id": run.ID}, run)
	if err != nil {
		return &types.StorageError{Backend: "mongodb", Op: "finish_run", Err: err}
	}
	return nil
}

var _ Store = (*MongoStore)(nil)
