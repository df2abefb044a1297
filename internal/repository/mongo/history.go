package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"streamgate/internal/domain"
	"streamgate/internal/domain/ports"
)

type playbackDoc struct {
	ID             string `bson:"_id"`
	Magnet         string `bson:"magnet"`
	FileIndex      int    `bson:"fileIndex"`
	FileName       string `bson:"fileName"`
	BytesDelivered int64  `bson:"bytesDelivered"`
	StartedAt      int64  `bson:"startedAt"`
	LastSeenAt     int64  `bson:"lastSeenAt"`
	ClosedAt       int64  `bson:"closedAt,omitempty"`
}

// PlaybackHistoryRepository persists one document per infohash so the
// catalog application can surface "continue watching" entries.
type PlaybackHistoryRepository struct {
	collection *mongo.Collection
}

func NewPlaybackHistoryRepository(client *mongo.Client, dbName string) *PlaybackHistoryRepository {
	return &PlaybackHistoryRepository{collection: client.Database(dbName).Collection("playback_history")}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *PlaybackHistoryRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "lastSeenAt", Value: -1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (r *PlaybackHistoryRepository) Upsert(ctx context.Context, rec ports.PlaybackRecord) error {
	now := time.Now().Unix()
	startedAt := rec.StartedAt.Unix()
	if rec.StartedAt.IsZero() {
		startedAt = now
	}
	update := bson.M{
		"$set": bson.M{
			"magnet":     rec.Magnet,
			"fileIndex":  rec.FileIndex,
			"fileName":   rec.FileName,
			"lastSeenAt": now,
			"closedAt":   int64(0),
		},
		"$setOnInsert": bson.M{
			"startedAt":      startedAt,
			"bytesDelivered": rec.BytesDelivered,
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": string(rec.InfoHash)},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *PlaybackHistoryRepository) AddBytes(ctx context.Context, id domain.InfoHash, delta int64) error {
	if delta <= 0 {
		return nil
	}
	update := bson.M{
		"$inc": bson.M{"bytesDelivered": delta},
		"$set": bson.M{"lastSeenAt": time.Now().Unix()},
	}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": string(id)}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PlaybackHistoryRepository) MarkClosed(ctx context.Context, id domain.InfoHash, at time.Time) error {
	update := bson.M{
		"$set": bson.M{"closedAt": at.Unix()},
	}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": string(id)}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PlaybackHistoryRepository) Get(ctx context.Context, id domain.InfoHash) (ports.PlaybackRecord, error) {
	var doc playbackDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ports.PlaybackRecord{}, domain.ErrNotFound
		}
		return ports.PlaybackRecord{}, err
	}
	return docToRecord(doc), nil
}

func (r *PlaybackHistoryRepository) ListRecent(ctx context.Context, limit int) ([]ports.PlaybackRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "lastSeenAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []playbackDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	records := make([]ports.PlaybackRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, docToRecord(doc))
	}
	return records, nil
}

func docToRecord(doc playbackDoc) ports.PlaybackRecord {
	rec := ports.PlaybackRecord{
		InfoHash:       domain.InfoHash(doc.ID),
		Magnet:         doc.Magnet,
		FileIndex:      doc.FileIndex,
		FileName:       doc.FileName,
		BytesDelivered: doc.BytesDelivered,
		StartedAt:      time.Unix(doc.StartedAt, 0).UTC(),
		LastSeenAt:     time.Unix(doc.LastSeenAt, 0).UTC(),
	}
	if doc.ClosedAt > 0 {
		rec.ClosedAt = time.Unix(doc.ClosedAt, 0).UTC()
	}
	return rec
}
