package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"schedbot/pkg/logx"
)

type mongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    logx.Logger
}

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := options.Client().ApplyURI(cfg.URI).SetServerSelectionTimeout(timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	log.Info("mongodb connection established",
		logx.String("database", cfg.Database), logx.String("collection", cfg.Collection))
	return &mongoStore{client: client, coll: coll, log: log}, nil
}

func (s *mongoStore) Insert(ctx context.Context, r Record) (string, error) {
	res, err := s.coll.InsertOne(ctx, recordToDoc(r))
	if err != nil {
		return "", fmt.Errorf("insert: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("insert: unexpected id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

func (s *mongoStore) FindByID(ctx context.Context, id string) (Record, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return Record{}, ErrNotFound
	}
	return s.findOne(ctx, bson.M{"_id": oid})
}

func (s *mongoStore) FindByName(ctx context.Context, destination int64, name string) (Record, error) {
	return s.findOne(ctx, bson.M{"destination": destination, "schedule_name": name})
}

func (s *mongoStore) findOne(ctx context.Context, filter bson.M) (Record, error) {
	var doc bson.M
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("find one: %w", err)
	}
	return docToRecord(doc), nil
}

func (s *mongoStore) ListPending(ctx context.Context, destination int64) ([]Record, error) {
	return s.findMany(ctx, bson.M{"destination": destination, "completed": false})
}

func (s *mongoStore) PendingAll(ctx context.Context) ([]Record, error) {
	return s.findMany(ctx, bson.M{"completed": false})
}

func (s *mongoStore) findMany(ctx context.Context, filter bson.M) ([]Record, error) {
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cur.Close(ctx)

	var out []Record
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			// A single undecodable document must not abort the scan.
			s.log.Warn("skipping undecodable record", logx.Err(err))
			continue
		}
		out = append(out, docToRecord(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("cursor: %w", err)
	}
	return out, nil
}

func (s *mongoStore) MarkCompleted(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M{"completed": true}})
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) DeletePending(ctx context.Context, id string, destination int64) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": oid, "destination": destination, "completed": false})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func recordToDoc(r Record) bson.M {
	doc := bson.M{
		"destination":   r.Destination,
		"schedule_name": r.ScheduleName,
		"body":          r.Body,
		"completed":     r.Completed,
	}
	if r.MediaType != "" {
		doc["media_type"] = r.MediaType
		doc["media_ref"] = r.MediaRef
		doc["media_access_token"] = r.MediaAccessToken
	}
	btns := make([]bson.M, 0, len(r.Buttons))
	for _, b := range r.Buttons {
		btns = append(btns, bson.M{"text": b.Text, "url": b.URL})
	}
	doc["buttons"] = btns
	if r.IntervalSeconds != 0 {
		doc["interval_seconds"] = r.IntervalSeconds
	}
	if r.FireAt != "" {
		doc["fire_at"] = r.FireAt
	}
	return doc
}

// docToRecord decodes a document defensively: fields with unexpected types
// come back as zero values and are rejected later by recovery's validation,
// rather than failing the whole scan.
func docToRecord(doc bson.M) Record {
	var r Record
	if id, ok := doc["_id"].(primitive.ObjectID); ok {
		r.ID = id.Hex()
	}
	r.Destination = asInt64(doc["destination"])
	r.ScheduleName, _ = doc["schedule_name"].(string)
	r.Body, _ = doc["body"].(string)
	r.MediaType, _ = doc["media_type"].(string)
	r.MediaRef, _ = doc["media_ref"].(string)
	r.MediaAccessToken, _ = doc["media_access_token"].(string)
	r.IntervalSeconds = asInt64(doc["interval_seconds"])
	r.FireAt, _ = doc["fire_at"].(string)
	r.Completed, _ = doc["completed"].(bool)

	if raw, ok := doc["buttons"].(primitive.A); ok {
		for _, el := range raw {
			var m bson.M
			switch v := el.(type) {
			case bson.M:
				m = v
			case bson.D:
				m = v.Map()
			default:
				continue
			}
			text, _ := m["text"].(string)
			url, _ := m["url"].(string)
			if text != "" && url != "" {
				r.Buttons = append(r.Buttons, Button{Text: text, URL: url})
			}
		}
	}
	return r
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}
