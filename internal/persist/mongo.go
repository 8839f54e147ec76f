package persist

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ashita-ai/machi/internal/model"
)

const (
	mongoDefaultDB   = "machi"
	mongoCollection  = "snapshots"
	mongoDocumentID  = "town"
	mongoDialTimeout = 10 * time.Second
)

type mongoDoc struct {
	ID            string    `bson:"_id"`
	SchemaVersion int       `bson:"schema_version"`
	StoreVersion  int64     `bson:"store_version"`
	TakenAt       time.Time `bson:"taken_at"`
	SavedAt       time.Time `bson:"saved_at"`
	State         bson.M    `bson:"state"`
}

// MongoStore replaces a single snapshot document.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// OpenMongo connects to uri. The database is the URI path, "machi" if empty.
func OpenMongo(ctx context.Context, uri string) (*MongoStore, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("persist: parse mongo URI: %w", err)
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		dbName = mongoDefaultDB
	}

	ctx, cancel := context.WithTimeout(ctx, mongoDialTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("persist: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("persist: ping mongo: %w", err)
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(dbName).Collection(mongoCollection),
	}, nil
}

func (s *MongoStore) Save(ctx context.Context, snap model.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	var state bson.M
	if err := bson.UnmarshalExtJSON(data, false, &state); err != nil {
		return fmt.Errorf("persist: convert snapshot to bson: %w", err)
	}
	doc := mongoDoc{
		ID:            mongoDocumentID,
		SchemaVersion: model.SchemaVersion,
		StoreVersion:  int64(snap.StoreVersion), //nolint:gosec // versions stay far below MaxInt64
		TakenAt:       snap.TakenAt,
		SavedAt:       time.Now().UTC(),
		State:         state,
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": mongoDocumentID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("persist: upsert snapshot: %w", err)
	}
	return nil
}

func (s *MongoStore) Load(ctx context.Context) (model.Snapshot, bool, error) {
	var doc mongoDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": mongoDocumentID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("persist: find snapshot: %w", err)
	}
	data, err := bson.MarshalExtJSON(doc.State, false, false)
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("persist: convert snapshot from bson: %w", err)
	}
	snap, err := decode(data)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
