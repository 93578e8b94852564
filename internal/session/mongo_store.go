package session

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultCollection = "photon_sessions"
	defaultOpTimeout  = 5 * time.Second
)

// MongoOptions configures the MongoDB-backed Store, grounded on the
// teacher's features/session/mongo client Options.
type MongoOptions struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoStore implements Store against a MongoDB collection, for
// deployments that need session metadata to survive process restarts.
// Invocation results are never written here.
type MongoStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

type sessionDocument struct {
	ID          string    `bson:"session_id"`
	Status      Status    `bson:"status"`
	CreatedAt   time.Time `bson:"created_at"`
	LastSeen    time.Time `bson:"last_seen"`
	ViewPhoton  string    `bson:"view_photon,omitempty"`
	ViewItem    string    `bson:"view_item,omitempty"`
	HasView     bool      `bson:"has_view"`
	NextEventID uint64    `bson:"next_event_id"`
}

func (d sessionDocument) toSession() Session {
	return Session{
		ID:          d.ID,
		Status:      d.Status,
		CreatedAt:   d.CreatedAt,
		LastSeen:    d.LastSeen,
		View:        View{PhotonID: d.ViewPhoton, ItemID: d.ViewItem},
		HasView:     d.HasView,
		NextEventID: d.NextEventID,
	}
}

// NewMongoStore opens (and index-ensures) a MongoDB-backed Store.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("session: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("session: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	indexCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(indexCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &MongoStore{coll: coll, timeout: timeout}, nil
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *MongoStore) Create(ctx context.Context, id string, createdAt time.Time) (Session, error) {
	if id == "" {
		return Session{}, errors.New("session: id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": id}
	update := bson.M{
		"$setOnInsert": bson.M{
			"session_id":    id,
			"status":        StatusUninitialized,
			"created_at":    createdAt.UTC(),
			"last_seen":     createdAt.UTC(),
			"has_view":      false,
			"next_event_id": uint64(0),
		},
	}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return Session{}, err
	}
	out, err := s.Load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if out.Status == StatusTerminated {
		return Session{}, ErrAlreadyTerminated
	}
	return out, nil
}

func (s *MongoStore) Load(ctx context.Context, id string) (Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := s.coll.FindOne(ctx, bson.M{"session_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return doc.toSession(), nil
}

func (s *MongoStore) Touch(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, bson.M{"last_seen": at.UTC()})
}

func (s *MongoStore) SetView(ctx context.Context, id string, view View) error {
	return s.update(ctx, id, bson.M{"view_photon": view.PhotonID, "view_item": view.ItemID, "has_view": true})
}

func (s *MongoStore) ClearView(ctx context.Context, id string) error {
	return s.update(ctx, id, bson.M{"view_photon": "", "view_item": "", "has_view": false})
}

func (s *MongoStore) Initialize(ctx context.Context, id string) error {
	existing, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if existing.Status == StatusTerminated {
		return ErrAlreadyTerminated
	}
	return s.update(ctx, id, bson.M{"status": StatusInitialized})
}

func (s *MongoStore) Terminate(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, bson.M{"status": StatusTerminated, "last_seen": at.UTC()})
}

func (s *MongoStore) update(ctx context.Context, id string, fields bson.M) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx, bson.M{"session_id": id}, bson.M{"$set": fields})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) NextEventID(ctx context.Context, id string) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	after := options.After
	result := s.coll.FindOneAndUpdate(
		ctx,
		bson.M{"session_id": id},
		bson.M{"$inc": bson.M{"next_event_id": int64(1)}},
		options.FindOneAndUpdate().SetReturnDocument(after),
	)
	var doc sessionDocument
	if err := result.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return doc.NextEventID, nil
}

func (s *MongoStore) IdleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":    bson.M{"$ne": StatusTerminated},
		"last_seen": bson.M{"$lte": cutoff.UTC()},
	}
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var ids []string
	for cursor.Next(ctx) {
		var doc sessionDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}
