package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a DiscussionStore backed by MongoDB, one document per
// discussion with the message list embedded.
//
// Concurrency model:
// - FindOrCreate upserts on the unique participant_key index.
// - AppendMessage is a single FindOneAndUpdate ($push + $max), so each
//   append is atomic per document and array order is append order.
//
// Ownership model: the store does not own the client; Close is a no-op.
type MongoStore struct {
	coll *mongo.Collection
}

type mongoMessage struct {
	ID        string    `bson:"id"`
	Sender    string    `bson:"sender"`
	Content   string    `bson:"content"`
	Timestamp time.Time `bson:"timestamp"`
}

type mongoDiscussion struct {
	ID             string         `bson:"_id"`
	ParticipantKey string         `bson:"participant_key"`
	Participants   []string       `bson:"participants"`
	Messages       []mongoMessage `bson:"messages"`
	CreatedAt      time.Time      `bson:"created_at"`
	LastMessageAt  *time.Time     `bson:"last_message_at,omitempty"`
}

// NewMongoStore constructs a Mongo-backed DiscussionStore over the
// "discussions" collection of db.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("chat: nil mongo database")
	}
	return &MongoStore{coll: db.Collection("discussions")}, nil
}

// EnsureIndexes creates the unique participant_key index that enforces
// one discussion per unordered participant set. Call once at startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participant_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create participant_key index: %w", err)
	}
	return nil
}

// Close is a no-op because the mongo client is owned by the caller.
func (s *MongoStore) Close(_ context.Context) error { return nil }

// FindOrCreate upserts the discussion document for the participant set.
func (s *MongoStore) FindOrCreate(ctx context.Context, participants []string) (Discussion, bool, error) {
	if s == nil || s.coll == nil {
		return Discussion{}, false, errors.New("chat: nil store")
	}
	key, norm := participantKey(participants)
	if key == "" {
		return Discussion{}, false, fmt.Errorf("%w: need at least two participants", ErrInvalidMessage)
	}

	now := time.Now().UTC()
	candidateID := MustULID(now)

	res := s.coll.FindOneAndUpdate(ctx,
		bson.M{"participant_key": key},
		bson.M{"$setOnInsert": mongoDiscussion{
			ID:             candidateID,
			ParticipantKey: key,
			Participants:   norm,
			Messages:       []mongoMessage{},
			CreatedAt:      now,
		}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	)

	var doc mongoDiscussion
	if err := res.Decode(&doc); err != nil {
		return Discussion{}, false, fmt.Errorf("find or create discussion: %w", err)
	}
	return doc.toDiscussion(), doc.ID == candidateID, nil
}

// FindByID loads a discussion with its full embedded history.
func (s *MongoStore) FindByID(ctx context.Context, id string) (Discussion, error) {
	if s == nil || s.coll == nil {
		return Discussion{}, errors.New("chat: nil store")
	}
	if strings.TrimSpace(id) == "" {
		return Discussion{}, ErrDiscussionNotFound
	}

	var doc mongoDiscussion
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Discussion{}, ErrDiscussionNotFound
	}
	if err != nil {
		return Discussion{}, fmt.Errorf("load discussion: %w", err)
	}
	return doc.toDiscussion(), nil
}

// AppendMessage pushes the message and raises the last_message_at
// watermark in one atomic document update. Seq is the message position
// in the array.
//
// Concurrent appends race on wall clocks: the update carrying the later
// timestamp can land first. Array position stays authoritative, so
// ordering is repaired on read (see toDiscussion) and last_message_at
// uses $max to never move backwards.
func (s *MongoStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if s == nil || s.coll == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.DiscussionID == "" || in.SenderID == "" || in.Content == "" {
		return Message{}, ErrInvalidMessage
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	m := mongoMessage{
		ID:        MustULID(now),
		Sender:    in.SenderID,
		Content:   in.Content,
		Timestamp: now,
	}

	res := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": in.DiscussionID},
		bson.M{
			"$push": bson.M{"messages": m},
			"$max":  bson.M{"last_message_at": now},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)

	var doc mongoDiscussion
	err := res.Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, ErrDiscussionNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}

	d := doc.toDiscussion()
	if len(d.Messages) == 0 {
		return Message{}, fmt.Errorf("append message: document %q has no messages after push", doc.ID)
	}
	// The pushed message is the last array element as of this update;
	// toDiscussion has clamped its timestamp against its predecessor.
	return d.Messages[len(d.Messages)-1], nil
}

func (d mongoDiscussion) toDiscussion() Discussion {
	out := Discussion{
		ID:           d.ID,
		Participants: append([]string(nil), d.Participants...),
		CreatedAt:    d.CreatedAt,
	}
	if d.LastMessageAt != nil {
		out.LastMessageAt = *d.LastMessageAt
	}
	// Array position is the authoritative order. Concurrent appends can
	// store out-of-order wall clocks, so clamp each timestamp against its
	// predecessor to keep the read-back timestamps non-decreasing.
	var prev time.Time
	for i, m := range d.Messages {
		ts := m.Timestamp
		if ts.Before(prev) {
			ts = prev
		}
		prev = ts
		out.Messages = append(out.Messages, Message{
			ID:           m.ID,
			DiscussionID: d.ID,
			SenderID:     m.Sender,
			Content:      m.Content,
			Seq:          int64(i) + 1,
			Timestamp:    ts,
		})
	}
	return out
}
