package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	v1 "supchat/contracts/chat/v1"
)

// MongoIdentity resolves users from the application's users collection,
// reading only the fields the messaging core needs.
type MongoIdentity struct {
	coll *mongo.Collection
}

type mongoUser struct {
	ID    string `bson:"_id"`
	Name  string `bson:"name"`
	Email string `bson:"email"`
}

// NewMongoIdentity constructs a Mongo-backed IdentityProvider over the
// "users" collection of db.
func NewMongoIdentity(db *mongo.Database) (*MongoIdentity, error) {
	if db == nil {
		return nil, errors.New("chat: nil mongo database")
	}
	return &MongoIdentity{coll: db.Collection("users")}, nil
}

// ResolveUser returns display data for one user id.
func (p *MongoIdentity) ResolveUser(ctx context.Context, userID string) (v1.UserRef, error) {
	var u mongoUser
	err := p.coll.FindOne(ctx, bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"name": 1, "email": 1}),
	).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return v1.UserRef{}, fmt.Errorf("%w: unknown user %q", ErrIdentityUnavailable, userID)
	}
	if err != nil {
		return v1.UserRef{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return v1.UserRef{UserID: u.ID, Name: u.Name, Email: u.Email}, nil
}

// ListUsers returns the full directory ordered by id.
func (p *MongoIdentity) ListUsers(ctx context.Context) ([]v1.UserRef, error) {
	cur, err := p.coll.Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"name": 1, "email": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []v1.UserRef
	for cur.Next(ctx) {
		var u mongoUser
		if err := cur.Decode(&u); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
		}
		out = append(out, v1.UserRef{UserID: u.ID, Name: u.Name, Email: u.Email})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
