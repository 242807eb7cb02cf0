package repository

import (
	"context"
	"errors"
	"fmt"
	passerrors "passkeeper/internal/passes/errors"
	"passkeeper/pkg/config"
	"passkeeper/pkg/model"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	PassCollection = "Pass"
	LockCollection = "Pass_locks"
)

// transferLock is an advisory lock document. A unique _id insert either
// succeeds, granting the lock, or fails with a duplicate key error.
type transferLock struct {
	ID        string    `bson:"_id"`
	Token     string    `bson:"token"`
	CreatedAt time.Time `bson:"created_at"`
}

// MongoPassRepository persists the singleton ownership record. Writes
// take an advisory lock so two process instances cannot interleave a
// transfer, mirroring the row lock the pass hand-off needs.
type MongoPassRepository struct {
	cfg        *config.Config
	collection *mongo.Collection
	locks      *mongo.Collection
}

func NewMongoPassRepository(cfg *config.Config) *MongoPassRepository {
	db := cfg.Client.Mongo.Database(cfg.MongoDatabaseName)
	return &MongoPassRepository{
		cfg:        cfg,
		collection: db.Collection(PassCollection),
		locks:      db.Collection(LockCollection),
	}
}

// Ensure seeds the pass document on first boot, giving custody to the
// default holder. It is a no-op when the document already exists.
func (r *MongoPassRepository) Ensure(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	seed := bson.M{
		"$setOnInsert": bson.M{
			"current_owner": r.cfg.DefaultHolder,
			"last_updated":  time.Now().UTC().Truncate(time.Millisecond),
		},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := r.collection.UpdateByID(ctx, model.PassStateID, seed, opts); err != nil {
		return fmt.Errorf("failed to seed pass state: %w", err)
	}
	return nil
}

func (r *MongoPassRepository) Load(ctx context.Context) (*model.PassState, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	var state model.PassState
	err := r.collection.FindOne(ctx, bson.M{"_id": model.PassStateID}).Decode(&state)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, passerrors.ErrPassStateMissing
		}
		return nil, fmt.Errorf("failed to load pass state: %w", err)
	}

	return &state, nil
}

func (r *MongoPassRepository) Save(ctx context.Context, state *model.PassState) error {
	ctx, cancel := withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	token, err := r.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer r.releaseLock(ctx, token)

	update := bson.M{
		"$set": bson.M{
			"current_owner": state.CurrentOwner,
			"last_updated":  state.LastUpdated,
		},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := r.collection.UpdateByID(ctx, model.PassStateID, update, opts); err != nil {
		return fmt.Errorf("failed to save pass state: %w", err)
	}

	return nil
}

func (r *MongoPassRepository) acquireLock(ctx context.Context) (string, error) {
	lock := transferLock{
		ID:        model.PassStateID,
		Token:     uuid.NewString(),
		CreatedAt: time.Now(),
	}

	if _, err := r.locks.InsertOne(ctx, lock); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("pass transfer already in progress: %w", err)
		}
		return "", fmt.Errorf("failed to acquire transfer lock: %w", err)
	}

	return lock.Token, nil
}

func (r *MongoPassRepository) releaseLock(ctx context.Context, token string) {
	filter := bson.M{"_id": model.PassStateID, "token": token}
	if _, err := r.locks.DeleteOne(ctx, filter); err != nil {
		r.cfg.Log.Error("Failed to release transfer lock", "error", err)
	}
}
