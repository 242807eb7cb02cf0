package repository

import (
	"context"
	"errors"
	"fmt"
	passerrors "passkeeper/internal/passes/errors"
	"passkeeper/internal/passes/service"
	"passkeeper/pkg/config"
	"passkeeper/pkg/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	ProfileCollection = "Profiles"
)

type mongoProfileRepository struct {
	cfg        *config.Config
	collection *mongo.Collection
}

func NewMongoProfileRepository(cfg *config.Config) service.ProfileStore {
	db := cfg.Client.Mongo.Database(cfg.MongoDatabaseName)
	return &mongoProfileRepository{
		cfg:        cfg,
		collection: db.Collection(ProfileCollection),
	}
}

func (r *mongoProfileRepository) Find(ctx context.Context, user string) (*model.UserProfile, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	var profile model.UserProfile
	err := r.collection.FindOne(ctx, bson.M{"_id": user}).Decode(&profile)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, passerrors.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}

	return &profile, nil
}

func (r *mongoProfileRepository) Upsert(ctx context.Context, profile *model.UserProfile) error {
	ctx, cancel := withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{"memo": profile.Memo}}
	opts := options.Update().SetUpsert(true)
	if _, err := r.collection.UpdateByID(ctx, profile.User, update, opts); err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}

	return nil
}
