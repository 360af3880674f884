package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	backenderrors "rentsync/internal/backend/errors"
	"rentsync/pkg/config"
	mongodb "rentsync/pkg/db/mongo"
	"rentsync/pkg/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type resourceDocument struct {
	ID          string    `bson:"_id"`
	Status      string    `bson:"status"`
	BookedDates []string  `bson:"booked_dates"`
	Version     int64     `bson:"version"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (d resourceDocument) toModel() (*model.Resource, error) {
	booked, err := model.ParseDates(d.BookedDates)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", d.ID, err)
	}
	return &model.Resource{
		ID:          d.ID,
		Status:      d.Status,
		BookedDates: booked,
		Version:     d.Version,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}

type mongoResourceRepository struct {
	cfg        *config.Config
	collection *mongo.Collection
}

func NewMongoResourceRepository(cfg *config.Config) ResourceRepository {
	db := cfg.Client.Mongo.Database(cfg.MongoDatabaseName)
	return &mongoResourceRepository{
		cfg:        cfg,
		collection: db.Collection(ResourcesCollection),
	}
}

func (r *mongoResourceRepository) Get(ctx context.Context, id string) (*model.Resource, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	var doc resourceDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, backenderrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find resource: %w", err)
	}
	return doc.toModel()
}

func (r *mongoResourceRepository) Upsert(ctx context.Context, resource *model.Resource) error {
	ctx, cancel := mongodb.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"status":       resource.Status,
			"booked_dates": model.FormatDates(model.NormalizeDates(resource.BookedDates)),
			"updated_at":   resource.UpdatedAt.UTC().Truncate(time.Millisecond),
		},
		"$setOnInsert": bson.M{"version": int64(0)},
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": resource.ID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}

func (r *mongoResourceRepository) BumpVersion(ctx context.Context, id string, at time.Time) (int64, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	update := bson.M{
		"$inc": bson.M{"version": int64(1)},
		"$set": bson.M{"updated_at": at.UTC().Truncate(time.Millisecond)},
		"$setOnInsert": bson.M{
			"status":       model.StatusActive,
			"booked_dates": []string{},
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(bson.M{"version": 1})

	var doc struct {
		Version int64 `bson:"version"`
	}
	if err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&doc); err != nil {
		return 0, fmt.Errorf("failed to bump resource version: %w", err)
	}
	return doc.Version, nil
}
