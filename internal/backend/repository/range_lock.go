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

type lockDocument struct {
	LockID     string    `bson:"_id"`
	ResourceID string    `bson:"resource_id"`
	SessionID  string    `bson:"session_id"`
	StartDate  string    `bson:"start_date"`
	EndDate    string    `bson:"end_date"`
	ExpiresAt  time.Time `bson:"expires_at"`
	CreatedAt  time.Time `bson:"created_at"`
}

// slotDocument claims one day of a resource. Its _id is resource:date, so
// two live locks can never own the same day.
type slotDocument struct {
	ID         string    `bson:"_id"`
	LockID     string    `bson:"lock_id"`
	ResourceID string    `bson:"resource_id"`
	Date       string    `bson:"date"`
	ExpiresAt  time.Time `bson:"expires_at"`
}

func slotID(resourceID string, d model.Date) string {
	return resourceID + ":" + d.String()
}

func toLockDocument(l *model.RangeLock) lockDocument {
	return lockDocument{
		LockID:     l.LockID,
		ResourceID: l.ResourceID,
		SessionID:  l.SessionID,
		StartDate:  l.Range.Start.String(),
		EndDate:    l.Range.End.String(),
		ExpiresAt:  l.ExpiresAt.UTC().Truncate(time.Millisecond),
		CreatedAt:  l.CreatedAt.UTC().Truncate(time.Millisecond),
	}
}

func (d lockDocument) toModel() (*model.RangeLock, error) {
	start, err := model.ParseDate(d.StartDate)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", d.LockID, err)
	}
	end, err := model.ParseDate(d.EndDate)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", d.LockID, err)
	}
	return &model.RangeLock{
		LockID:     d.LockID,
		ResourceID: d.ResourceID,
		SessionID:  d.SessionID,
		Range:      model.DateRange{Start: start, End: end},
		ExpiresAt:  d.ExpiresAt,
		CreatedAt:  d.CreatedAt,
	}, nil
}

type mongoLockRepository struct {
	cfg       *config.Config
	locks     *mongo.Collection
	slots     *mongo.Collection
	txManager mongodb.TransactionManager
}

func NewMongoLockRepository(cfg *config.Config) LockRepository {
	db := cfg.Client.Mongo.Database(cfg.MongoDatabaseName)
	return &mongoLockRepository{
		cfg:       cfg,
		locks:     db.Collection(LocksCollection),
		slots:     db.Collection(SlotsCollection),
		txManager: mongodb.NewTransactionManager(cfg.Client.Mongo),
	}
}

// Create claims one slot per day, then writes the lock itself. Expired slots
// on those days are purged first. A duplicate slot means another live lock
// owns a day; the slots claimed so far are removed again.
func (r *mongoLockRepository) Create(ctx context.Context, lock *model.RangeLock) error {
	ctx, cancel := mongodb.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	dates := lock.Range.Dates()
	ids := make([]string, 0, len(dates))
	slots := make([]any, 0, len(dates))
	expiresAt := lock.ExpiresAt.UTC().Truncate(time.Millisecond)
	for _, d := range dates {
		id := slotID(lock.ResourceID, d)
		ids = append(ids, id)
		slots = append(slots, slotDocument{
			ID:         id,
			LockID:     lock.LockID,
			ResourceID: lock.ResourceID,
			Date:       d.String(),
			ExpiresAt:  expiresAt,
		})
	}

	if _, err := r.slots.DeleteMany(ctx, bson.M{
		"_id":        bson.M{"$in": ids},
		"expires_at": bson.M{"$lte": lock.CreatedAt.UTC()},
	}); err != nil {
		return fmt.Errorf("failed to purge expired slots: %w", err)
	}

	if _, err := r.slots.InsertMany(ctx, slots, options.InsertMany().SetOrdered(true)); err != nil {
		r.removeSlots(ctx, lock.LockID)
		if mongo.IsDuplicateKeyError(err) {
			return backenderrors.ErrLockHeld
		}
		return fmt.Errorf("failed to claim lock slots: %w", err)
	}

	if _, err := r.locks.InsertOne(ctx, toLockDocument(lock)); err != nil {
		r.removeSlots(ctx, lock.LockID)
		return fmt.Errorf("failed to create lock: %w", err)
	}
	return nil
}

// Replace runs the delete and the create in one transaction, so a refused
// create leaves the old lock and its slots in place.
func (r *mongoLockRepository) Replace(ctx context.Context, oldLockID string, lock *model.RangeLock) error {
	return r.txManager.ExecuteTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		if err := r.deleteLock(sessCtx, oldLockID); err != nil && !errors.Is(err, backenderrors.ErrLockNotFound) {
			return err
		}
		return r.Create(sessCtx, lock)
	})
}

func (r *mongoLockRepository) removeSlots(ctx context.Context, lockID string) {
	_, _ = r.slots.DeleteMany(context.WithoutCancel(ctx), bson.M{"lock_id": lockID})
}

func (r *mongoLockRepository) FindActive(ctx context.Context, resourceID string, now time.Time) ([]*model.RangeLock, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	filter := bson.M{
		"resource_id": resourceID,
		"expires_at":  bson.M{"$gt": now.UTC()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "start_date", Value: 1}, {Key: "_id", Value: 1}})
	return r.find(ctx, filter, opts)
}

func (r *mongoLockRepository) FindByID(ctx context.Context, lockID string) (*model.RangeLock, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	var doc lockDocument
	if err := r.locks.FindOne(ctx, bson.M{"_id": lockID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, backenderrors.ErrLockNotFound
		}
		return nil, fmt.Errorf("failed to find lock: %w", err)
	}
	return doc.toModel()
}

func (r *mongoLockRepository) Delete(ctx context.Context, lockID string) error {
	return r.txManager.ExecuteTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		return r.deleteLock(sessCtx, lockID)
	})
}

func (r *mongoLockRepository) deleteLock(ctx context.Context, lockID string) error {
	ctx, cancel := mongodb.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	result, err := r.locks.DeleteOne(ctx, bson.M{"_id": lockID})
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	if result.DeletedCount == 0 {
		return backenderrors.ErrLockNotFound
	}
	if _, err := r.slots.DeleteMany(ctx, bson.M{"lock_id": lockID}); err != nil {
		return fmt.Errorf("failed to delete lock slots: %w", err)
	}
	return nil
}

// DeleteExpired only reports locks this call removed, so two sweepers never
// announce the same expiry.
func (r *mongoLockRepository) DeleteExpired(ctx context.Context, now time.Time) ([]*model.RangeLock, error) {
	findCtx, cancel := mongodb.WithTimeout(ctx, r.cfg.ReadTimeout)
	expired, err := r.find(findCtx, bson.M{"expires_at": bson.M{"$lte": now.UTC()}}, options.Find())
	cancel()
	if err != nil {
		return nil, err
	}

	removed := make([]*model.RangeLock, 0, len(expired))
	for _, l := range expired {
		err := r.Delete(ctx, l.LockID)
		if errors.Is(err, backenderrors.ErrLockNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		removed = append(removed, l)
	}
	return removed, nil
}

func (r *mongoLockRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*model.RangeLock, error) {
	cursor, err := r.locks.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find locks: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []lockDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode locks: %w", err)
	}

	out := make([]*model.RangeLock, 0, len(docs))
	for _, doc := range docs {
		l, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
