package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

// buildRecordFilter translates a query into a MongoDB filter.
func buildRecordFilter(q models.Query) bson.M {
	filter := bson.M{"status": q.EffectiveStatus()}
	if !q.IncludeDeleted {
		filter["deleted"] = false
	}

	date := bson.M{}
	if q.From != nil {
		date["$gte"] = *q.From
	}
	if q.To != nil {
		date["$lte"] = *q.To
	}
	if len(date) > 0 {
		filter["date"] = date
	}
	if q.CreatedBefore != nil {
		filter["createdAt"] = bson.M{"$lt": *q.CreatedBefore}
	}
	for field, value := range q.Equals {
		filter[field] = value
	}
	return filter
}

func (r *MongoDBRepository) records(kind models.Kind) *mongo.Collection {
	return r.collection(string(kind))
}

// InsertRecord stores rec. A taken idempotency key yields models.ErrDuplicateKey.
func (r *MongoDBRepository) InsertRecord(ctx context.Context, rec models.Record) error {
	meta := rec.Meta()
	if meta.ID.IsZero() {
		meta.ID = primitive.NewObjectID()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
		meta.UpdatedAt = meta.CreatedAt
	}

	if _, err := r.records(rec.Kind()).InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert %s: %w", rec.Kind(), err)
	}
	return nil
}

func (r *MongoDBRepository) findRecord(ctx context.Context, kind models.Kind, filter bson.M) (models.Record, error) {
	rec, err := models.NewRecord(kind)
	if err != nil {
		return nil, err
	}
	if err := r.records(kind).FindOne(ctx, filter).Decode(rec); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", kind, notFound(err))
	}
	return rec, nil
}

// FindRecord loads a record by id.
func (r *MongoDBRepository) FindRecord(ctx context.Context, kind models.Kind, id primitive.ObjectID) (models.Record, error) {
	return r.findRecord(ctx, kind, bson.M{"_id": id})
}

// FindRecordByKey loads a record by its idempotency key.
func (r *MongoDBRepository) FindRecordByKey(ctx context.Context, kind models.Kind, key string) (models.Record, error) {
	return r.findRecord(ctx, kind, bson.M{"idempotencyKey": key})
}

// SetRecordStatus moves a record from one status to another.
func (r *MongoDBRepository) SetRecordStatus(ctx context.Context, kind models.Kind, id primitive.ObjectID, from, to models.RecordStatus) (bool, error) {
	res, err := r.records(kind).UpdateOne(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": bson.M{"status": to, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return false, fmt.Errorf("failed to set %s status: %w", kind, err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	return false, r.recordExists(ctx, kind, id)
}

// SetRecordProgress stores the apply progress of a record that has the given status.
func (r *MongoDBRepository) SetRecordProgress(ctx context.Context, kind models.Kind, id primitive.ObjectID, status models.RecordStatus, progress int) (bool, error) {
	res, err := r.records(kind).UpdateOne(ctx,
		bson.M{"_id": id, "status": status},
		bson.M{"$set": bson.M{"progress": progress, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return false, fmt.Errorf("failed to set %s progress: %w", kind, err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	return false, r.recordExists(ctx, kind, id)
}

// MarkRecordFailed flags a record as failed and moves its idempotency key to
// failedKey, which frees the unique index for a retry.
func (r *MongoDBRepository) MarkRecordFailed(ctx context.Context, kind models.Kind, id primitive.ObjectID) error {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "status", Value: models.StatusFailed},
			{Key: "failedKey", Value: "$idempotencyKey"},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}}},
		{{Key: "$unset", Value: "idempotencyKey"}},
	}
	res, err := r.records(kind).UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", kind, err)
	}
	if res.MatchedCount == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetRecordDeleted flips the deleted flag of an applied record.
func (r *MongoDBRepository) SetRecordDeleted(ctx context.Context, kind models.Kind, id primitive.ObjectID, deleted bool) (bool, error) {
	res, err := r.records(kind).UpdateOne(ctx,
		bson.M{"_id": id, "status": models.StatusApplied, "deleted": !deleted},
		bson.M{"$set": bson.M{"deleted": deleted, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return false, fmt.Errorf("failed to set %s deleted: %w", kind, err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	return false, r.recordExists(ctx, kind, id)
}

// ListRecords returns the records matching q, newest first, with the total match count.
func (r *MongoDBRepository) ListRecords(ctx context.Context, kind models.Kind, q models.Query) ([]models.Record, int64, error) {
	coll := r.records(kind)
	filter := buildRecordFilter(q)

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if q.Paginated() {
		opts.SetSkip(q.Skip()).SetLimit(q.Limit)
	}
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer cur.Close(ctx)

	var out []models.Record
	for cur.Next(ctx) {
		rec, err := models.NewRecord(kind)
		if err != nil {
			return nil, 0, err
		}
		if err := cur.Decode(rec); err != nil {
			return nil, 0, fmt.Errorf("failed to decode %s: %w", kind, err)
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate %s: %w", kind, err)
	}

	total := int64(len(out))
	if q.Paginated() {
		if total, err = coll.CountDocuments(ctx, filter); err != nil {
			return nil, 0, fmt.Errorf("failed to count %s: %w", kind, err)
		}
	}
	return out, total, nil
}

func (r *MongoDBRepository) recordExists(ctx context.Context, kind models.Kind, id primitive.ObjectID) error {
	n, err := r.records(kind).CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("failed to look up %s/%s: %w", kind, id.Hex(), err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}
