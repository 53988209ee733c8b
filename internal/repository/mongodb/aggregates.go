package mongodb

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

// counterUpdate builds the filter and $inc update for one delta. Flock
// counters are whole numbers; material and customer counters are Decimal128.
// With guard set, a decrement of a stock counter only matches when the counter
// covers it.
func counterUpdate(d models.Delta, guard bool, now time.Time) (bson.M, bson.M, error) {
	if !slices.Contains(models.LedgerFields(d.Ref.Kind), d.Field) {
		return nil, nil, &models.ValidationError{Field: d.Field, Reason: "is not a counter of " + string(d.Ref.Kind)}
	}

	amount, err := counterValue(d.Ref.Kind, d.Amount)
	if err != nil {
		return nil, nil, err
	}
	filter := bson.M{"_id": d.Ref.ID}
	if guard && d.Amount.IsNegative() && models.Guarded(d.Ref.Kind, d.Field) {
		need, err := counterValue(d.Ref.Kind, d.Amount.Neg())
		if err != nil {
			return nil, nil, err
		}
		filter[d.Field] = bson.M{"$gte": need}
	}
	update := bson.M{
		"$inc": bson.M{d.Field: amount},
		"$set": bson.M{"updatedAt": now},
	}
	return filter, update, nil
}

func counterValue(kind models.EntityKind, amount decimal.Decimal) (any, error) {
	if kind == models.EntityFlock {
		return amount.IntPart(), nil
	}
	return toDecimal128(amount)
}

// ApplyDelta increments one counter with $inc.
func (r *MongoDBRepository) ApplyDelta(ctx context.Context, d models.Delta, guard bool) error {
	filter, update, err := counterUpdate(d, guard, time.Now().UTC())
	if err != nil {
		return err
	}

	coll := r.collection(string(d.Ref.Kind))
	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", d, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := coll.CountDocuments(ctx, bson.M{"_id": d.Ref.ID}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", d.Ref, err)
	}
	if n > 0 {
		return models.ErrInsufficientStock
	}
	return models.ErrNotFound
}

// Snapshot reads the counters of one aggregate, deleted or not.
func (r *MongoDBRepository) Snapshot(ctx context.Context, ref models.AggregateRef) (models.AggregateSnapshot, error) {
	switch ref.Kind {
	case models.EntityFlock:
		f, err := r.GetFlock(ctx, ref.ID)
		if err != nil {
			return models.AggregateSnapshot{}, err
		}
		return f.Snapshot(), nil
	case models.EntityMaterial:
		m, err := r.GetMaterial(ctx, ref.ID)
		if err != nil {
			return models.AggregateSnapshot{}, err
		}
		return m.Snapshot(), nil
	case models.EntityCustomer:
		c, err := r.GetCustomer(ctx, ref.ID)
		if err != nil {
			return models.AggregateSnapshot{}, err
		}
		return c.Snapshot(), nil
	}
	return models.AggregateSnapshot{}, models.ErrNotFound
}

// ListSnapshots returns the counters of every aggregate of a kind.
func (r *MongoDBRepository) ListSnapshots(ctx context.Context, kind models.EntityKind) ([]models.AggregateSnapshot, error) {
	var out []models.AggregateSnapshot
	switch kind {
	case models.EntityFlock:
		flocks, err := r.ListFlocks(ctx, true)
		if err != nil {
			return nil, err
		}
		for _, f := range flocks {
			out = append(out, f.Snapshot())
		}
	case models.EntityMaterial:
		materials, err := r.ListMaterials(ctx, true)
		if err != nil {
			return nil, err
		}
		for _, m := range materials {
			out = append(out, m.Snapshot())
		}
	case models.EntityCustomer:
		customers, err := r.ListCustomers(ctx, true)
		if err != nil {
			return nil, err
		}
		for _, c := range customers {
			out = append(out, c.Snapshot())
		}
	}
	return out, nil
}

// EntityExists reports whether a master entity exists and is not deleted.
func (r *MongoDBRepository) EntityExists(ctx context.Context, kind models.EntityKind, id primitive.ObjectID) (bool, error) {
	n, err := r.collection(string(kind)).CountDocuments(ctx, liveByID(id), options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to look up %s/%s: %w", kind, id.Hex(), err)
	}
	return n > 0, nil
}

// FindFormula returns a formula, including soft-deleted ones.
func (r *MongoDBRepository) FindFormula(ctx context.Context, id primitive.ObjectID) (models.Formula, error) {
	var f models.Formula
	if err := r.findByID(ctx, models.EntityFormula, id, &f); err != nil {
		return models.Formula{}, err
	}
	return f, nil
}

func liveByID(id primitive.ObjectID) bson.M {
	return bson.M{"_id": id, "deleted": bson.M{"$ne": true}}
}

func (r *MongoDBRepository) findByID(ctx context.Context, kind models.EntityKind, id primitive.ObjectID, out any) error {
	err := r.collection(string(kind)).FindOne(ctx, bson.M{"_id": id}).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to load %s/%s: %w", kind, id.Hex(), notFound(err))
	}
	return nil
}
