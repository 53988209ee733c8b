package mongodb

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

// updatable lists the non-ledger fields each master entity accepts in UpdateEntity.
var updatable = map[models.EntityKind][]string{
	models.EntityFlock:    {"name", "active"},
	models.EntityMaterial: {"name", "unit", "type"},
	models.EntityCustomer: {"name"},
	models.EntityFormula:  {"name", "materials"},
}

func stamp(id *primitive.ObjectID, createdAt, updatedAt *time.Time) {
	if id.IsZero() {
		*id = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	*createdAt = now
	*updatedAt = now
}

func (r *MongoDBRepository) insert(ctx context.Context, kind models.EntityKind, doc any) error {
	if _, err := r.collection(string(kind)).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", kind, err)
	}
	return nil
}

// CreateFlock inserts a flock.
func (r *MongoDBRepository) CreateFlock(ctx context.Context, f *models.Flock) error {
	stamp(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	return r.insert(ctx, models.EntityFlock, f)
}

// CreateMaterial inserts a material.
func (r *MongoDBRepository) CreateMaterial(ctx context.Context, m *models.Material) error {
	stamp(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	return r.insert(ctx, models.EntityMaterial, m)
}

// CreateCustomer inserts a customer.
func (r *MongoDBRepository) CreateCustomer(ctx context.Context, c *models.Customer) error {
	stamp(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	return r.insert(ctx, models.EntityCustomer, c)
}

// CreateFormula inserts a formula.
func (r *MongoDBRepository) CreateFormula(ctx context.Context, f *models.Formula) error {
	stamp(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	return r.insert(ctx, models.EntityFormula, f)
}

func (r *MongoDBRepository) GetFlock(ctx context.Context, id primitive.ObjectID) (models.Flock, error) {
	var f models.Flock
	err := r.findByID(ctx, models.EntityFlock, id, &f)
	return f, err
}

func (r *MongoDBRepository) GetMaterial(ctx context.Context, id primitive.ObjectID) (models.Material, error) {
	var m models.Material
	err := r.findByID(ctx, models.EntityMaterial, id, &m)
	return m, err
}

func (r *MongoDBRepository) GetCustomer(ctx context.Context, id primitive.ObjectID) (models.Customer, error) {
	var c models.Customer
	err := r.findByID(ctx, models.EntityCustomer, id, &c)
	return c, err
}

func (r *MongoDBRepository) ListFlocks(ctx context.Context, includeDeleted bool) ([]models.Flock, error) {
	var out []models.Flock
	err := r.list(ctx, models.EntityFlock, includeDeleted, &out)
	return out, err
}

func (r *MongoDBRepository) ListMaterials(ctx context.Context, includeDeleted bool) ([]models.Material, error) {
	var out []models.Material
	err := r.list(ctx, models.EntityMaterial, includeDeleted, &out)
	return out, err
}

func (r *MongoDBRepository) ListCustomers(ctx context.Context, includeDeleted bool) ([]models.Customer, error) {
	var out []models.Customer
	err := r.list(ctx, models.EntityCustomer, includeDeleted, &out)
	return out, err
}

func (r *MongoDBRepository) ListFormulas(ctx context.Context, includeDeleted bool) ([]models.Formula, error) {
	var out []models.Formula
	err := r.list(ctx, models.EntityFormula, includeDeleted, &out)
	return out, err
}

func (r *MongoDBRepository) list(ctx context.Context, kind models.EntityKind, includeDeleted bool, out any) error {
	filter := bson.M{}
	if !includeDeleted {
		filter["deleted"] = bson.M{"$ne": true}
	}
	cur, err := r.collection(string(kind)).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", kind, err)
	}
	if err := cur.All(ctx, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return nil
}

// UpdateEntity sets non-ledger fields on a live entity.
func (r *MongoDBRepository) UpdateEntity(ctx context.Context, kind models.EntityKind, id primitive.ObjectID, fields models.Fields) error {
	allowed, ok := updatable[kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	set := bson.M{"updatedAt": time.Now().UTC()}
	for name, v := range fields {
		if !slices.Contains(allowed, name) {
			return &models.ValidationError{Field: name, Reason: "cannot be updated on " + string(kind)}
		}
		set[name] = v
	}

	res, err := r.collection(string(kind)).UpdateOne(ctx, liveByID(id), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", kind, id.Hex(), err)
	}
	if res.MatchedCount == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SoftDeleteEntity marks an entity deleted. It reports false when it already was.
func (r *MongoDBRepository) SoftDeleteEntity(ctx context.Context, kind models.EntityKind, id primitive.ObjectID) (bool, error) {
	coll := r.collection(string(kind))
	res, err := coll.UpdateOne(ctx, liveByID(id), bson.M{"$set": bson.M{"deleted": true, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", kind, id.Hex(), err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to look up %s/%s: %w", kind, id.Hex(), err)
	}
	if n == 0 {
		return false, models.ErrNotFound
	}
	return false, nil
}
