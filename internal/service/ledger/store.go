package ledger

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

// AggregateStore holds the derived counters of flocks, materials and customers.
type AggregateStore interface {
	// ApplyDelta atomically increments one counter. With guard set, a stock decrement
	// that would take the counter below zero fails with models.ErrInsufficientStock.
	ApplyDelta(ctx context.Context, d models.Delta, guard bool) error
	Snapshot(ctx context.Context, ref models.AggregateRef) (models.AggregateSnapshot, error)
	ListSnapshots(ctx context.Context, kind models.EntityKind) ([]models.AggregateSnapshot, error)
}

// RecordStore persists transaction records.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec models.Record) error
	FindRecord(ctx context.Context, kind models.Kind, id primitive.ObjectID) (models.Record, error)
	FindRecordByKey(ctx context.Context, kind models.Kind, key string) (models.Record, error)
	SetRecordStatus(ctx context.Context, kind models.Kind, id primitive.ObjectID, from, to models.RecordStatus) (bool, error)
	// SetRecordProgress stores how many effect deltas a record may have applied.
	// It reports false when the record no longer has the given status.
	SetRecordProgress(ctx context.Context, kind models.Kind, id primitive.ObjectID, status models.RecordStatus, progress int) (bool, error)
	// MarkRecordFailed flags a record as failed and releases its idempotency key.
	MarkRecordFailed(ctx context.Context, kind models.Kind, id primitive.ObjectID) error
	// SetRecordDeleted flips the deleted flag of an applied record. It reports
	// false when the record was already in the requested state.
	SetRecordDeleted(ctx context.Context, kind models.Kind, id primitive.ObjectID, deleted bool) (bool, error)
	ListRecords(ctx context.Context, kind models.Kind, q models.Query) ([]models.Record, int64, error)
}

// ReferenceResolver answers reference checks against master entities.
type ReferenceResolver interface {
	EntityExists(ctx context.Context, kind models.EntityKind, id primitive.ObjectID) (bool, error)
	FindFormula(ctx context.Context, id primitive.ObjectID) (models.Formula, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	AggregateStore
	RecordStore
	ReferenceResolver
}

// Transactor runs fn inside a single atomic unit. Every store call made with
// the context passed to fn takes part in it.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
