// Package memory is an in-memory implementation of the ledger and catalog
// stores, used by tests and for running the service without MongoDB.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

type state struct {
	flocks    map[primitive.ObjectID]models.Flock
	materials map[primitive.ObjectID]models.Material
	customers map[primitive.ObjectID]models.Customer
	formulas  map[primitive.ObjectID]models.Formula
	records   map[models.Kind]map[primitive.ObjectID]models.Record
	keys      map[models.Kind]map[string]primitive.ObjectID
	reports   []models.ReconciliationReport
}

func newState() state {
	s := state{
		flocks:    map[primitive.ObjectID]models.Flock{},
		materials: map[primitive.ObjectID]models.Material{},
		customers: map[primitive.ObjectID]models.Customer{},
		formulas:  map[primitive.ObjectID]models.Formula{},
		records:   map[models.Kind]map[primitive.ObjectID]models.Record{},
		keys:      map[models.Kind]map[string]primitive.ObjectID{},
	}
	for _, kind := range models.AllKinds {
		s.records[kind] = map[primitive.ObjectID]models.Record{}
		s.keys[kind] = map[string]primitive.ObjectID{}
	}
	return s
}

func (s state) clone() state {
	c := newState()
	for id, f := range s.flocks {
		c.flocks[id] = f
	}
	for id, m := range s.materials {
		c.materials[id] = m
	}
	for id, cu := range s.customers {
		c.customers[id] = cu
	}
	for id, f := range s.formulas {
		c.formulas[id] = cloneFormula(f)
	}
	for kind, records := range s.records {
		for id, rec := range records {
			c.records[kind][id] = cloneRecord(rec)
		}
	}
	for kind, keys := range s.keys {
		for k, id := range keys {
			c.keys[kind][k] = id
		}
	}
	c.reports = append(c.reports, s.reports...)
	return c
}

// Store keeps everything in maps behind a single RWMutex.
type Store struct {
	mu    sync.RWMutex
	state state
	now   func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: newState(), now: time.Now}
}

type txKey struct{}

// WithTransaction runs fn with the store locked. Every call made with the
// context passed to fn reuses the lock; on error all changes are rolled back.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) rlock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

// ApplyDelta increments one counter field in place.
func (s *Store) ApplyDelta(ctx context.Context, d models.Delta, guard bool) error {
	defer s.lock(ctx)()
	now := s.now().UTC()
	guard = guard && models.Guarded(d.Ref.Kind, d.Field)

	switch d.Ref.Kind {
	case models.EntityFlock:
		f, ok := s.state.flocks[d.Ref.ID]
		if !ok {
			return models.ErrNotFound
		}
		var counter *int64
		switch d.Field {
		case models.FieldQuantity:
			counter = &f.Quantity
		case models.FieldEggs:
			counter = &f.Eggs
		case models.FieldMortality:
			counter = &f.Mortality
		default:
			return unknownField(d)
		}
		next := *counter + d.Amount.IntPart()
		if guard && next < 0 {
			return models.ErrInsufficientStock
		}
		*counter = next
		f.UpdatedAt = now
		s.state.flocks[d.Ref.ID] = f
	case models.EntityMaterial:
		m, ok := s.state.materials[d.Ref.ID]
		if !ok {
			return models.ErrNotFound
		}
		if d.Field != models.FieldQuantity {
			return unknownField(d)
		}
		next := m.Quantity.Add(d.Amount)
		if guard && next.IsNegative() {
			return models.ErrInsufficientStock
		}
		m.Quantity = next
		m.UpdatedAt = now
		s.state.materials[d.Ref.ID] = m
	case models.EntityCustomer:
		c, ok := s.state.customers[d.Ref.ID]
		if !ok {
			return models.ErrNotFound
		}
		if d.Field != models.FieldBalance {
			return unknownField(d)
		}
		c.Balance = c.Balance.Add(d.Amount)
		c.UpdatedAt = now
		s.state.customers[d.Ref.ID] = c
	default:
		return unknownField(d)
	}
	return nil
}

// Snapshot reads the counters of one aggregate, deleted or not.
func (s *Store) Snapshot(ctx context.Context, ref models.AggregateRef) (models.AggregateSnapshot, error) {
	defer s.rlock(ctx)()

	switch ref.Kind {
	case models.EntityFlock:
		if f, ok := s.state.flocks[ref.ID]; ok {
			return f.Snapshot(), nil
		}
	case models.EntityMaterial:
		if m, ok := s.state.materials[ref.ID]; ok {
			return m.Snapshot(), nil
		}
	case models.EntityCustomer:
		if c, ok := s.state.customers[ref.ID]; ok {
			return c.Snapshot(), nil
		}
	}
	return models.AggregateSnapshot{}, models.ErrNotFound
}

// ListSnapshots returns the counters of every aggregate of a kind.
func (s *Store) ListSnapshots(ctx context.Context, kind models.EntityKind) ([]models.AggregateSnapshot, error) {
	defer s.rlock(ctx)()

	var out []models.AggregateSnapshot
	switch kind {
	case models.EntityFlock:
		for _, f := range s.state.flocks {
			out = append(out, f.Snapshot())
		}
	case models.EntityMaterial:
		for _, m := range s.state.materials {
			out = append(out, m.Snapshot())
		}
	case models.EntityCustomer:
		for _, c := range s.state.customers {
			out = append(out, c.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID.Hex() < out[j].Ref.ID.Hex() })
	return out, nil
}

// EntityExists reports whether a master entity exists and is not deleted.
func (s *Store) EntityExists(ctx context.Context, kind models.EntityKind, id primitive.ObjectID) (bool, error) {
	defer s.rlock(ctx)()

	switch kind {
	case models.EntityFlock:
		f, ok := s.state.flocks[id]
		return ok && !f.Deleted, nil
	case models.EntityMaterial:
		m, ok := s.state.materials[id]
		return ok && !m.Deleted, nil
	case models.EntityCustomer:
		c, ok := s.state.customers[id]
		return ok && !c.Deleted, nil
	case models.EntityFormula:
		f, ok := s.state.formulas[id]
		return ok && !f.Deleted, nil
	}
	return false, nil
}

// FindFormula returns a formula, including soft-deleted ones.
func (s *Store) FindFormula(ctx context.Context, id primitive.ObjectID) (models.Formula, error) {
	defer s.rlock(ctx)()

	f, ok := s.state.formulas[id]
	if !ok {
		return models.Formula{}, models.ErrNotFound
	}
	return cloneFormula(f), nil
}

// InsertRecord stores rec, assigning an id when it has none.
func (s *Store) InsertRecord(ctx context.Context, rec models.Record) error {
	defer s.lock(ctx)()

	meta := rec.Meta()
	kind := rec.Kind()
	if meta.IdempotencyKey != "" {
		if _, taken := s.state.keys[kind][meta.IdempotencyKey]; taken {
			return models.ErrDuplicateKey
		}
	}
	if meta.ID.IsZero() {
		meta.ID = primitive.NewObjectID()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now().UTC()
		meta.UpdatedAt = meta.CreatedAt
	}
	s.state.records[kind][meta.ID] = cloneRecord(rec)
	if meta.IdempotencyKey != "" {
		s.state.keys[kind][meta.IdempotencyKey] = meta.ID
	}
	return nil
}

// FindRecord returns a copy of a stored record.
func (s *Store) FindRecord(ctx context.Context, kind models.Kind, id primitive.ObjectID) (models.Record, error) {
	defer s.rlock(ctx)()

	rec, ok := s.state.records[kind][id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// FindRecordByKey looks a record up by its idempotency key.
func (s *Store) FindRecordByKey(ctx context.Context, kind models.Kind, key string) (models.Record, error) {
	defer s.rlock(ctx)()

	id, ok := s.state.keys[kind][key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneRecord(s.state.records[kind][id]), nil
}

// SetRecordStatus moves a record from one status to another.
func (s *Store) SetRecordStatus(ctx context.Context, kind models.Kind, id primitive.ObjectID, from, to models.RecordStatus) (bool, error) {
	defer s.lock(ctx)()

	rec, ok := s.state.records[kind][id]
	if !ok {
		return false, models.ErrNotFound
	}
	meta := rec.Meta()
	if meta.Status != from {
		return false, nil
	}
	meta.Status = to
	meta.UpdatedAt = s.now().UTC()
	return true, nil
}

// SetRecordProgress stores the apply progress of a record that has the given status.
func (s *Store) SetRecordProgress(ctx context.Context, kind models.Kind, id primitive.ObjectID, status models.RecordStatus, progress int) (bool, error) {
	defer s.lock(ctx)()

	rec, ok := s.state.records[kind][id]
	if !ok {
		return false, models.ErrNotFound
	}
	meta := rec.Meta()
	if meta.Status != status {
		return false, nil
	}
	meta.Progress = progress
	meta.UpdatedAt = s.now().UTC()
	return true, nil
}

// MarkRecordFailed flags a record as failed and frees its idempotency key.
func (s *Store) MarkRecordFailed(ctx context.Context, kind models.Kind, id primitive.ObjectID) error {
	defer s.lock(ctx)()

	rec, ok := s.state.records[kind][id]
	if !ok {
		return models.ErrNotFound
	}
	meta := rec.Meta()
	if meta.IdempotencyKey != "" {
		delete(s.state.keys[kind], meta.IdempotencyKey)
		meta.FailedKey = meta.IdempotencyKey
		meta.IdempotencyKey = ""
	}
	meta.Status = models.StatusFailed
	meta.UpdatedAt = s.now().UTC()
	return nil
}

// SetRecordDeleted flips the deleted flag of an applied record.
func (s *Store) SetRecordDeleted(ctx context.Context, kind models.Kind, id primitive.ObjectID, deleted bool) (bool, error) {
	defer s.lock(ctx)()

	rec, ok := s.state.records[kind][id]
	if !ok {
		return false, models.ErrNotFound
	}
	meta := rec.Meta()
	if meta.Status != models.StatusApplied || meta.Deleted == deleted {
		return false, nil
	}
	meta.Deleted = deleted
	meta.UpdatedAt = s.now().UTC()
	return true, nil
}

// ListRecords returns the records matching q, newest first.
func (s *Store) ListRecords(ctx context.Context, kind models.Kind, q models.Query) ([]models.Record, int64, error) {
	defer s.rlock(ctx)()

	var matched []models.Record
	for _, rec := range s.state.records[kind] {
		if q.Matches(rec) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].Meta(), matched[j].Meta()
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.Hex() > b.ID.Hex()
	})

	total := int64(len(matched))
	if q.Paginated() {
		start := min(q.Skip(), total)
		end := min(start+q.Limit, total)
		matched = matched[start:end]
	}
	out := make([]models.Record, len(matched))
	for i, rec := range matched {
		out[i] = cloneRecord(rec)
	}
	return out, total, nil
}

// SaveReconciliationReport appends a report.
func (s *Store) SaveReconciliationReport(ctx context.Context, report models.ReconciliationReport) error {
	defer s.lock(ctx)()

	if report.CreatedAt.IsZero() {
		report.CreatedAt = s.now().UTC()
	}
	report.Drifts = append([]models.FieldDrift(nil), report.Drifts...)
	s.state.reports = append(s.state.reports, report)
	return nil
}

// ListReconciliationReports returns up to limit reports, newest first.
func (s *Store) ListReconciliationReports(ctx context.Context, limit int64) ([]models.ReconciliationReport, error) {
	defer s.rlock(ctx)()

	n := int64(len(s.state.reports))
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.ReconciliationReport, 0, n)
	for i := len(s.state.reports) - 1; i >= 0 && int64(len(out)) < n; i-- {
		out = append(out, s.state.reports[i])
	}
	return out, nil
}

func unknownField(d models.Delta) error {
	return &models.ValidationError{Field: d.Field, Reason: "is not a counter of " + string(d.Ref.Kind)}
}
