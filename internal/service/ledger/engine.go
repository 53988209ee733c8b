package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

// Engine records transactions and keeps the aggregate counters in step with them.
type Engine struct {
	store          Store
	tx             Transactor
	useTx          bool
	guard          bool
	pendingTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// DefaultPendingTimeout is how long a record may stay pending before a retry
// or the sweep rolls it back.
const DefaultPendingTimeout = 5 * time.Minute

// Option customises an Engine.
type Option func(*Engine)

// WithTransactions selects between store transactions (when the store supports
// them) and the compensation log.
func WithTransactions(enabled bool) Option {
	return func(e *Engine) { e.useTx = enabled }
}

// WithNonNegativeGuard rejects decrements that would drive a stock counter
// (flock quantity and eggs, material quantity) below zero.
func WithNonNegativeGuard(enabled bool) Option {
	return func(e *Engine) { e.guard = enabled }
}

// WithPendingTimeout sets the age after which a pending record counts as
// abandoned. Zero disables recovery on retry.
func WithPendingTimeout(d time.Duration) Option {
	return func(e *Engine) { e.pendingTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires a ledger engine over store.
func NewEngine(store Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{store: store, useTx: true, pendingTimeout: DefaultPendingTimeout, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if t, ok := store.(Transactor); ok && e.useTx {
		e.tx = t
	}
	return e
}

// Atomic reports whether effects run inside store transactions.
func (e *Engine) Atomic() bool {
	return e.tx != nil
}

// Record validates rec, persists it and applies its effect. When rec carries an
// idempotency key that was already applied, the stored record is returned with
// replayed set and nothing is applied again. A key held by a record left
// pending longer than the pending timeout is reclaimed first.
func (e *Engine) Record(ctx context.Context, rec models.Record) (result models.Record, replayed bool, err error) {
	meta := rec.Meta()
	kind := rec.Kind()

	key := meta.IdempotencyKey
	if key != "" {
		existing, err := e.replay(ctx, rec, key)
		if err != nil || existing != nil {
			return existing, existing != nil, err
		}
	} else {
		key = uuid.NewString()
	}

	if err := rec.Validate(); err != nil {
		return nil, false, err
	}
	if err := e.resolveRefs(ctx, rec); err != nil {
		return nil, false, err
	}
	if err := e.prepare(ctx, rec); err != nil {
		return nil, false, err
	}

	now := e.now().UTC()
	*meta = models.RecordMeta{
		Date:           meta.Date,
		Status:         models.StatusPending,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	deltas := Effects(rec)

	if e.tx != nil {
		err = e.recordAtomic(ctx, rec, deltas)
	} else {
		err = e.recordCompensated(ctx, rec, deltas)
	}
	if errors.Is(err, models.ErrDuplicateKey) {
		// a concurrent request with the same key won the insert
		existing, rerr := e.replay(ctx, rec, key)
		if rerr != nil {
			return nil, false, rerr
		}
		if existing != nil {
			return existing, true, nil
		}
	}
	if err != nil {
		return nil, false, err
	}

	meta.Status = models.StatusApplied
	e.logger.Info("transaction recorded",
		zap.String("kind", string(kind)),
		zap.String("id", meta.ID.Hex()),
		zap.String("idempotency_key", key),
		zap.Int("deltas", len(deltas)))
	return rec, false, nil
}

func (e *Engine) recordAtomic(ctx context.Context, rec models.Record, deltas []models.Delta) error {
	meta := rec.Meta()
	err := e.tx.WithTransaction(ctx, func(ctx context.Context) error {
		meta.Status = models.StatusPending
		if err := e.store.InsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if _, err := e.applyDeltas(ctx, deltas); err != nil {
			return err
		}
		return e.markApplied(ctx, rec)
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrDuplicateKey) && !errors.Is(err, models.ErrInsufficientStock) {
		e.logger.Error("ledger transaction rolled back",
			zap.String("kind", string(rec.Kind())),
			zap.String("idempotency_key", meta.IdempotencyKey),
			zap.Error(err))
	}
	return err
}

// recordCompensated applies deltas one at a time outside a store transaction.
// The record's progress is raised before each increment and lowered before
// each revert, so recovery of an abandoned record reverts exactly what the
// progress covers. A crash between a progress write and its increment leaves
// at most one delta of drift, which reconciliation reports.
func (e *Engine) recordCompensated(ctx context.Context, rec models.Record, deltas []models.Delta) error {
	if err := e.store.InsertRecord(ctx, rec); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	kind, id := rec.Kind(), rec.Meta().ID

	applied, err := e.applyTracked(ctx, kind, id, deltas)
	if err == nil {
		if err = e.markApplied(ctx, rec); err == nil {
			return nil
		}
	}
	if errors.Is(err, errReclaimed) {
		// recovery owns the record and reverts what its progress covers
		return e.partial(kind, id, applied, len(deltas), nil, err)
	}

	cerr := e.unwind(ctx, kind, id, deltas[:applied])
	switch {
	case errors.Is(cerr, errReclaimed):
		return e.partial(kind, id, applied, len(deltas), nil, err)
	case cerr == nil:
		if ferr := e.store.MarkRecordFailed(context.WithoutCancel(ctx), kind, id); ferr != nil {
			e.logger.Error("failed to mark record as failed", zap.String("kind", string(kind)), zap.String("id", id.Hex()), zap.Error(ferr))
		}
		if errors.Is(err, models.ErrInsufficientStock) {
			return err
		}
	}
	return e.partial(kind, id, applied, len(deltas), cerr, err)
}

// applyTracked applies deltas in order, raising the progress of the pending
// record before each one. It returns how many deltas were applied.
func (e *Engine) applyTracked(ctx context.Context, kind models.Kind, id primitive.ObjectID, deltas []models.Delta) (int, error) {
	for i, d := range deltas {
		if err := e.setProgress(ctx, kind, id, models.StatusPending, i+1); err != nil {
			return i, err
		}
		if err := e.applyDelta(ctx, d); err != nil {
			return i, err
		}
	}
	return len(deltas), nil
}

// unwind reverts applied deltas newest first while the record is still
// pending, lowering its progress before each revert. It stops at the first
// failure and leaves the progress covering what is still applied.
func (e *Engine) unwind(ctx context.Context, kind models.Kind, id primitive.ObjectID, applied []models.Delta) error {
	return e.revertTracked(context.WithoutCancel(ctx), kind, id, models.StatusPending, applied)
}

func (e *Engine) revertTracked(ctx context.Context, kind models.Kind, id primitive.ObjectID, status models.RecordStatus, applied []models.Delta) error {
	if err := e.setProgress(ctx, kind, id, status, len(applied)); err != nil {
		return err
	}
	for i := len(applied) - 1; i >= 0; i-- {
		if err := e.setProgress(ctx, kind, id, status, i); err != nil {
			return err
		}
		d := applied[i].Negate()
		if err := e.store.ApplyDelta(ctx, d, false); err != nil {
			if _, perr := e.store.SetRecordProgress(ctx, kind, id, status, i+1); perr != nil {
				e.logger.Error("failed to restore record progress", zap.String("kind", string(kind)), zap.String("id", id.Hex()), zap.Error(perr))
			}
			return fmt.Errorf("revert %s: %w", d, err)
		}
	}
	return nil
}

func (e *Engine) setProgress(ctx context.Context, kind models.Kind, id primitive.ObjectID, status models.RecordStatus, progress int) error {
	ok, err := e.store.SetRecordProgress(ctx, kind, id, status, progress)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if !ok {
		return errReclaimed
	}
	return nil
}

func (e *Engine) markApplied(ctx context.Context, rec models.Record) error {
	ok, err := e.store.SetRecordStatus(ctx, rec.Kind(), rec.Meta().ID, models.StatusPending, models.StatusApplied)
	if err != nil {
		return fmt.Errorf("mark record applied: %w", err)
	}
	if !ok {
		return fmt.Errorf("mark record applied: %w", errReclaimed)
	}
	return nil
}

// Recover rolls back a record left pending by an interrupted apply. It claims
// the record, reverts the deltas its progress covers and releases its
// idempotency key. It reports false when the record was not pending.
func (e *Engine) Recover(ctx context.Context, rec models.Record) (bool, error) {
	kind, id := rec.Kind(), rec.Meta().ID
	ctx = context.WithoutCancel(ctx)

	ok, err := e.store.SetRecordStatus(ctx, kind, id, models.StatusPending, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("claim %s %s: %w", kind, id.Hex(), err)
	}
	if !ok {
		return false, nil
	}
	claimed, err := e.store.FindRecord(ctx, kind, id)
	if err != nil {
		return false, fmt.Errorf("load %s %s: %w", kind, id.Hex(), err)
	}

	deltas := Effects(claimed)
	progress := min(claimed.Meta().Progress, len(deltas))
	if err := e.revertTracked(ctx, kind, id, models.StatusFailed, deltas[:progress]); err != nil {
		// hand the record back so the next sweep retries from the stored progress
		if _, serr := e.store.SetRecordStatus(ctx, kind, id, models.StatusFailed, models.StatusPending); serr != nil {
			e.logger.Error("failed to release claimed record", zap.String("kind", string(kind)), zap.String("id", id.Hex()), zap.Error(serr))
		}
		e.logger.Error("pending record recovery failed",
			zap.String("kind", string(kind)), zap.String("id", id.Hex()), zap.Error(err))
		return false, fmt.Errorf("recover %s %s: %w", kind, id.Hex(), err)
	}
	if err := e.store.MarkRecordFailed(ctx, kind, id); err != nil {
		return false, fmt.Errorf("release %s %s: %w", kind, id.Hex(), err)
	}

	e.logger.Warn("abandoned pending record rolled back",
		zap.String("kind", string(kind)),
		zap.String("id", id.Hex()),
		zap.String("idempotency_key", claimed.Meta().IdempotencyKey),
		zap.Int("reverted", progress))
	return true, nil
}

// Delete soft-deletes a record and applies the inverse of its effect. Deleting
// an already deleted record is a no-op.
func (e *Engine) Delete(ctx context.Context, kind models.Kind, id primitive.ObjectID) error {
	rec, err := e.store.FindRecord(ctx, kind, id)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id.Hex(), ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load %s %s: %w", kind, id.Hex(), err)
	}

	meta := rec.Meta()
	switch meta.Status {
	case models.StatusPending:
		return fmt.Errorf("%s %s: %w", kind, id.Hex(), ErrApplyInProgress)
	case models.StatusFailed:
		return fmt.Errorf("%s %s: %w", kind, id.Hex(), ErrNotFound)
	}
	if meta.Deleted {
		return nil
	}

	effects, err := e.effectsOf(ctx, rec)
	if err != nil {
		return err
	}
	deltas := Reversal(effects)

	if e.tx != nil {
		err = e.tx.WithTransaction(ctx, func(ctx context.Context) error {
			ok, err := e.store.SetRecordDeleted(ctx, kind, id, true)
			if err != nil {
				return fmt.Errorf("mark record deleted: %w", err)
			}
			if !ok {
				return errAlreadyDeleted
			}
			_, err = e.applyDeltas(ctx, deltas)
			return err
		})
		switch {
		case err == nil:
		case errors.Is(err, errAlreadyDeleted):
			return nil
		case errors.Is(err, models.ErrInsufficientStock):
			return err
		default:
			e.logger.Error("ledger reversal rolled back", zap.String("kind", string(kind)), zap.String("id", id.Hex()), zap.Error(err))
			return err
		}
	} else if err := e.deleteCompensated(ctx, kind, id, deltas); err != nil {
		if errors.Is(err, errAlreadyDeleted) {
			return nil
		}
		return err
	}

	e.logger.Info("transaction deleted",
		zap.String("kind", string(kind)),
		zap.String("id", id.Hex()),
		zap.Int("deltas", len(deltas)))
	return nil
}

func (e *Engine) deleteCompensated(ctx context.Context, kind models.Kind, id primitive.ObjectID, deltas []models.Delta) error {
	ok, err := e.store.SetRecordDeleted(ctx, kind, id, true)
	if err != nil {
		return fmt.Errorf("mark record deleted: %w", err)
	}
	if !ok {
		return errAlreadyDeleted
	}

	applied, err := e.applyDeltas(ctx, deltas)
	if err == nil {
		return nil
	}

	cerr := e.compensate(ctx, deltas[:applied])
	if cerr == nil {
		if _, rerr := e.store.SetRecordDeleted(context.WithoutCancel(ctx), kind, id, false); rerr != nil {
			cerr = fmt.Errorf("restore record: %w", rerr)
		} else if errors.Is(err, models.ErrInsufficientStock) {
			return err
		}
	}
	return e.partial(kind, id, applied, len(deltas), cerr, err)
}

func (e *Engine) partial(kind models.Kind, id primitive.ObjectID, applied, total int, compensateErr, cause error) error {
	perr := &PartialApplyError{
		Kind:        kind,
		ID:          id,
		Applied:     applied,
		Total:       total,
		Compensated: compensateErr == nil,
		Cause:       cause,
	}
	fields := []zap.Field{
		zap.String("kind", string(kind)),
		zap.String("id", id.Hex()),
		zap.Int("applied", applied),
		zap.Int("total", total),
		zap.Error(cause),
	}
	if compensateErr != nil {
		fields = append(fields, zap.NamedError("compensation_error", compensateErr))
	}
	e.logger.Error("ledger effect failed after record persisted", fields...)
	return perr
}

func (e *Engine) applyDeltas(ctx context.Context, deltas []models.Delta) (int, error) {
	for i, d := range deltas {
		if err := e.applyDelta(ctx, d); err != nil {
			return i, err
		}
	}
	return len(deltas), nil
}

func (e *Engine) applyDelta(ctx context.Context, d models.Delta) error {
	guard := e.guard && d.Amount.IsNegative() && models.Guarded(d.Ref.Kind, d.Field)
	if err := e.store.ApplyDelta(ctx, d, guard); err != nil {
		return fmt.Errorf("apply %s: %w", d, err)
	}
	return nil
}

// compensate reverts applied deltas newest first. It ignores cancellation of
// ctx so that a cancelled request still unwinds what it did.
func (e *Engine) compensate(ctx context.Context, applied []models.Delta) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		d := applied[i].Negate()
		if err := e.store.ApplyDelta(ctx, d, false); err != nil {
			errs = append(errs, fmt.Errorf("revert %s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) replay(ctx context.Context, rec models.Record, key string) (models.Record, error) {
	kind := rec.Kind()
	existing, err := e.store.FindRecordByKey(ctx, kind, key)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	switch meta := existing.Meta(); meta.Status {
	case models.StatusPending:
		if e.pendingTimeout <= 0 || e.now().Sub(meta.CreatedAt) < e.pendingTimeout {
			return nil, fmt.Errorf("idempotency key %q: %w", key, ErrApplyInProgress)
		}
		ok, err := e.Recover(ctx, existing)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("idempotency key %q: %w", key, ErrApplyInProgress)
		}
		return nil, nil
	case models.StatusFailed:
		// claimed by recovery, key not yet released
		return nil, fmt.Errorf("idempotency key %q: %w", key, ErrApplyInProgress)
	}

	if conflicts(existing, rec) {
		e.logger.Warn("idempotency key reused with a different payload",
			zap.String("kind", string(kind)),
			zap.String("idempotency_key", key),
			zap.String("id", existing.Meta().ID.Hex()))
		return nil, &models.ValidationError{Field: "idempotencyKey", Reason: "was already used for a different transaction"}
	}
	return existing, nil
}

// conflicts reports whether a retried payload references other entities or
// moves the counters differently than the stored record.
func conflicts(stored, retry models.Record) bool {
	if !slices.Equal(stored.Refs(), retry.Refs()) {
		return true
	}
	switch r := retry.(type) {
	case *models.FeedProduction:
		// lines are snapshotted from the formula, which the refs already cover
		return false
	case *models.EggsSale:
		if r.AmountPaid == nil {
			c := *r
			paid := c.TotalAmount()
			c.AmountPaid = &paid
			retry = &c
		}
	}

	want, got := Effects(stored), Effects(retry)
	if len(want) != len(got) {
		return true
	}
	for i := range want {
		if want[i].Ref != got[i].Ref || want[i].Field != got[i].Field || !want[i].Amount.Equal(got[i].Amount) {
			return true
		}
	}
	return false
}

func (e *Engine) resolveRefs(ctx context.Context, rec models.Record) error {
	for _, ref := range rec.Refs() {
		ok, err := e.store.EntityExists(ctx, ref.Kind, ref.ID)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", ref.Field, err)
		}
		if !ok {
			return &models.ValidationError{Field: ref.Field, Reason: fmt.Sprintf("%s does not exist or was deleted", ref.ID.Hex())}
		}
	}
	return nil
}

// prepare fills the fields derived at apply time: the formula snapshot of a
// feed production and the default amount paid of an egg sale.
func (e *Engine) prepare(ctx context.Context, rec models.Record) error {
	switch r := rec.(type) {
	case *models.FeedProduction:
		formula, err := e.store.FindFormula(ctx, r.Formula)
		if errors.Is(err, models.ErrNotFound) {
			return &models.ValidationError{Field: "formula", Reason: "does not exist"}
		}
		if err != nil {
			return fmt.Errorf("load formula: %w", err)
		}
		if len(formula.Materials) == 0 {
			return &models.ValidationError{Field: "formula", Reason: "has no material lines"}
		}
		for i, line := range formula.Materials {
			ok, err := e.store.EntityExists(ctx, models.EntityMaterial, line.Material)
			if err != nil {
				return fmt.Errorf("resolve formula material: %w", err)
			}
			if !ok {
				return &models.ValidationError{Field: fmt.Sprintf("formula.materials[%d]", i), Reason: "material does not exist or was deleted"}
			}
		}
		r.Materials = append([]models.FormulaLine(nil), formula.Materials...)
	case *models.EggsSale:
		if r.AmountPaid == nil {
			paid := r.TotalAmount()
			r.AmountPaid = &paid
		}
	}
	return nil
}

// effectsOf returns the effect a stored record applied. Feed productions saved
// without a formula snapshot fall back to the formula's current lines.
func (e *Engine) effectsOf(ctx context.Context, rec models.Record) ([]models.Delta, error) {
	fp, ok := rec.(*models.FeedProduction)
	if !ok || len(fp.Materials) > 0 {
		return Effects(rec), nil
	}
	formula, err := e.store.FindFormula(ctx, fp.Formula)
	if err != nil {
		return nil, fmt.Errorf("load formula %s: %w", fp.Formula.Hex(), err)
	}
	e.logger.Warn("feed production has no formula snapshot, using current formula",
		zap.String("id", fp.ID.Hex()), zap.String("formula", fp.Formula.Hex()))
	withLines := *fp
	withLines.Materials = formula.Materials
	return Effects(&withLines), nil
}
