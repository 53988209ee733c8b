package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

type counterKey struct {
	ref   models.AggregateRef
	field string
}

// ReconcileAll recomputes every ledger counter from the applied, non-deleted
// records and compares it with the stored value. It only reads.
func (e *Engine) ReconcileAll(ctx context.Context) (models.ReconciliationReport, error) {
	sums, records, err := e.recompute(ctx)
	if err != nil {
		return models.ReconciliationReport{}, err
	}

	report := models.ReconciliationReport{CheckedAt: e.now().UTC(), Records: records}
	seen := make(map[counterKey]bool, len(sums))
	for _, kind := range models.AggregateKinds {
		snapshots, err := e.store.ListSnapshots(ctx, kind)
		if err != nil {
			return models.ReconciliationReport{}, fmt.Errorf("list %s: %w", kind, err)
		}
		report.Aggregates += len(snapshots)
		for _, snap := range snapshots {
			for _, field := range models.LedgerFields(kind) {
				key := counterKey{ref: snap.Ref, field: field}
				seen[key] = true
				if drift, ok := compare(snap, field, sums[key]); ok {
					report.Drifts = append(report.Drifts, drift)
				}
			}
		}
	}

	// deltas pointing at aggregates that no longer exist at all
	for key, sum := range sums {
		if seen[key] || sum.IsZero() {
			continue
		}
		report.Drifts = append(report.Drifts, models.FieldDrift{
			Ref:        key.ref,
			Field:      key.field,
			Stored:     decimal.Zero,
			Recomputed: sum,
			Drift:      sum.Neg(),
		})
	}
	sortDrifts(report.Drifts)

	if report.Clean() {
		e.logger.Info("reconciliation clean", zap.Int("aggregates", report.Aggregates), zap.Int("records", report.Records))
	} else {
		e.logger.Warn("reconciliation found drift",
			zap.Int("aggregates", report.Aggregates),
			zap.Int("records", report.Records),
			zap.Int("drifts", len(report.Drifts)))
	}
	return report, nil
}

// Reconcile checks the counters of a single aggregate.
func (e *Engine) Reconcile(ctx context.Context, ref models.AggregateRef) ([]models.FieldDrift, error) {
	snap, err := e.store.Snapshot(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", ref, err)
	}
	sums, _, err := e.recompute(ctx)
	if err != nil {
		return nil, err
	}

	var drifts []models.FieldDrift
	for _, field := range models.LedgerFields(ref.Kind) {
		if drift, ok := compare(snap, field, sums[counterKey{ref: ref, field: field}]); ok {
			drifts = append(drifts, drift)
		}
	}
	return drifts, nil
}

// StalePending returns records still pending after olderThan. They mark an
// apply that was interrupted before it could finish or be rolled back.
func (e *Engine) StalePending(ctx context.Context, olderThan time.Duration) ([]models.Record, error) {
	cutoff := e.now().Add(-olderThan)
	q := models.Query{Status: models.StatusPending, IncludeDeleted: true, CreatedBefore: &cutoff}

	var stale []models.Record
	for _, kind := range models.AllKinds {
		records, _, err := e.store.ListRecords(ctx, kind, q)
		if err != nil {
			return nil, fmt.Errorf("list pending %s: %w", kind, err)
		}
		stale = append(stale, records...)
	}
	if len(stale) > 0 {
		e.logger.Warn("stale pending records", zap.Int("count", len(stale)), zap.Duration("older_than", olderThan))
	}
	return stale, nil
}

// RecoverStale rolls back every record still pending after olderThan and
// returns the ones it recovered. A record that fails to recover stays pending
// for the next pass.
func (e *Engine) RecoverStale(ctx context.Context, olderThan time.Duration) ([]models.Record, error) {
	stale, err := e.StalePending(ctx, olderThan)
	if err != nil {
		return nil, err
	}

	var (
		recovered []models.Record
		errs      []error
	)
	for _, rec := range stale {
		ok, err := e.Recover(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			recovered = append(recovered, rec)
		}
	}
	return recovered, errors.Join(errs...)
}

func (e *Engine) recompute(ctx context.Context) (map[counterKey]decimal.Decimal, int, error) {
	sums := make(map[counterKey]decimal.Decimal)
	count := 0
	for _, kind := range LedgerKinds() {
		records, _, err := e.store.ListRecords(ctx, kind, models.Query{Status: models.StatusApplied})
		if err != nil {
			return nil, 0, fmt.Errorf("list %s: %w", kind, err)
		}
		for _, rec := range records {
			deltas, err := e.effectsOf(ctx, rec)
			if err != nil {
				return nil, 0, err
			}
			for _, d := range deltas {
				key := counterKey{ref: d.Ref, field: d.Field}
				sums[key] = sums[key].Add(d.Amount)
			}
		}
		count += len(records)
	}
	return sums, count, nil
}

func compare(snap models.AggregateSnapshot, field string, recomputed decimal.Decimal) (models.FieldDrift, bool) {
	stored := snap.Values[field]
	if stored.Equal(recomputed) {
		return models.FieldDrift{}, false
	}
	return models.FieldDrift{
		Ref:        snap.Ref,
		Name:       snap.Name,
		Field:      field,
		Stored:     stored,
		Recomputed: recomputed,
		Drift:      stored.Sub(recomputed),
	}, true
}

func sortDrifts(drifts []models.FieldDrift) {
	sort.Slice(drifts, func(i, j int) bool {
		a, b := drifts[i], drifts[j]
		if a.Ref.Kind != b.Ref.Kind {
			return a.Ref.Kind < b.Ref.Kind
		}
		if a.Ref.ID != b.Ref.ID {
			return a.Ref.ID.Hex() < b.Ref.ID.Hex()
		}
		return a.Field < b.Field
	})
}
