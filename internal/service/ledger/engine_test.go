package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pratikpakhale/poultry/internal/domain/models"
	"github.com/pratikpakhale/poultry/internal/repository/memory"
	"github.com/pratikpakhale/poultry/internal/service/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var day = time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type farm struct {
	store    *memory.Store
	flock    primitive.ObjectID
	corn     primitive.ObjectID
	soy      primitive.ObjectID
	customer primitive.ObjectID
	starter  primitive.ObjectID
}

// newFarm seeds one flock, Corn and Soy stocked to 500 and 300 by purchase
// records, a customer and the StarterMix formula [{Corn, 50}, {Soy, 20}].
func newFarm(t *testing.T) *farm {
	t.Helper()
	ctx := context.Background()
	s := memory.NewStore()

	flock := &models.Flock{Name: "Shed 1", Active: true}
	require.NoError(t, s.CreateFlock(ctx, flock))
	corn := &models.Material{Name: "Corn", Type: models.MaterialFeed, Unit: "kg"}
	require.NoError(t, s.CreateMaterial(ctx, corn))
	soy := &models.Material{Name: "Soy", Type: models.MaterialFeed, Unit: "kg"}
	require.NoError(t, s.CreateMaterial(ctx, soy))
	customer := &models.Customer{Name: "Ravi Traders"}
	require.NoError(t, s.CreateCustomer(ctx, customer))
	starter := &models.Formula{Name: "StarterMix", Materials: []models.FormulaLine{
		{Material: corn.ID, Quantity: dec("50")},
		{Material: soy.ID, Quantity: dec("20")},
	}}
	require.NoError(t, s.CreateFormula(ctx, starter))

	opening := ledger.NewEngine(s, nil)
	for _, p := range []*models.FeedPurchase{
		{RecordMeta: models.RecordMeta{Date: day}, Material: corn.ID, Quantity: dec("500"), Cost: dec("11000")},
		{RecordMeta: models.RecordMeta{Date: day}, Material: soy.ID, Quantity: dec("300"), Cost: dec("14400")},
	} {
		_, _, err := opening.Record(ctx, p)
		require.NoError(t, err)
	}

	return &farm{store: s, flock: flock.ID, corn: corn.ID, soy: soy.ID, customer: customer.ID, starter: starter.ID}
}

func (f *farm) flockState(t *testing.T) models.Flock {
	t.Helper()
	fl, err := f.store.GetFlock(context.Background(), f.flock)
	require.NoError(t, err)
	return fl
}

func (f *farm) materialQty(t *testing.T, id primitive.ObjectID) decimal.Decimal {
	t.Helper()
	m, err := f.store.GetMaterial(context.Background(), id)
	require.NoError(t, err)
	return m.Quantity
}

func (f *farm) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	c, err := f.store.GetCustomer(context.Background(), f.customer)
	require.NoError(t, err)
	return c.Balance
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "expected %s, got %s", want, got)
}

func record(t *testing.T, e *ledger.Engine, rec models.Record) models.Record {
	t.Helper()
	out, replayed, err := e.Record(context.Background(), rec)
	require.NoError(t, err)
	require.False(t, replayed)
	return out
}

var errInjected = errors.New("injected failure")

// faultyStore fails the failAt-th ApplyDelta call, and every call after it
// when failAfter is set.
type faultyStore struct {
	*memory.Store
	mu        sync.Mutex
	calls     int
	failAt    int
	failAfter bool
}

func (f *faultyStore) ApplyDelta(ctx context.Context, d models.Delta, guard bool) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n == f.failAt || (f.failAfter && n > f.failAt) {
		return errInjected
	}
	return f.Store.ApplyDelta(ctx, d, guard)
}

func modes() map[string]bool {
	return map[string]bool{"transaction": true, "compensation": false}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarioA_FlockCounters(t *testing.T) {
	for name, tx := range modes() {
		t.Run(name, func(t *testing.T) {
			// GIVEN: a flock at {quantity:0, eggs:0, mortality:0}
			f := newFarm(t)
			e := ledger.NewEngine(f.store, nil, ledger.WithTransactions(tx))

			// WHEN: purchase 100, mortality 5, sale 20
			record(t, e, &models.BirdPurchase{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 100, Rate: dec("45")})
			assert.Equal(t, int64(100), f.flockState(t).Quantity)

			mortality := record(t, e, &models.BirdMortality{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 5})
			assert.Equal(t, int64(5), f.flockState(t).Mortality)

			record(t, e, &models.BirdSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 20, Rate: dec("60")})
			assert.Equal(t, int64(80), f.flockState(t).Quantity)

			// THEN: deleting the mortality record resets mortality only
			require.NoError(t, e.Delete(context.Background(), models.KindBirdMortality, mortality.Meta().ID))
			fl := f.flockState(t)
			assert.Equal(t, int64(0), fl.Mortality)
			assert.Equal(t, int64(80), fl.Quantity)
		})
	}
}

func TestScenarioB_FeedProductionConsumesFormula(t *testing.T) {
	for name, tx := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFarm(t)
			e := ledger.NewEngine(f.store, nil, ledger.WithTransactions(tx))

			prod := record(t, e, &models.FeedProduction{RecordMeta: models.RecordMeta{Date: day}, Formula: f.starter})
			assertDecimal(t, "450", f.materialQty(t, f.corn))
			assertDecimal(t, "280", f.materialQty(t, f.soy))

			// the lines actually consumed are stored on the record
			stored, err := f.store.FindRecord(context.Background(), models.KindFeedProduction, prod.Meta().ID)
			require.NoError(t, err)
			assert.Len(t, stored.(*models.FeedProduction).Materials, 2)

			require.NoError(t, e.Delete(context.Background(), models.KindFeedProduction, prod.Meta().ID))
			assertDecimal(t, "500", f.materialQty(t, f.corn))
			assertDecimal(t, "300", f.materialQty(t, f.soy))
		})
	}
}

func TestScenarioC_EggsSaleCustomerBalance(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)
	record(t, e, &models.EggsProduction{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 300, Type: models.EggsNormal})

	// fully paid: balance unchanged
	record(t, e, &models.EggsSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Customer: f.customer,
		Quantity: 100, Rate: dec("500"), AmountPaid: decPtr("500")})
	assertDecimal(t, "0", f.balance(t))

	// underpaid by 100: customer owes 100
	second := record(t, e, &models.EggsSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Customer: f.customer,
		Quantity: 100, Rate: dec("500"), AmountPaid: decPtr("400")})
	assertDecimal(t, "-100", f.balance(t))
	assert.Equal(t, int64(100), f.flockState(t).Eggs)

	require.NoError(t, e.Delete(context.Background(), models.KindEggsSale, second.Meta().ID))
	assertDecimal(t, "0", f.balance(t))
	assert.Equal(t, int64(200), f.flockState(t).Eggs)
}

func TestEggsSale_AmountPaidDefaultsToTotal(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)

	sale := record(t, e, &models.EggsSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Customer: f.customer,
		Quantity: 30, Rate: dec("550")})

	paid := sale.(*models.EggsSale).AmountPaid
	require.NotNil(t, paid)
	assertDecimal(t, "165", *paid)
	assertDecimal(t, "0", f.balance(t))
}

// =============================================================================
// ROUND TRIP / DELETE / ORDERING
// =============================================================================

func TestRecordThenDelete_RestoresEveryAggregate(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)
	ctx := context.Background()

	// seed non-zero counters so restoration is checked against a real baseline
	record(t, e, &models.BirdPurchase{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 500, Rate: dec("40")})
	record(t, e, &models.EggsProduction{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 900, Type: models.EggsCracked})
	beforeFlock := f.flockState(t)
	beforeCorn, beforeSoy, beforeBalance := f.materialQty(t, f.corn), f.materialQty(t, f.soy), f.balance(t)

	other := f.flock
	records := []models.Record{
		&models.BirdPurchase{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 12, Rate: dec("40")},
		&models.BirdSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 7, Rate: dec("75.5")},
		&models.BirdMortality{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 3, Cause: "heat"},
		&models.EggsProduction{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 410, Type: models.EggsNormal},
		&models.EggsSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Customer: f.customer, Quantity: 210, Rate: dec("512.5"), AmountPaid: decPtr("1000.25")},
		&models.FeedPurchase{RecordMeta: models.RecordMeta{Date: day}, Material: f.corn, Quantity: dec("12.375"), Cost: dec("300")},
		&models.FeedSale{RecordMeta: models.RecordMeta{Date: day}, Material: f.soy, Quantity: dec("0.125"), Cost: dec("5")},
		&models.FeedProduction{RecordMeta: models.RecordMeta{Date: day}, Formula: f.starter},
		&models.Vaccine{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Name: "Lasota", Cost: dec("800")},
		&models.Manure{RecordMeta: models.RecordMeta{Date: day}, Type: models.ManureBag, Quantity: dec("10"), Rate: dec("60"), Customer: "Mohan"},
		&models.Other{RecordMeta: models.RecordMeta{Date: day}, Name: "Electricity", Cost: dec("1500"), Flock: &other},
	}
	for _, rec := range records {
		record(t, e, rec)
	}
	for _, rec := range records {
		require.NoError(t, e.Delete(ctx, rec.Kind(), rec.Meta().ID), rec.Kind())
	}

	assert.Equal(t, beforeFlock.Quantity, f.flockState(t).Quantity)
	assert.Equal(t, beforeFlock.Eggs, f.flockState(t).Eggs)
	assert.Equal(t, beforeFlock.Mortality, f.flockState(t).Mortality)
	assertDecimal(t, beforeCorn.String(), f.materialQty(t, f.corn))
	assertDecimal(t, beforeSoy.String(), f.materialQty(t, f.soy))
	assertDecimal(t, beforeBalance.String(), f.balance(t))

	report, err := e.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "unexpected drift: %+v", report.Drifts)
}

func TestDeleteTwice_IsNoOp(t *testing.T) {
	for name, tx := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFarm(t)
			e := ledger.NewEngine(f.store, nil, ledger.WithTransactions(tx))
			ctx := context.Background()

			record(t, e, &models.BirdPurchase{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 50, Rate: dec("40")})
			sale := record(t, e, &models.BirdSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 10, Rate: dec("70")})

			require.NoError(t, e.Delete(ctx, models.KindBirdSale, sale.Meta().ID))
			require.NoError(t, e.Delete(ctx, models.KindBirdSale, sale.Meta().ID))

			assert.Equal(t, int64(50), f.flockState(t).Quantity)
		})
	}
}

func TestDelete_UnknownRecord(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)

	err := e.Delete(context.Background(), models.KindBirdSale, primitive.NewObjectID())

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestIndependentRecords_Commute(t *testing.T) {
	build := func(f *farm) []models.Record {
		return []models.Record{
			&models.FeedPurchase{RecordMeta: models.RecordMeta{Date: day}, Material: f.corn, Quantity: dec("40.5"), Cost: dec("900")},
			&models.FeedProduction{RecordMeta: models.RecordMeta{Date: day}, Formula: f.starter},
			&models.FeedSale{RecordMeta: models.RecordMeta{Date: day}, Material: f.corn, Quantity: dec("3.25"), Cost: dec("70")},
		}
	}

	forward := newFarm(t)
	ef := ledger.NewEngine(forward.store, nil)
	for _, rec := range build(forward) {
		record(t, ef, rec)
	}

	backward := newFarm(t)
	eb := ledger.NewEngine(backward.store, nil)
	recs := build(backward)
	for i := len(recs) - 1; i >= 0; i-- {
		record(t, eb, recs[i])
	}

	assertDecimal(t, forward.materialQty(t, forward.corn).String(), backward.materialQty(t, backward.corn))
	assertDecimal(t, forward.materialQty(t, forward.soy).String(), backward.materialQty(t, backward.soy))
	assertDecimal(t, "487.25", forward.materialQty(t, forward.corn))
}

func TestConcurrentRecords_NoLostUpdates(t *testing.T) {
	for name, tx := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFarm(t)
			e := ledger.NewEngine(f.store, nil, ledger.WithTransactions(tx))
			ctx := context.Background()

			const n = 40
			var wg sync.WaitGroup
			errs := make(chan error, 2*n)
			for i := 0; i < n; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, _, err := e.Record(ctx, &models.BirdPurchase{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 3, Rate: dec("40")})
					errs <- err
				}()
				go func() {
					defer wg.Done()
					_, _, err := e.Record(ctx, &models.FeedSale{RecordMeta: models.RecordMeta{Date: day}, Material: f.corn, Quantity: dec("1.5"), Cost: dec("30")})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			assert.Equal(t, int64(3*n), f.flockState(t).Quantity)
			assertDecimal(t, "440", f.materialQty(t, f.corn))
		})
	}
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestFeedProduction_FailureBetweenLines_TransactionMode(t *testing.T) {
	// GIVEN: a store that fails the second material decrement
	f := newFarm(t)
	store := &faultyStore{Store: f.store, failAt: 2}
	e := ledger.NewEngine(store, nil, ledger.WithTransactions(true))
	require.True(t, e.Atomic())

	// WHEN: a feed production is recorded
	_, _, err := e.Record(context.Background(), &models.FeedProduction{RecordMeta: models.RecordMeta{Date: day}, Formula: f.starter})

	// THEN: nothing is applied and no record is visible
	require.ErrorIs(t, err, errInjected)
	assertDecimal(t, "500", f.materialQty(t, f.corn))
	assertDecimal(t, "300", f.materialQty(t, f.soy))

	recs, total, err := f.store.ListRecords(context.Background(), models.KindFeedProduction, models.Query{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, recs)
}

func TestFeedProduction_FailureBetweenLines_CompensationMode(t *testing.T) {
	f := newFarm(t)
	store := &faultyStore{Store: f.store, failAt: 2}
	e := ledger.NewEngine(store, nil, ledger.WithTransactions(false))
	require.False(t, e.Atomic())
	ctx := context.Background()

	_, _, err := e.Record(ctx, &models.FeedProduction{
		RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "batch-7"},
		Formula:    f.starter,
	})

	var partial *ledger.PartialApplyError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, ledger.ErrPartialApply)
	assert.ErrorIs(t, err, errInjected)
	assert.True(t, partial.Compensated)
	assert.Equal(t, 1, partial.Applied)
	assert.Equal(t, 2, partial.Total)

	// corn was decremented then compensated
	assertDecimal(t, "500", f.materialQty(t, f.corn))
	assertDecimal(t, "300", f.materialQty(t, f.soy))

	failed, _, err := f.store.ListRecords(ctx, models.KindFeedProduction, models.Query{Status: models.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "batch-7", failed[0].Meta().FailedKey)
	assert.Empty(t, failed[0].Meta().IdempotencyKey)

	// the key was released, so a retry applies once
	store.failAt = 0
	rec, replayed, err := e.Record(ctx, &models.FeedProduction{
		RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "batch-7"},
		Formula:    f.starter,
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, models.StatusApplied, rec.Meta().Status)
	assertDecimal(t, "450", f.materialQty(t, f.corn))
	assertDecimal(t, "280", f.materialQty(t, f.soy))
}

func TestFeedProduction_CompensationFails(t *testing.T) {
	f := newFarm(t)
	store := &faultyStore{Store: f.store, failAt: 2, failAfter: true}
	e := ledger.NewEngine(store, nil, ledger.WithTransactions(false))

	_, _, err := e.Record(context.Background(), &models.FeedProduction{RecordMeta: models.RecordMeta{Date: day}, Formula: f.starter})

	var partial *ledger.PartialApplyError
	require.ErrorAs(t, err, &partial)
	assert.False(t, partial.Compensated)
	assertDecimal(t, "450", f.materialQty(t, f.corn))

	// the stranded record stays pending, where the sweep and reconciliation find it
	stale, err := ledger.NewEngine(f.store, nil, ledger.WithClock(func() time.Time { return time.Now().Add(time.Hour) })).
		StalePending(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	report, err := ledger.NewEngine(f.store, nil).ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, f.corn, report.Drifts[0].Ref.ID)
	assertDecimal(t, "-50", report.Drifts[0].Drift)

	// once the store is healthy the sweep reverts the stranded decrement
	recovered, err := ledger.NewEngine(f.store, nil, ledger.WithClock(func() time.Time { return time.Now().Add(time.Hour) })).
		RecoverStale(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Len(t, recovered, 1)
	assertDecimal(t, "500", f.materialQty(t, f.corn))

	report, err = ledger.NewEngine(f.store, nil).ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean(), "unexpected drift: %+v", report.Drifts)
}

func TestDelete_FailureRestoresRecord_CompensationMode(t *testing.T) {
	f := newFarm(t)
	store := &faultyStore{Store: f.store}
	e := ledger.NewEngine(store, nil, ledger.WithTransactions(false))
	ctx := context.Background()

	prod := record(t, e, &models.FeedProduction{RecordMeta: models.RecordMeta{Date: day}, Formula: f.starter})
	store.failAt = store.calls + 2

	err := e.Delete(ctx, models.KindFeedProduction, prod.Meta().ID)

	var partial *ledger.PartialApplyError
	require.ErrorAs(t, err, &partial)
	assert.True(t, partial.Compensated)
	assertDecimal(t, "450", f.materialQty(t, f.corn))
	assertDecimal(t, "280", f.materialQty(t, f.soy))

	stored, err := f.store.FindRecord(ctx, models.KindFeedProduction, prod.Meta().ID)
	require.NoError(t, err)
	assert.False(t, stored.Meta().Deleted)

	// a later delete goes through
	store.failAt = 0
	require.NoError(t, e.Delete(ctx, models.KindFeedProduction, prod.Meta().ID))
	assertDecimal(t, "500", f.materialQty(t, f.corn))
}

// =============================================================================
// RETRY KEYS
// =============================================================================

func TestRecord_RetryKeyReplaysWithoutReapplying(t *testing.T) {
	for name, tx := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFarm(t)
			e := ledger.NewEngine(f.store, nil, ledger.WithTransactions(tx))
			ctx := context.Background()

			first, replayed, err := e.Record(ctx, &models.BirdPurchase{
				RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "po-42"},
				Flock:      f.flock, Quantity: 100, Rate: dec("40"),
			})
			require.NoError(t, err)
			require.False(t, replayed)

			again, replayed, err := e.Record(ctx, &models.BirdPurchase{
				RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "po-42"},
				Flock:      f.flock, Quantity: 100, Rate: dec("40"),
			})
			require.NoError(t, err)
			assert.True(t, replayed)
			assert.Equal(t, first.Meta().ID, again.Meta().ID)
			assert.Equal(t, int64(100), f.flockState(t).Quantity)
		})
	}
}

func TestRecord_RetryKeyWithDifferentPayload(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)
	ctx := context.Background()

	record(t, e, &models.BirdPurchase{
		RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "po-9"},
		Flock:      f.flock, Quantity: 100, Rate: dec("40"),
	})

	_, _, err := e.Record(ctx, &models.BirdPurchase{
		RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "po-9"},
		Flock:      f.flock, Quantity: 50, Rate: dec("40"),
	})

	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "idempotencyKey", verr.Field)
	assert.Equal(t, int64(100), f.flockState(t).Quantity)

	// an egg sale retried without amountPaid matches the defaulted original
	record(t, e, &models.EggsProduction{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 100, Type: models.EggsNormal})
	sale := &models.EggsSale{RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "inv-3"}, Flock: f.flock, Customer: f.customer, Quantity: 40, Rate: dec("500")}
	record(t, e, sale)
	_, replayed, err := e.Record(ctx, &models.EggsSale{RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "inv-3"}, Flock: f.flock, Customer: f.customer, Quantity: 40, Rate: dec("500")})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, int64(60), f.flockState(t).Eggs)
}

func TestRecord_ConcurrentRetriesApplyOnce(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil, ledger.WithTransactions(false))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.Record(ctx, &models.BirdPurchase{
				RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "dup"},
				Flock:      f.flock, Quantity: 10, Rate: dec("40"),
			})
			// a racing retry may see the first attempt still pending
			if err != nil {
				assert.ErrorIs(t, err, ledger.ErrApplyInProgress)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), f.flockState(t).Quantity)
}

func TestRecord_GeneratesKeyWhenMissing(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)

	rec := record(t, e, &models.Vaccine{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Name: "Gumboro", Cost: dec("450")})

	assert.NotEmpty(t, rec.Meta().IdempotencyKey)
	assert.False(t, rec.Meta().ID.IsZero())
	assert.Equal(t, models.StatusApplied, rec.Meta().Status)
}

func TestPendingRecord_BlocksReplayAndDelete(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)
	ctx := context.Background()

	pending := &models.BirdSale{
		RecordMeta: models.RecordMeta{Date: day, Status: models.StatusPending, IdempotencyKey: "stuck"},
		Flock:      f.flock, Quantity: 1, Rate: dec("70"),
	}
	require.NoError(t, f.store.InsertRecord(ctx, pending))

	_, _, err := e.Record(ctx, &models.BirdSale{
		RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "stuck"},
		Flock:      f.flock, Quantity: 1, Rate: dec("70"),
	})
	assert.ErrorIs(t, err, ledger.ErrApplyInProgress)

	err = e.Delete(ctx, models.KindBirdSale, pending.ID)
	assert.ErrorIs(t, err, ledger.ErrApplyInProgress)
}

// =============================================================================
// VALIDATION / GUARD
// =============================================================================

func TestRecord_RejectsUnresolvedReferences(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)
	ctx := context.Background()

	_, _, err := e.Record(ctx, &models.BirdPurchase{RecordMeta: models.RecordMeta{Date: day}, Flock: primitive.NewObjectID(), Quantity: 1})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "flock", verr.Field)

	_, err = f.store.SoftDeleteEntity(ctx, models.EntityCustomer, f.customer)
	require.NoError(t, err)
	_, _, err = e.Record(ctx, &models.EggsSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Customer: f.customer, Quantity: 1, Rate: dec("5")})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, _, err = e.Record(ctx, &models.EggsProduction{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 10, Type: "broken"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, _, err = e.Record(ctx, &models.BirdMortality{Flock: f.flock, Quantity: 1})
	assert.ErrorIs(t, err, models.ErrValidation)

	recs, total, err := f.store.ListRecords(ctx, models.KindBirdPurchase, models.Query{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, recs)
}

func TestRecord_FeedProductionWithDeletedMaterial(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)
	ctx := context.Background()

	_, err := f.store.SoftDeleteEntity(ctx, models.EntityMaterial, f.soy)
	require.NoError(t, err)

	_, _, err = e.Record(ctx, &models.FeedProduction{RecordMeta: models.RecordMeta{Date: day}, Formula: f.starter})

	assert.ErrorIs(t, err, models.ErrValidation)
	assertDecimal(t, "500", f.materialQty(t, f.corn))
}

func TestNegativeCounters_AllowedByDefault(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)

	record(t, e, &models.BirdSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 5, Rate: dec("70")})

	assert.Equal(t, int64(-5), f.flockState(t).Quantity)
}

func TestNonNegativeGuard(t *testing.T) {
	for name, tx := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFarm(t)
			e := ledger.NewEngine(f.store, nil, ledger.WithTransactions(tx), ledger.WithNonNegativeGuard(true))
			ctx := context.Background()

			_, _, err := e.Record(ctx, &models.BirdSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 5, Rate: dec("70")})
			assert.ErrorIs(t, err, models.ErrInsufficientStock)
			assert.Equal(t, int64(0), f.flockState(t).Quantity)

			// soy runs short on the second line; corn must not stay decremented
			require.NoError(t, f.store.UpdateEntity(ctx, models.EntityFormula, f.starter, models.Fields{
				"materials": []models.FormulaLine{{Material: f.corn, Quantity: dec("50")}, {Material: f.soy, Quantity: dec("300.5")}},
			}))
			_, _, err = e.Record(ctx, &models.FeedProduction{RecordMeta: models.RecordMeta{Date: day}, Formula: f.starter})
			assert.ErrorIs(t, err, models.ErrInsufficientStock)
			assertDecimal(t, "500", f.materialQty(t, f.corn))
			assertDecimal(t, "300", f.materialQty(t, f.soy))
		})
	}
}

func TestNonNegativeGuard_AllowsCustomerCredit(t *testing.T) {
	for name, tx := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFarm(t)
			e := ledger.NewEngine(f.store, nil, ledger.WithTransactions(tx), ledger.WithNonNegativeGuard(true))
			ctx := context.Background()
			record(t, e, &models.EggsProduction{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 300, Type: models.EggsNormal})

			// underpaid sale leaves the customer owing 100
			credit := record(t, e, &models.EggsSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Customer: f.customer,
				Quantity: 100, Rate: dec("500"), AmountPaid: decPtr("400")})
			assertDecimal(t, "-100", f.balance(t))
			require.NoError(t, e.Delete(ctx, models.KindEggsSale, credit.Meta().ID))
			assertDecimal(t, "0", f.balance(t))

			// reversing an advance payment also takes the balance below zero on the way
			advance := record(t, e, &models.EggsSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Customer: f.customer,
				Quantity: 100, Rate: dec("500"), AmountPaid: decPtr("700")})
			record(t, e, &models.EggsSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Customer: f.customer,
				Quantity: 100, Rate: dec("500"), AmountPaid: decPtr("200")})
			assertDecimal(t, "-100", f.balance(t))
			require.NoError(t, e.Delete(ctx, models.KindEggsSale, advance.Meta().ID))
			assertDecimal(t, "-300", f.balance(t))

			// eggs stay guarded
			_, _, err := e.Record(ctx, &models.EggsSale{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Customer: f.customer,
				Quantity: 500, Rate: dec("500")})
			assert.ErrorIs(t, err, models.ErrInsufficientStock)
			assert.Equal(t, int64(100), f.flockState(t).Eggs)
		})
	}
}

// =============================================================================
// ABANDONED PENDING RECORDS
// =============================================================================

func TestRecord_RetryReclaimsAbandonedPending(t *testing.T) {
	f := newFarm(t)
	now := time.Now()
	e := ledger.NewEngine(f.store, nil, ledger.WithTransactions(false), ledger.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	// GIVEN: a purchase whose process died right after the insert
	abandoned := &models.BirdPurchase{
		RecordMeta: models.RecordMeta{Date: day, Status: models.StatusPending, IdempotencyKey: "k1", CreatedAt: now.Add(-time.Hour)},
		Flock:      f.flock, Quantity: 100, Rate: dec("40"),
	}
	require.NoError(t, f.store.InsertRecord(ctx, abandoned))

	// WHEN: the client retries with the same key
	rec, replayed, err := e.Record(ctx, &models.BirdPurchase{
		RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "k1"},
		Flock:      f.flock, Quantity: 100, Rate: dec("40"),
	})

	// THEN: the abandoned record is rolled back and the retry applies once
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotEqual(t, abandoned.ID, rec.Meta().ID)
	assert.Equal(t, int64(100), f.flockState(t).Quantity)

	old, err := f.store.FindRecord(ctx, models.KindBirdPurchase, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, old.Meta().Status)
	assert.Equal(t, "k1", old.Meta().FailedKey)

	report, err := e.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "unexpected drift: %+v", report.Drifts)
}

func TestRecoverStale_RevertsRecordedProgress(t *testing.T) {
	f := newFarm(t)
	now := time.Now()
	e := ledger.NewEngine(f.store, nil, ledger.WithTransactions(false), ledger.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	// GIVEN: a production that decremented corn and died before soy
	abandoned := &models.FeedProduction{
		RecordMeta: models.RecordMeta{Date: day, Status: models.StatusPending, IdempotencyKey: "batch-9", Progress: 1, CreatedAt: now.Add(-time.Hour)},
		Formula:    f.starter,
		Materials:  []models.FormulaLine{{Material: f.corn, Quantity: dec("50")}, {Material: f.soy, Quantity: dec("20")}},
	}
	require.NoError(t, f.store.InsertRecord(ctx, abandoned))
	cornRef := models.AggregateRef{Kind: models.EntityMaterial, ID: f.corn}
	require.NoError(t, f.store.ApplyDelta(ctx, models.Delta{Ref: cornRef, Field: models.FieldQuantity, Amount: dec("-50")}, false))

	recovered, err := e.RecoverStale(ctx, 5*time.Minute)

	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assertDecimal(t, "500", f.materialQty(t, f.corn))
	assertDecimal(t, "300", f.materialQty(t, f.soy))

	stale, err := e.StalePending(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// a second pass finds nothing to do
	recovered, err = e.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, recovered)
	assertDecimal(t, "500", f.materialQty(t, f.corn))

	// the key is free again
	record(t, e, &models.FeedProduction{RecordMeta: models.RecordMeta{Date: day, IdempotencyKey: "batch-9"}, Formula: f.starter})
	assertDecimal(t, "450", f.materialQty(t, f.corn))
}

func TestRecover_SkipsRecordsNoLongerPending(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)

	rec := record(t, e, &models.BirdPurchase{RecordMeta: models.RecordMeta{Date: day}, Flock: f.flock, Quantity: 10, Rate: dec("40")})

	ok, err := e.Recover(context.Background(), rec)

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(10), f.flockState(t).Quantity)
}

// =============================================================================
// FORMULA SNAPSHOT
// =============================================================================

func TestFeedProduction_ReversalUsesConsumedLines(t *testing.T) {
	// GIVEN: a production made with StarterMix, then the formula is edited
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)
	ctx := context.Background()

	prod := record(t, e, &models.FeedProduction{RecordMeta: models.RecordMeta{Date: day}, Formula: f.starter})
	require.NoError(t, f.store.UpdateEntity(ctx, models.EntityFormula, f.starter, models.Fields{
		"materials": []models.FormulaLine{{Material: f.corn, Quantity: dec("80")}},
	}))
	assertDecimal(t, "450", f.materialQty(t, f.corn))

	// WHEN: the production is deleted
	require.NoError(t, e.Delete(ctx, models.KindFeedProduction, prod.Meta().ID))

	// THEN: exactly what was consumed comes back
	assertDecimal(t, "500", f.materialQty(t, f.corn))
	assertDecimal(t, "300", f.materialQty(t, f.soy))
}

func TestFeedProduction_WithoutSnapshotFallsBackToFormula(t *testing.T) {
	f := newFarm(t)
	e := ledger.NewEngine(f.store, nil)
	ctx := context.Background()

	legacy := &models.FeedProduction{RecordMeta: models.RecordMeta{Date: day, Status: models.StatusApplied}, Formula: f.starter}
	require.NoError(t, f.store.InsertRecord(ctx, legacy))

	require.NoError(t, e.Delete(ctx, models.KindFeedProduction, legacy.ID))

	assertDecimal(t, "550", f.materialQty(t, f.corn))
	assertDecimal(t, "320", f.materialQty(t, f.soy))
}
