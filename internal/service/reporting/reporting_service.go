package reporting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

const dateLayout = "2006-01-02"

// Store is the read side the reports are computed from.
type Store interface {
	ListRecords(ctx context.Context, kind models.Kind, q models.Query) ([]models.Record, int64, error)
	ListSnapshots(ctx context.Context, kind models.EntityKind) ([]models.AggregateSnapshot, error)
}

// Service computes finance figures and operator summaries from applied records.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService wires a new reporting service instance.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// flockScoped lists the kinds a flock filter applies to. Feed and manure
// records are farm-wide and always counted.
var flockScoped = map[models.Kind]bool{
	models.KindBirdPurchase: true,
	models.KindBirdSale:     true,
	models.KindEggsSale:     true,
	models.KindVaccine:      true,
	models.KindOther:        true,
}

// FinanceSummary sums expenses and income of live records dated within
// [from, to]. A non-empty flocks list restricts flock-scoped kinds to those flocks.
func (s *Service) FinanceSummary(ctx context.Context, from, to *time.Time, flocks []primitive.ObjectID) (models.FinanceSummary, error) {
	sum := func(kind models.Kind, amount func(models.Record) decimal.Decimal) (decimal.Decimal, error) {
		recs, _, err := s.store.ListRecords(ctx, kind, models.Query{From: from, To: to})
		if err != nil {
			return decimal.Zero, fmt.Errorf("load %s: %w", kind, err)
		}
		total := decimal.Zero
		for _, rec := range recs {
			if flockScoped[kind] && !inFlocks(rec, flocks) {
				continue
			}
			total = total.Add(amount(rec))
		}
		return total, nil
	}

	out := models.FinanceSummary{From: from, To: to}
	var err error
	steps := []struct {
		kind   models.Kind
		dst    *decimal.Decimal
		amount func(models.Record) decimal.Decimal
	}{
		{models.KindBirdPurchase, &out.Expenses.BirdPurchases, func(r models.Record) decimal.Decimal {
			p := r.(*models.BirdPurchase)
			return p.Rate.Mul(decimal.NewFromInt(p.Quantity))
		}},
		{models.KindFeedPurchase, &out.Expenses.FeedPurchases, func(r models.Record) decimal.Decimal {
			return r.(*models.FeedPurchase).Cost
		}},
		{models.KindVaccine, &out.Expenses.Vaccines, func(r models.Record) decimal.Decimal {
			return r.(*models.Vaccine).Cost
		}},
		{models.KindOther, &out.Expenses.Other, func(r models.Record) decimal.Decimal {
			return r.(*models.Other).Cost
		}},
		{models.KindBirdSale, &out.Income.BirdSales, func(r models.Record) decimal.Decimal {
			p := r.(*models.BirdSale)
			return p.Rate.Mul(decimal.NewFromInt(p.Quantity))
		}},
		{models.KindEggsSale, &out.Income.EggSales, func(r models.Record) decimal.Decimal {
			return r.(*models.EggsSale).TotalAmount()
		}},
		{models.KindFeedSale, &out.Income.FeedSales, func(r models.Record) decimal.Decimal {
			return r.(*models.FeedSale).Cost
		}},
		{models.KindManure, &out.Income.Manure, func(r models.Record) decimal.Decimal {
			m := r.(*models.Manure)
			return m.Quantity.Mul(m.Rate)
		}},
	}
	for _, step := range steps {
		if *step.dst, err = sum(step.kind, step.amount); err != nil {
			return models.FinanceSummary{}, err
		}
	}

	e, i := out.Expenses, out.Income
	out.Totals.Expenses = e.BirdPurchases.Add(e.FeedPurchases).Add(e.Vaccines).Add(e.Other)
	out.Totals.Income = i.BirdSales.Add(i.EggSales).Add(i.FeedSales).Add(i.Manure)
	out.Totals.Profit = out.Totals.Income.Sub(out.Totals.Expenses)
	return out, nil
}

func inFlocks(rec models.Record, flocks []primitive.ObjectID) bool {
	if len(flocks) == 0 {
		return true
	}
	v, ok := rec.Field("flock")
	if !ok {
		return false
	}
	id, ok := v.(primitive.ObjectID)
	if !ok {
		return false
	}
	for _, f := range flocks {
		if f == id {
			return true
		}
	}
	return false
}

// WeeklyFigures are the production numbers of a reporting window.
type WeeklyFigures struct {
	EggsProduced int64
	EggsCracked  int64
	EggsSold     int64
	Deaths       int64
	Birds        int64
	Finance      models.FinanceSummary
}

// MortalityRate is the window's deaths over the flock headcount, in percent.
func (w WeeklyFigures) MortalityRate() (decimal.Decimal, bool) {
	if w.Birds <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(w.Deaths).Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(w.Birds)).Round(2), true
}

// WeeklyFigures collects the numbers for the seven days ending at end.
func (s *Service) WeeklyFigures(ctx context.Context, end time.Time) (WeeklyFigures, error) {
	start := end.AddDate(0, 0, -7)
	q := models.Query{From: &start, To: &end}
	var out WeeklyFigures

	produced, _, err := s.store.ListRecords(ctx, models.KindEggsProduction, q)
	if err != nil {
		return out, fmt.Errorf("load egg production: %w", err)
	}
	for _, rec := range produced {
		p := rec.(*models.EggsProduction)
		out.EggsProduced += p.Quantity
		if p.Type == models.EggsCracked {
			out.EggsCracked += p.Quantity
		}
	}

	sold, _, err := s.store.ListRecords(ctx, models.KindEggsSale, q)
	if err != nil {
		return out, fmt.Errorf("load egg sales: %w", err)
	}
	for _, rec := range sold {
		out.EggsSold += rec.(*models.EggsSale).Quantity
	}

	deaths, _, err := s.store.ListRecords(ctx, models.KindBirdMortality, q)
	if err != nil {
		return out, fmt.Errorf("load mortality: %w", err)
	}
	for _, rec := range deaths {
		out.Deaths += rec.(*models.BirdMortality).Quantity
	}

	flocks, err := s.store.ListSnapshots(ctx, models.EntityFlock)
	if err != nil {
		return out, fmt.Errorf("load flocks: %w", err)
	}
	for _, snap := range flocks {
		if snap.Deleted {
			continue
		}
		out.Birds += snap.Values[models.FieldQuantity].IntPart()
	}

	if out.Finance, err = s.FinanceSummary(ctx, &start, &end, nil); err != nil {
		return out, err
	}
	return out, nil
}

// GenerateWeeklyReport renders the weekly operator summary.
func (s *Service) GenerateWeeklyReport(ctx context.Context, end time.Time) (string, error) {
	w, err := s.WeeklyFigures(ctx, end)
	if err != nil {
		return "", err
	}
	start := end.AddDate(0, 0, -7)

	var b strings.Builder
	fmt.Fprintf(&b, "Weekly summary (%s to %s)\n", start.Format(dateLayout), end.Format(dateLayout))
	fmt.Fprintf(&b, "Eggs produced: %d (%d cracked)\n", w.EggsProduced, w.EggsCracked)
	fmt.Fprintf(&b, "Eggs sold: %d\n", w.EggsSold)
	if rate, ok := w.MortalityRate(); ok {
		fmt.Fprintf(&b, "Mortality: %d (%s%%)\n", w.Deaths, rate.StringFixed(2))
	} else {
		fmt.Fprintf(&b, "Mortality: %d\n", w.Deaths)
	}
	fmt.Fprintf(&b, "Birds on record: %d\n", w.Birds)
	fmt.Fprintf(&b, "Income: %s\n", w.Finance.Totals.Income.StringFixed(2))
	fmt.Fprintf(&b, "Expenses: %s\n", w.Finance.Totals.Expenses.StringFixed(2))
	fmt.Fprintf(&b, "Profit: %s", w.Finance.Totals.Profit.StringFixed(2))

	s.logger.Debug("weekly report generated",
		zap.Int64("eggs_produced", w.EggsProduced),
		zap.Int64("deaths", w.Deaths))
	return b.String(), nil
}
