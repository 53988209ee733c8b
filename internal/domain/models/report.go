package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FieldDrift is a counter whose stored value differs from the sum of its active deltas.
type FieldDrift struct {
	Ref        AggregateRef    `bson:"ref" json:"ref"`
	Name       string          `bson:"name" json:"name"`
	Field      string          `bson:"field" json:"field"`
	Stored     decimal.Decimal `bson:"stored" json:"stored"`
	Recomputed decimal.Decimal `bson:"recomputed" json:"recomputed"`
	Drift      decimal.Decimal `bson:"drift" json:"drift"`
}

// ReconciliationReport is the outcome of one reconciliation pass, stored in MongoDB.
type ReconciliationReport struct {
	CheckedAt  time.Time    `bson:"checked_at" json:"checked_at"`
	Aggregates int          `bson:"aggregates" json:"aggregates"`
	Records    int          `bson:"records" json:"records"`
	Drifts     []FieldDrift `bson:"drifts" json:"drifts"`
	CreatedAt  time.Time    `bson:"created_at" json:"created_at"`
}

// Clean reports whether no drift was found.
func (r ReconciliationReport) Clean() bool {
	return len(r.Drifts) == 0
}

// FinanceSummary aggregates money in and out over a period.
type FinanceSummary struct {
	From     *time.Time      `json:"fromDate,omitempty"`
	To       *time.Time      `json:"toDate,omitempty"`
	Expenses FinanceExpenses `json:"expenses"`
	Income   FinanceIncome   `json:"income"`
	Totals   FinanceTotals   `json:"totals"`
}

// FinanceExpenses groups outgoing amounts.
type FinanceExpenses struct {
	BirdPurchases decimal.Decimal `json:"birdPurchases"`
	FeedPurchases decimal.Decimal `json:"feedPurchases"`
	Vaccines      decimal.Decimal `json:"vaccines"`
	Other         decimal.Decimal `json:"other"`
}

// FinanceIncome groups incoming amounts.
type FinanceIncome struct {
	BirdSales decimal.Decimal `json:"birdSales"`
	EggSales  decimal.Decimal `json:"eggSales"`
	FeedSales decimal.Decimal `json:"feedSales"`
	Manure    decimal.Decimal `json:"manure"`
}

// FinanceTotals holds the derived totals.
type FinanceTotals struct {
	Expenses decimal.Decimal `json:"expenses"`
	Income   decimal.Decimal `json:"income"`
	Profit   decimal.Decimal `json:"profit"`
}
