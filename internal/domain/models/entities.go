package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EntityKind names a master entity collection.
type EntityKind string

const (
	EntityFlock    EntityKind = "flocks"
	EntityMaterial EntityKind = "materials"
	EntityCustomer EntityKind = "customers"
	EntityFormula  EntityKind = "formulas"
)

// AggregateKinds lists the master entities that carry ledger-derived counters.
var AggregateKinds = []EntityKind{EntityFlock, EntityMaterial, EntityCustomer}

// Counter field names governed by the ledger.
const (
	FieldQuantity  = "quantity"
	FieldEggs      = "eggs"
	FieldMortality = "mortality"
	FieldBalance   = "balance"
)

// LedgerFields returns the counter fields the ledger maintains for an aggregate kind.
func LedgerFields(kind EntityKind) []string {
	switch kind {
	case EntityFlock:
		return []string{FieldQuantity, FieldEggs, FieldMortality}
	case EntityMaterial:
		return []string{FieldQuantity}
	case EntityCustomer:
		return []string{FieldBalance}
	default:
		return nil
	}
}

// Guarded reports whether the non-negative guard covers a counter. Only stock
// levels qualify; a negative customer balance is money owed.
func Guarded(kind EntityKind, field string) bool {
	switch kind {
	case EntityFlock:
		return field == FieldQuantity || field == FieldEggs
	case EntityMaterial:
		return field == FieldQuantity
	default:
		return false
	}
}

// MaterialType enumerates material categories.
type MaterialType string

const (
	MaterialFeed     MaterialType = "feed"
	MaterialMedicine MaterialType = "medicine"
)

// Valid reports whether t is a known material type.
func (t MaterialType) Valid() bool {
	return t == MaterialFeed || t == MaterialMedicine
}

// Flock is a group of birds. Quantity, Eggs and Mortality are maintained by the ledger.
type Flock struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	Name      string             `bson:"name" json:"name"`
	Quantity  int64              `bson:"quantity" json:"quantity"`
	Eggs      int64              `bson:"eggs" json:"eggs"`
	Mortality int64              `bson:"mortality" json:"mortality"`
	Active    bool               `bson:"active" json:"active"`
	Deleted   bool               `bson:"deleted" json:"deleted"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// Snapshot exposes the flock counters.
func (f Flock) Snapshot() AggregateSnapshot {
	return AggregateSnapshot{
		Ref:     AggregateRef{Kind: EntityFlock, ID: f.ID},
		Name:    f.Name,
		Deleted: f.Deleted,
		Values: map[string]decimal.Decimal{
			FieldQuantity:  decimal.NewFromInt(f.Quantity),
			FieldEggs:      decimal.NewFromInt(f.Eggs),
			FieldMortality: decimal.NewFromInt(f.Mortality),
		},
	}
}

// Material is a stocked input (feed ingredient or medicine). Quantity is maintained by the ledger.
type Material struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	Name      string             `bson:"name" json:"name"`
	Type      MaterialType       `bson:"type" json:"type"`
	Unit      string             `bson:"unit" json:"unit"`
	Quantity  decimal.Decimal    `bson:"quantity" json:"quantity"`
	Deleted   bool               `bson:"deleted" json:"deleted"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// Snapshot exposes the material stock level.
func (m Material) Snapshot() AggregateSnapshot {
	return AggregateSnapshot{
		Ref:     AggregateRef{Kind: EntityMaterial, ID: m.ID},
		Name:    m.Name,
		Deleted: m.Deleted,
		Values:  map[string]decimal.Decimal{FieldQuantity: m.Quantity},
	}
}

// Customer buys eggs. A positive Balance is credit, a negative one is money owed.
type Customer struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	Name      string             `bson:"name" json:"name"`
	Balance   decimal.Decimal    `bson:"balance" json:"balance"`
	Deleted   bool               `bson:"deleted" json:"deleted"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// Snapshot exposes the customer balance.
func (c Customer) Snapshot() AggregateSnapshot {
	return AggregateSnapshot{
		Ref:     AggregateRef{Kind: EntityCustomer, ID: c.ID},
		Name:    c.Name,
		Deleted: c.Deleted,
		Values:  map[string]decimal.Decimal{FieldBalance: c.Balance},
	}
}

// FormulaLine is one ingredient of a feed formula.
type FormulaLine struct {
	Material primitive.ObjectID `bson:"material" json:"material"`
	Quantity decimal.Decimal    `bson:"quantity" json:"quantity"`
}

// Formula is a named feed recipe consumed by feed production.
type Formula struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	Name      string             `bson:"name" json:"name"`
	Materials []FormulaLine      `bson:"materials" json:"materials"`
	Deleted   bool               `bson:"deleted" json:"deleted"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// ValidateLines checks that every line names a material and a positive quantity.
func ValidateLines(lines []FormulaLine) error {
	if len(lines) == 0 {
		return &ValidationError{Field: "materials", Reason: "at least one material line is required"}
	}
	for i, line := range lines {
		field := fmt.Sprintf("materials[%d]", i)
		if line.Material.IsZero() {
			return &ValidationError{Field: field + ".material", Reason: "is required"}
		}
		if !line.Quantity.IsPositive() {
			return &ValidationError{Field: field + ".quantity", Reason: "must be positive"}
		}
	}
	return nil
}

// AggregateRef identifies one aggregate document.
type AggregateRef struct {
	Kind EntityKind         `bson:"kind" json:"kind"`
	ID   primitive.ObjectID `bson:"id" json:"id"`
}

func (r AggregateRef) String() string {
	return string(r.Kind) + "/" + r.ID.Hex()
}

// AggregateSnapshot is a read of an aggregate's ledger-governed counters.
type AggregateSnapshot struct {
	Ref     AggregateRef
	Name    string
	Deleted bool
	Values  map[string]decimal.Decimal
}

// Delta is a signed change to one counter field of one aggregate.
type Delta struct {
	Ref    AggregateRef
	Field  string
	Amount decimal.Decimal
}

// Negate returns the inverse delta.
func (d Delta) Negate() Delta {
	d.Amount = d.Amount.Neg()
	return d
}

func (d Delta) String() string {
	return fmt.Sprintf("%s.%s by %s", d.Ref, d.Field, d.Amount)
}

// Fields carries a partial update of non-ledger entity fields.
type Fields map[string]any
