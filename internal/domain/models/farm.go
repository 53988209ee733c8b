package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind enumerates transaction record types. The value doubles as the collection name.
type Kind string

const (
	KindBirdPurchase   Kind = "bird_purchases"
	KindBirdSale       Kind = "bird_sales"
	KindBirdMortality  Kind = "bird_mortalities"
	KindEggsProduction Kind = "eggs_productions"
	KindEggsSale       Kind = "eggs_sales"
	KindFeedPurchase   Kind = "feed_purchases"
	KindFeedSale       Kind = "feed_sales"
	KindFeedProduction Kind = "feed_productions"
	KindVaccine        Kind = "vaccines"
	KindManure         Kind = "manures"
	KindOther          Kind = "others"
)

// AllKinds lists every transaction record type.
var AllKinds = []Kind{
	KindBirdPurchase, KindBirdSale, KindBirdMortality,
	KindEggsProduction, KindEggsSale,
	KindFeedPurchase, KindFeedSale, KindFeedProduction,
	KindVaccine, KindManure, KindOther,
}

// RecordStatus tracks whether a record's ledger effect has been applied.
type RecordStatus string

const (
	StatusPending RecordStatus = "pending"
	StatusApplied RecordStatus = "applied"
	StatusFailed  RecordStatus = "failed"
)

// RecordMeta holds the fields shared by every transaction record.
type RecordMeta struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	Date           time.Time          `bson:"date" json:"date"`
	Deleted        bool               `bson:"deleted" json:"deleted"`
	Status         RecordStatus       `bson:"status" json:"status"`
	IdempotencyKey string             `bson:"idempotencyKey,omitempty" json:"idempotencyKey,omitempty"`
	FailedKey      string             `bson:"failedKey,omitempty" json:"failedKey,omitempty"`
	// Progress counts the effect deltas a pending record may have applied.
	Progress       int                `bson:"progress,omitempty" json:"-"`
	CreatedAt      time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// Meta gives access to the shared record fields.
func (m *RecordMeta) Meta() *RecordMeta { return m }

func (m *RecordMeta) validateDate() error {
	if m.Date.IsZero() {
		return &ValidationError{Field: "date", Reason: "is required"}
	}
	return nil
}

// Ref is a reference from a record to a master entity.
type Ref struct {
	Field string
	Kind  EntityKind
	ID    primitive.ObjectID
}

// Record is implemented by every transaction record type.
type Record interface {
	Kind() Kind
	Meta() *RecordMeta
	// Refs lists the master entities the record points at.
	Refs() []Ref
	// Field returns the value of a filterable field.
	Field(name string) (any, bool)
	Validate() error
}

// NewRecord returns an empty record of the given kind.
func NewRecord(kind Kind) (Record, error) {
	switch kind {
	case KindBirdPurchase:
		return &BirdPurchase{}, nil
	case KindBirdSale:
		return &BirdSale{}, nil
	case KindBirdMortality:
		return &BirdMortality{}, nil
	case KindEggsProduction:
		return &EggsProduction{}, nil
	case KindEggsSale:
		return &EggsSale{}, nil
	case KindFeedPurchase:
		return &FeedPurchase{}, nil
	case KindFeedSale:
		return &FeedSale{}, nil
	case KindFeedProduction:
		return &FeedProduction{}, nil
	case KindVaccine:
		return &Vaccine{}, nil
	case KindManure:
		return &Manure{}, nil
	case KindOther:
		return &Other{}, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

// BirdPurchase adds birds to a flock.
type BirdPurchase struct {
	RecordMeta `bson:",inline"`
	Flock      primitive.ObjectID `bson:"flock" json:"flock"`
	Quantity   int64              `bson:"quantity" json:"quantity"`
	Rate       decimal.Decimal    `bson:"rate" json:"rate"`
}

func (r *BirdPurchase) Kind() Kind { return KindBirdPurchase }
func (r *BirdPurchase) Refs() []Ref { return []Ref{flockRef(r.Flock)} }
func (r *BirdPurchase) Validate() error {
	return firstError(r.validateDate(), requireRef("flock", r.Flock), positiveInt("quantity", r.Quantity), nonNegative("rate", r.Rate))
}
func (r *BirdPurchase) Field(name string) (any, bool) { return flockField(name, r.Flock) }

// BirdSale removes birds from a flock.
type BirdSale struct {
	RecordMeta `bson:",inline"`
	Flock      primitive.ObjectID `bson:"flock" json:"flock"`
	Quantity   int64              `bson:"quantity" json:"quantity"`
	Rate       decimal.Decimal    `bson:"rate" json:"rate"`
}

func (r *BirdSale) Kind() Kind { return KindBirdSale }
func (r *BirdSale) Refs() []Ref { return []Ref{flockRef(r.Flock)} }
func (r *BirdSale) Validate() error {
	return firstError(r.validateDate(), requireRef("flock", r.Flock), positiveInt("quantity", r.Quantity), nonNegative("rate", r.Rate))
}
func (r *BirdSale) Field(name string) (any, bool) { return flockField(name, r.Flock) }

// BirdMortality records deaths in a flock.
type BirdMortality struct {
	RecordMeta `bson:",inline"`
	Flock      primitive.ObjectID `bson:"flock" json:"flock"`
	Quantity   int64              `bson:"quantity" json:"quantity"`
	Cause      string             `bson:"cause,omitempty" json:"cause,omitempty"`
}

func (r *BirdMortality) Kind() Kind { return KindBirdMortality }
func (r *BirdMortality) Refs() []Ref { return []Ref{flockRef(r.Flock)} }
func (r *BirdMortality) Validate() error {
	return firstError(r.validateDate(), requireRef("flock", r.Flock), positiveInt("quantity", r.Quantity))
}
func (r *BirdMortality) Field(name string) (any, bool) { return flockField(name, r.Flock) }

// EggType distinguishes sellable from cracked eggs.
type EggType string

const (
	EggsNormal  EggType = "normal"
	EggsCracked EggType = "cracked"
)

// EggsProduction records eggs collected from a flock.
type EggsProduction struct {
	RecordMeta `bson:",inline"`
	Flock      primitive.ObjectID `bson:"flock" json:"flock"`
	Quantity   int64              `bson:"quantity" json:"quantity"`
	Type       EggType            `bson:"type" json:"type"`
}

func (r *EggsProduction) Kind() Kind { return KindEggsProduction }
func (r *EggsProduction) Refs() []Ref { return []Ref{flockRef(r.Flock)} }
func (r *EggsProduction) Validate() error {
	var typeErr error
	if r.Type != EggsNormal && r.Type != EggsCracked {
		typeErr = &ValidationError{Field: "type", Reason: "must be normal or cracked"}
	}
	return firstError(r.validateDate(), requireRef("flock", r.Flock), positiveInt("quantity", r.Quantity), typeErr)
}
func (r *EggsProduction) Field(name string) (any, bool) {
	if name == "type" {
		return string(r.Type), true
	}
	return flockField(name, r.Flock)
}

// EggsSale sells eggs from a flock to a customer. Rate is the price per 100 eggs.
type EggsSale struct {
	RecordMeta `bson:",inline"`
	Flock      primitive.ObjectID `bson:"flock" json:"flock"`
	Customer   primitive.ObjectID `bson:"customer" json:"customer"`
	Quantity   int64              `bson:"quantity" json:"quantity"`
	Rate       decimal.Decimal    `bson:"rate" json:"rate"`
	AmountPaid *decimal.Decimal   `bson:"amountPaid" json:"amountPaid"`
}

var hundred = decimal.NewFromInt(100)

// TotalAmount is quantity × rate / 100.
func (r *EggsSale) TotalAmount() decimal.Decimal {
	return decimal.NewFromInt(r.Quantity).Mul(r.Rate).Div(hundred)
}

// Paid returns the amount paid, defaulting to the total when none was given.
func (r *EggsSale) Paid() decimal.Decimal {
	if r.AmountPaid == nil {
		return r.TotalAmount()
	}
	return *r.AmountPaid
}

func (r *EggsSale) Kind() Kind { return KindEggsSale }
func (r *EggsSale) Refs() []Ref {
	return []Ref{flockRef(r.Flock), {Field: "customer", Kind: EntityCustomer, ID: r.Customer}}
}
func (r *EggsSale) Validate() error {
	var paidErr error
	if r.AmountPaid != nil {
		paidErr = nonNegative("amountPaid", *r.AmountPaid)
	}
	return firstError(r.validateDate(), requireRef("flock", r.Flock), requireRef("customer", r.Customer),
		positiveInt("quantity", r.Quantity), nonNegative("rate", r.Rate), paidErr)
}
func (r *EggsSale) Field(name string) (any, bool) {
	if name == "customer" {
		return r.Customer, true
	}
	return flockField(name, r.Flock)
}

// FeedPurchase adds material stock.
type FeedPurchase struct {
	RecordMeta `bson:",inline"`
	Material   primitive.ObjectID `bson:"material" json:"material"`
	Quantity   decimal.Decimal    `bson:"quantity" json:"quantity"`
	Cost       decimal.Decimal    `bson:"cost" json:"cost"`
}

func (r *FeedPurchase) Kind() Kind { return KindFeedPurchase }
func (r *FeedPurchase) Refs() []Ref { return []Ref{materialRef(r.Material)} }
func (r *FeedPurchase) Validate() error {
	return firstError(r.validateDate(), requireRef("material", r.Material), positive("quantity", r.Quantity), nonNegative("cost", r.Cost))
}
func (r *FeedPurchase) Field(name string) (any, bool) { return materialField(name, r.Material) }

// FeedSale removes material stock.
type FeedSale struct {
	RecordMeta `bson:",inline"`
	Material   primitive.ObjectID `bson:"material" json:"material"`
	Quantity   decimal.Decimal    `bson:"quantity" json:"quantity"`
	Cost       decimal.Decimal    `bson:"cost" json:"cost"`
}

func (r *FeedSale) Kind() Kind { return KindFeedSale }
func (r *FeedSale) Refs() []Ref { return []Ref{materialRef(r.Material)} }
func (r *FeedSale) Validate() error {
	return firstError(r.validateDate(), requireRef("material", r.Material), positive("quantity", r.Quantity), nonNegative("cost", r.Cost))
}
func (r *FeedSale) Field(name string) (any, bool) { return materialField(name, r.Material) }

// FeedProduction consumes one batch of a formula. Materials holds the formula
// lines as they were when the batch was produced.
type FeedProduction struct {
	RecordMeta `bson:",inline"`
	Formula    primitive.ObjectID `bson:"formula" json:"formula"`
	Materials  []FormulaLine      `bson:"materials,omitempty" json:"materials,omitempty"`
}

func (r *FeedProduction) Kind() Kind { return KindFeedProduction }
func (r *FeedProduction) Refs() []Ref {
	return []Ref{{Field: "formula", Kind: EntityFormula, ID: r.Formula}}
}
func (r *FeedProduction) Validate() error {
	return firstError(r.validateDate(), requireRef("formula", r.Formula))
}
func (r *FeedProduction) Field(name string) (any, bool) {
	if name == "formula" {
		return r.Formula, true
	}
	return nil, false
}

// Vaccine is a vaccination expense for a flock.
type Vaccine struct {
	RecordMeta `bson:",inline"`
	Flock      primitive.ObjectID `bson:"flock" json:"flock"`
	Name       string             `bson:"name" json:"name"`
	Cost       decimal.Decimal    `bson:"cost" json:"cost"`
}

func (r *Vaccine) Kind() Kind { return KindVaccine }
func (r *Vaccine) Refs() []Ref { return []Ref{flockRef(r.Flock)} }
func (r *Vaccine) Validate() error {
	return firstError(r.validateDate(), requireRef("flock", r.Flock), requireText("name", r.Name), nonNegative("cost", r.Cost))
}
func (r *Vaccine) Field(name string) (any, bool) {
	if name == "name" {
		return r.Name, true
	}
	return flockField(name, r.Flock)
}

// ManureType is the unit manure is sold in.
type ManureType string

const (
	ManureBag    ManureType = "bag"
	ManureDumper ManureType = "dumper"
)

// Manure is a manure sale. Customer is a free-text name.
type Manure struct {
	RecordMeta `bson:",inline"`
	Type       ManureType      `bson:"type" json:"type"`
	Quantity   decimal.Decimal `bson:"quantity" json:"quantity"`
	Rate       decimal.Decimal `bson:"rate" json:"rate"`
	Customer   string          `bson:"customer" json:"customer"`
}

func (r *Manure) Kind() Kind { return KindManure }
func (r *Manure) Refs() []Ref { return nil }
func (r *Manure) Validate() error {
	var typeErr error
	if r.Type != ManureBag && r.Type != ManureDumper {
		typeErr = &ValidationError{Field: "type", Reason: "must be bag or dumper"}
	}
	return firstError(r.validateDate(), typeErr, positive("quantity", r.Quantity), nonNegative("rate", r.Rate), requireText("customer", r.Customer))
}
func (r *Manure) Field(name string) (any, bool) {
	switch name {
	case "type":
		return string(r.Type), true
	case "customer":
		return r.Customer, true
	}
	return nil, false
}

// Other is a miscellaneous expense, optionally tied to a flock.
type Other struct {
	RecordMeta `bson:",inline"`
	Name       string              `bson:"name" json:"name"`
	Cost       decimal.Decimal     `bson:"cost" json:"cost"`
	Flock      *primitive.ObjectID `bson:"flock,omitempty" json:"flock,omitempty"`
}

func (r *Other) Kind() Kind { return KindOther }
func (r *Other) Refs() []Ref {
	if r.Flock == nil || r.Flock.IsZero() {
		return nil
	}
	return []Ref{flockRef(*r.Flock)}
}
func (r *Other) Validate() error {
	return firstError(r.validateDate(), requireText("name", r.Name), nonNegative("cost", r.Cost))
}
func (r *Other) Field(name string) (any, bool) {
	switch name {
	case "name":
		return r.Name, true
	case "flock":
		if r.Flock == nil {
			return primitive.NilObjectID, true
		}
		return *r.Flock, true
	}
	return nil, false
}

func flockRef(id primitive.ObjectID) Ref {
	return Ref{Field: "flock", Kind: EntityFlock, ID: id}
}

func materialRef(id primitive.ObjectID) Ref {
	return Ref{Field: "material", Kind: EntityMaterial, ID: id}
}

func flockField(name string, id primitive.ObjectID) (any, bool) {
	if name == "flock" {
		return id, true
	}
	return nil, false
}

func materialField(name string, id primitive.ObjectID) (any, bool) {
	if name == "material" {
		return id, true
	}
	return nil, false
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func requireRef(field string, id primitive.ObjectID) error {
	if id.IsZero() {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}

func requireText(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}

func positiveInt(field string, v int64) error {
	if v <= 0 {
		return &ValidationError{Field: field, Reason: "must be positive"}
	}
	return nil
}

func positive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return &ValidationError{Field: field, Reason: "must be positive"}
	}
	return nil
}

func nonNegative(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return &ValidationError{Field: field, Reason: "must not be negative"}
	}
	return nil
}
