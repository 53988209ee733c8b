package ledger

import (
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

type effectFunc func(rec models.Record) []models.Delta

// effectTable is the single definition of what each record kind does to the
// aggregates. Reversal is always the negation of the same rows.
var effectTable = map[models.Kind]effectFunc{
	models.KindBirdPurchase: func(rec models.Record) []models.Delta {
		r := rec.(*models.BirdPurchase)
		return []models.Delta{flockDelta(r.Flock, models.FieldQuantity, decimal.NewFromInt(r.Quantity))}
	},
	models.KindBirdSale: func(rec models.Record) []models.Delta {
		r := rec.(*models.BirdSale)
		return []models.Delta{flockDelta(r.Flock, models.FieldQuantity, decimal.NewFromInt(-r.Quantity))}
	},
	models.KindBirdMortality: func(rec models.Record) []models.Delta {
		r := rec.(*models.BirdMortality)
		return []models.Delta{flockDelta(r.Flock, models.FieldMortality, decimal.NewFromInt(r.Quantity))}
	},
	models.KindEggsProduction: func(rec models.Record) []models.Delta {
		r := rec.(*models.EggsProduction)
		return []models.Delta{flockDelta(r.Flock, models.FieldEggs, decimal.NewFromInt(r.Quantity))}
	},
	models.KindEggsSale: func(rec models.Record) []models.Delta {
		r := rec.(*models.EggsSale)
		return []models.Delta{
			flockDelta(r.Flock, models.FieldEggs, decimal.NewFromInt(-r.Quantity)),
			{
				Ref:    models.AggregateRef{Kind: models.EntityCustomer, ID: r.Customer},
				Field:  models.FieldBalance,
				Amount: r.Paid().Sub(r.TotalAmount()),
			},
		}
	},
	models.KindFeedPurchase: func(rec models.Record) []models.Delta {
		r := rec.(*models.FeedPurchase)
		return []models.Delta{materialDelta(r.Material, r.Quantity)}
	},
	models.KindFeedSale: func(rec models.Record) []models.Delta {
		r := rec.(*models.FeedSale)
		return []models.Delta{materialDelta(r.Material, r.Quantity.Neg())}
	},
	models.KindFeedProduction: func(rec models.Record) []models.Delta {
		r := rec.(*models.FeedProduction)
		deltas := make([]models.Delta, 0, len(r.Materials))
		for _, line := range r.Materials {
			deltas = append(deltas, materialDelta(line.Material, line.Quantity.Neg()))
		}
		return deltas
	},
}

// Effects returns the deltas a record applies on creation. Kinds without an
// entry (vaccines, manure, other expenses) have no effect.
func Effects(rec models.Record) []models.Delta {
	fn, ok := effectTable[rec.Kind()]
	if !ok {
		return nil
	}
	return fn(rec)
}

// Reversal returns the deltas that undo effects.
func Reversal(effects []models.Delta) []models.Delta {
	out := make([]models.Delta, len(effects))
	for i, d := range effects {
		out[i] = d.Negate()
	}
	return out
}

// LedgerKinds lists the record kinds that carry an effect.
func LedgerKinds() []models.Kind {
	kinds := make([]models.Kind, 0, len(effectTable))
	for _, kind := range models.AllKinds {
		if _, ok := effectTable[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func flockDelta(id primitive.ObjectID, field string, amount decimal.Decimal) models.Delta {
	return models.Delta{Ref: models.AggregateRef{Kind: models.EntityFlock, ID: id}, Field: field, Amount: amount}
}

func materialDelta(id primitive.ObjectID, amount decimal.Decimal) models.Delta {
	return models.Delta{Ref: models.AggregateRef{Kind: models.EntityMaterial, ID: id}, Field: models.FieldQuantity, Amount: amount}
}
