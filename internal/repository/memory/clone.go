package memory

import "github.com/pratikpakhale/poultry/internal/domain/models"

func cloneFormula(f models.Formula) models.Formula {
	f.Materials = append([]models.FormulaLine(nil), f.Materials...)
	return f
}

// cloneRecord copies a record so callers never share memory with the store.
func cloneRecord(rec models.Record) models.Record {
	switch r := rec.(type) {
	case *models.BirdPurchase:
		c := *r
		return &c
	case *models.BirdSale:
		c := *r
		return &c
	case *models.BirdMortality:
		c := *r
		return &c
	case *models.EggsProduction:
		c := *r
		return &c
	case *models.EggsSale:
		c := *r
		if r.AmountPaid != nil {
			paid := *r.AmountPaid
			c.AmountPaid = &paid
		}
		return &c
	case *models.FeedPurchase:
		c := *r
		return &c
	case *models.FeedSale:
		c := *r
		return &c
	case *models.FeedProduction:
		c := *r
		c.Materials = append([]models.FormulaLine(nil), r.Materials...)
		return &c
	case *models.Vaccine:
		c := *r
		return &c
	case *models.Manure:
		c := *r
		return &c
	case *models.Other:
		c := *r
		if r.Flock != nil {
			flock := *r.Flock
			c.Flock = &flock
		}
		return &c
	}
	return rec
}
