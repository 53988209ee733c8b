package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

func (s *Store) stamp(id *primitive.ObjectID, createdAt, updatedAt *time.Time) {
	if id.IsZero() {
		*id = primitive.NewObjectID()
	}
	now := s.now().UTC()
	*createdAt = now
	*updatedAt = now
}

// CreateFlock inserts a flock.
func (s *Store) CreateFlock(ctx context.Context, f *models.Flock) error {
	defer s.lock(ctx)()
	s.stamp(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	s.state.flocks[f.ID] = *f
	return nil
}

// CreateMaterial inserts a material.
func (s *Store) CreateMaterial(ctx context.Context, m *models.Material) error {
	defer s.lock(ctx)()
	s.stamp(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	s.state.materials[m.ID] = *m
	return nil
}

// CreateCustomer inserts a customer.
func (s *Store) CreateCustomer(ctx context.Context, c *models.Customer) error {
	defer s.lock(ctx)()
	s.stamp(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	s.state.customers[c.ID] = *c
	return nil
}

// CreateFormula inserts a formula.
func (s *Store) CreateFormula(ctx context.Context, f *models.Formula) error {
	defer s.lock(ctx)()
	s.stamp(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	s.state.formulas[f.ID] = cloneFormula(*f)
	return nil
}

func (s *Store) GetFlock(ctx context.Context, id primitive.ObjectID) (models.Flock, error) {
	defer s.rlock(ctx)()
	f, ok := s.state.flocks[id]
	if !ok {
		return models.Flock{}, models.ErrNotFound
	}
	return f, nil
}

func (s *Store) GetMaterial(ctx context.Context, id primitive.ObjectID) (models.Material, error) {
	defer s.rlock(ctx)()
	m, ok := s.state.materials[id]
	if !ok {
		return models.Material{}, models.ErrNotFound
	}
	return m, nil
}

func (s *Store) GetCustomer(ctx context.Context, id primitive.ObjectID) (models.Customer, error) {
	defer s.rlock(ctx)()
	c, ok := s.state.customers[id]
	if !ok {
		return models.Customer{}, models.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListFlocks(ctx context.Context, includeDeleted bool) ([]models.Flock, error) {
	defer s.rlock(ctx)()
	out := make([]models.Flock, 0, len(s.state.flocks))
	for _, f := range s.state.flocks {
		if includeDeleted || !f.Deleted {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListMaterials(ctx context.Context, includeDeleted bool) ([]models.Material, error) {
	defer s.rlock(ctx)()
	out := make([]models.Material, 0, len(s.state.materials))
	for _, m := range s.state.materials {
		if includeDeleted || !m.Deleted {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListCustomers(ctx context.Context, includeDeleted bool) ([]models.Customer, error) {
	defer s.rlock(ctx)()
	out := make([]models.Customer, 0, len(s.state.customers))
	for _, c := range s.state.customers {
		if includeDeleted || !c.Deleted {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListFormulas(ctx context.Context, includeDeleted bool) ([]models.Formula, error) {
	defer s.rlock(ctx)()
	out := make([]models.Formula, 0, len(s.state.formulas))
	for _, f := range s.state.formulas {
		if includeDeleted || !f.Deleted {
			out = append(out, cloneFormula(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateEntity sets non-ledger fields on a live entity.
func (s *Store) UpdateEntity(ctx context.Context, kind models.EntityKind, id primitive.ObjectID, fields models.Fields) error {
	defer s.lock(ctx)()
	now := s.now().UTC()

	switch kind {
	case models.EntityFlock:
		f, ok := s.state.flocks[id]
		if !ok || f.Deleted {
			return models.ErrNotFound
		}
		for name, v := range fields {
			switch name {
			case "name":
				f.Name = v.(string)
			case "active":
				f.Active = v.(bool)
			default:
				return unsupportedField(kind, name)
			}
		}
		f.UpdatedAt = now
		s.state.flocks[id] = f
	case models.EntityMaterial:
		m, ok := s.state.materials[id]
		if !ok || m.Deleted {
			return models.ErrNotFound
		}
		for name, v := range fields {
			switch name {
			case "name":
				m.Name = v.(string)
			case "unit":
				m.Unit = v.(string)
			case "type":
				m.Type = v.(models.MaterialType)
			default:
				return unsupportedField(kind, name)
			}
		}
		m.UpdatedAt = now
		s.state.materials[id] = m
	case models.EntityCustomer:
		c, ok := s.state.customers[id]
		if !ok || c.Deleted {
			return models.ErrNotFound
		}
		for name, v := range fields {
			if name != "name" {
				return unsupportedField(kind, name)
			}
			c.Name = v.(string)
		}
		c.UpdatedAt = now
		s.state.customers[id] = c
	case models.EntityFormula:
		f, ok := s.state.formulas[id]
		if !ok || f.Deleted {
			return models.ErrNotFound
		}
		for name, v := range fields {
			switch name {
			case "name":
				f.Name = v.(string)
			case "materials":
				f.Materials = append([]models.FormulaLine(nil), v.([]models.FormulaLine)...)
			default:
				return unsupportedField(kind, name)
			}
		}
		f.UpdatedAt = now
		s.state.formulas[id] = f
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	return nil
}

// SoftDeleteEntity marks an entity deleted. It reports false when it already was.
func (s *Store) SoftDeleteEntity(ctx context.Context, kind models.EntityKind, id primitive.ObjectID) (bool, error) {
	defer s.lock(ctx)()
	now := s.now().UTC()

	switch kind {
	case models.EntityFlock:
		f, ok := s.state.flocks[id]
		if !ok {
			return false, models.ErrNotFound
		}
		if f.Deleted {
			return false, nil
		}
		f.Deleted, f.UpdatedAt = true, now
		s.state.flocks[id] = f
	case models.EntityMaterial:
		m, ok := s.state.materials[id]
		if !ok {
			return false, models.ErrNotFound
		}
		if m.Deleted {
			return false, nil
		}
		m.Deleted, m.UpdatedAt = true, now
		s.state.materials[id] = m
	case models.EntityCustomer:
		c, ok := s.state.customers[id]
		if !ok {
			return false, models.ErrNotFound
		}
		if c.Deleted {
			return false, nil
		}
		c.Deleted, c.UpdatedAt = true, now
		s.state.customers[id] = c
	case models.EntityFormula:
		f, ok := s.state.formulas[id]
		if !ok {
			return false, models.ErrNotFound
		}
		if f.Deleted {
			return false, nil
		}
		f.Deleted, f.UpdatedAt = true, now
		s.state.formulas[id] = f
	default:
		return false, fmt.Errorf("unknown entity kind %q", kind)
	}
	return true, nil
}

func unsupportedField(kind models.EntityKind, name string) error {
	return &models.ValidationError{Field: name, Reason: "cannot be updated on " + string(kind)}
}
