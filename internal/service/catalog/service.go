package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

// ErrNotFound is returned for unknown or deleted master entities.
var ErrNotFound = errors.New("entity not found")

// Store persists master entities and formulas.
type Store interface {
	CreateFlock(ctx context.Context, f *models.Flock) error
	CreateMaterial(ctx context.Context, m *models.Material) error
	CreateCustomer(ctx context.Context, c *models.Customer) error
	CreateFormula(ctx context.Context, f *models.Formula) error

	GetFlock(ctx context.Context, id primitive.ObjectID) (models.Flock, error)
	GetMaterial(ctx context.Context, id primitive.ObjectID) (models.Material, error)
	GetCustomer(ctx context.Context, id primitive.ObjectID) (models.Customer, error)
	FindFormula(ctx context.Context, id primitive.ObjectID) (models.Formula, error)

	ListFlocks(ctx context.Context, includeDeleted bool) ([]models.Flock, error)
	ListMaterials(ctx context.Context, includeDeleted bool) ([]models.Material, error)
	ListCustomers(ctx context.Context, includeDeleted bool) ([]models.Customer, error)
	ListFormulas(ctx context.Context, includeDeleted bool) ([]models.Formula, error)

	UpdateEntity(ctx context.Context, kind models.EntityKind, id primitive.ObjectID, fields models.Fields) error
	SoftDeleteEntity(ctx context.Context, kind models.EntityKind, id primitive.ObjectID) (bool, error)
	EntityExists(ctx context.Context, kind models.EntityKind, id primitive.ObjectID) (bool, error)
}

// FlockInput carries the writable fields of a flock. Nil fields are left unchanged.
type FlockInput struct {
	Name   *string `json:"name"`
	Active *bool   `json:"active"`
}

// MaterialInput carries the writable fields of a material.
type MaterialInput struct {
	Name *string              `json:"name"`
	Type *models.MaterialType `json:"type"`
	Unit *string              `json:"unit"`
}

// CustomerInput carries the writable fields of a customer.
type CustomerInput struct {
	Name *string `json:"name"`
}

// FormulaInput carries the writable fields of a formula. A nil Materials keeps the current lines.
type FormulaInput struct {
	Name      *string              `json:"name"`
	Materials []models.FormulaLine `json:"materials"`
}

// Service manages master entities. Ledger counters are never written here;
// only transaction records move them.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService wires a catalog service.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// CreateFlock adds a flock with zero counters.
func (s *Service) CreateFlock(ctx context.Context, in FlockInput) (models.Flock, error) {
	name, err := requiredName(in.Name)
	if err != nil {
		return models.Flock{}, err
	}
	f := models.Flock{Name: name, Active: true}
	if in.Active != nil {
		f.Active = *in.Active
	}
	if err := s.store.CreateFlock(ctx, &f); err != nil {
		return models.Flock{}, fmt.Errorf("create flock: %w", err)
	}
	s.logger.Info("flock created", zap.String("id", f.ID.Hex()), zap.String("name", f.Name))
	return f, nil
}

// UpdateFlock changes the name or active flag of a flock.
func (s *Service) UpdateFlock(ctx context.Context, id primitive.ObjectID, in FlockInput) (models.Flock, error) {
	fields := models.Fields{}
	if in.Name != nil {
		name, err := requiredName(in.Name)
		if err != nil {
			return models.Flock{}, err
		}
		fields["name"] = name
	}
	if in.Active != nil {
		fields["active"] = *in.Active
	}
	if err := s.update(ctx, models.EntityFlock, id, fields); err != nil {
		return models.Flock{}, err
	}
	return s.Flock(ctx, id)
}

// CreateMaterial adds a material with zero stock.
func (s *Service) CreateMaterial(ctx context.Context, in MaterialInput) (models.Material, error) {
	name, err := requiredName(in.Name)
	if err != nil {
		return models.Material{}, err
	}
	if in.Type == nil || !in.Type.Valid() {
		return models.Material{}, &models.ValidationError{Field: "type", Reason: "must be feed or medicine"}
	}
	unit, err := requiredText("unit", in.Unit)
	if err != nil {
		return models.Material{}, err
	}
	m := models.Material{Name: name, Type: *in.Type, Unit: unit}
	if err := s.store.CreateMaterial(ctx, &m); err != nil {
		return models.Material{}, fmt.Errorf("create material: %w", err)
	}
	s.logger.Info("material created", zap.String("id", m.ID.Hex()), zap.String("name", m.Name))
	return m, nil
}

// UpdateMaterial changes the name, type or unit of a material.
func (s *Service) UpdateMaterial(ctx context.Context, id primitive.ObjectID, in MaterialInput) (models.Material, error) {
	fields := models.Fields{}
	if in.Name != nil {
		name, err := requiredName(in.Name)
		if err != nil {
			return models.Material{}, err
		}
		fields["name"] = name
	}
	if in.Type != nil {
		if !in.Type.Valid() {
			return models.Material{}, &models.ValidationError{Field: "type", Reason: "must be feed or medicine"}
		}
		fields["type"] = *in.Type
	}
	if in.Unit != nil {
		unit, err := requiredText("unit", in.Unit)
		if err != nil {
			return models.Material{}, err
		}
		fields["unit"] = unit
	}
	if err := s.update(ctx, models.EntityMaterial, id, fields); err != nil {
		return models.Material{}, err
	}
	return s.Material(ctx, id)
}

// CreateCustomer adds a customer with a zero balance.
func (s *Service) CreateCustomer(ctx context.Context, in CustomerInput) (models.Customer, error) {
	name, err := requiredName(in.Name)
	if err != nil {
		return models.Customer{}, err
	}
	c := models.Customer{Name: name}
	if err := s.store.CreateCustomer(ctx, &c); err != nil {
		return models.Customer{}, fmt.Errorf("create customer: %w", err)
	}
	s.logger.Info("customer created", zap.String("id", c.ID.Hex()), zap.String("name", c.Name))
	return c, nil
}

// UpdateCustomer renames a customer.
func (s *Service) UpdateCustomer(ctx context.Context, id primitive.ObjectID, in CustomerInput) (models.Customer, error) {
	fields := models.Fields{}
	if in.Name != nil {
		name, err := requiredName(in.Name)
		if err != nil {
			return models.Customer{}, err
		}
		fields["name"] = name
	}
	if err := s.update(ctx, models.EntityCustomer, id, fields); err != nil {
		return models.Customer{}, err
	}
	return s.Customer(ctx, id)
}

// CreateFormula adds a recipe. Every line must name a live material.
func (s *Service) CreateFormula(ctx context.Context, in FormulaInput) (models.Formula, error) {
	name, err := requiredName(in.Name)
	if err != nil {
		return models.Formula{}, err
	}
	if err := s.checkLines(ctx, in.Materials); err != nil {
		return models.Formula{}, err
	}
	f := models.Formula{Name: name, Materials: in.Materials}
	if err := s.store.CreateFormula(ctx, &f); err != nil {
		return models.Formula{}, fmt.Errorf("create formula: %w", err)
	}
	s.logger.Info("formula created", zap.String("id", f.ID.Hex()), zap.String("name", f.Name), zap.Int("lines", len(f.Materials)))
	return f, nil
}

// UpdateFormula replaces the name or lines of a formula. Material stock is untouched.
func (s *Service) UpdateFormula(ctx context.Context, id primitive.ObjectID, in FormulaInput) (models.Formula, error) {
	fields := models.Fields{}
	if in.Name != nil {
		name, err := requiredName(in.Name)
		if err != nil {
			return models.Formula{}, err
		}
		fields["name"] = name
	}
	if in.Materials != nil {
		if err := s.checkLines(ctx, in.Materials); err != nil {
			return models.Formula{}, err
		}
		fields["materials"] = in.Materials
	}
	if err := s.update(ctx, models.EntityFormula, id, fields); err != nil {
		return models.Formula{}, err
	}
	return s.Formula(ctx, id)
}

// Flock returns a live flock.
func (s *Service) Flock(ctx context.Context, id primitive.ObjectID) (models.Flock, error) {
	f, err := s.store.GetFlock(ctx, id)
	if err == nil && f.Deleted {
		err = models.ErrNotFound
	}
	return f, s.lookupErr(models.EntityFlock, id, err)
}

// Material returns a live material.
func (s *Service) Material(ctx context.Context, id primitive.ObjectID) (models.Material, error) {
	m, err := s.store.GetMaterial(ctx, id)
	if err == nil && m.Deleted {
		err = models.ErrNotFound
	}
	return m, s.lookupErr(models.EntityMaterial, id, err)
}

// Customer returns a live customer.
func (s *Service) Customer(ctx context.Context, id primitive.ObjectID) (models.Customer, error) {
	c, err := s.store.GetCustomer(ctx, id)
	if err == nil && c.Deleted {
		err = models.ErrNotFound
	}
	return c, s.lookupErr(models.EntityCustomer, id, err)
}

// Formula returns a live formula.
func (s *Service) Formula(ctx context.Context, id primitive.ObjectID) (models.Formula, error) {
	f, err := s.store.FindFormula(ctx, id)
	if err == nil && f.Deleted {
		err = models.ErrNotFound
	}
	return f, s.lookupErr(models.EntityFormula, id, err)
}

// Flocks lists the flocks that are not deleted.
func (s *Service) Flocks(ctx context.Context) ([]models.Flock, error) {
	return s.store.ListFlocks(ctx, false)
}

// Materials lists the materials that are not deleted.
func (s *Service) Materials(ctx context.Context) ([]models.Material, error) {
	return s.store.ListMaterials(ctx, false)
}

// Customers lists the customers that are not deleted.
func (s *Service) Customers(ctx context.Context) ([]models.Customer, error) {
	return s.store.ListCustomers(ctx, false)
}

// Formulas lists the formulas that are not deleted.
func (s *Service) Formulas(ctx context.Context) ([]models.Formula, error) {
	return s.store.ListFormulas(ctx, false)
}

// Delete soft-deletes a master entity. Deleting twice is a no-op. Counters
// keep their values and records that point at the entity stay valid.
func (s *Service) Delete(ctx context.Context, kind models.EntityKind, id primitive.ObjectID) error {
	changed, err := s.store.SoftDeleteEntity(ctx, kind, id)
	if err != nil {
		return s.lookupErr(kind, id, err)
	}
	if changed {
		s.logger.Info("entity deleted", zap.String("kind", string(kind)), zap.String("id", id.Hex()))
	}
	return nil
}

func (s *Service) update(ctx context.Context, kind models.EntityKind, id primitive.ObjectID, fields models.Fields) error {
	if len(fields) == 0 {
		// nothing writable in the body; still report unknown ids
		ok, err := s.store.EntityExists(ctx, kind, id)
		if err != nil {
			return fmt.Errorf("look up %s: %w", kind, err)
		}
		if !ok {
			return fmt.Errorf("%s %s: %w", kind, id.Hex(), ErrNotFound)
		}
		return nil
	}
	if err := s.store.UpdateEntity(ctx, kind, id, fields); err != nil {
		return s.lookupErr(kind, id, err)
	}
	return nil
}

func (s *Service) checkLines(ctx context.Context, lines []models.FormulaLine) error {
	if err := models.ValidateLines(lines); err != nil {
		return err
	}
	seen := make(map[primitive.ObjectID]bool, len(lines))
	for i, line := range lines {
		field := fmt.Sprintf("materials[%d].material", i)
		if seen[line.Material] {
			return &models.ValidationError{Field: field, Reason: "is listed twice"}
		}
		seen[line.Material] = true
		ok, err := s.store.EntityExists(ctx, models.EntityMaterial, line.Material)
		if err != nil {
			return fmt.Errorf("look up material: %w", err)
		}
		if !ok {
			return &models.ValidationError{Field: field, Reason: "does not exist or was deleted"}
		}
	}
	return nil
}

func (s *Service) lookupErr(kind models.EntityKind, id primitive.ObjectID, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotFound):
		return fmt.Errorf("%s %s: %w", kind, id.Hex(), ErrNotFound)
	case errors.Is(err, models.ErrValidation):
		return err
	default:
		return fmt.Errorf("%s %s: %w", kind, id.Hex(), err)
	}
}

func requiredName(v *string) (string, error) {
	return requiredText("name", v)
}

func requiredText(field string, v *string) (string, error) {
	if v == nil || strings.TrimSpace(*v) == "" {
		return "", &models.ValidationError{Field: field, Reason: "is required"}
	}
	return strings.TrimSpace(*v), nil
}
