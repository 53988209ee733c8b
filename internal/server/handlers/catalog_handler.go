package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/domain/models"
	"github.com/pratikpakhale/poultry/internal/service/catalog"
)

// CatalogHandler exposes flocks, materials, customers and formulas. Ledger
// counters are read-only here.
type CatalogHandler struct {
	svc    *catalog.Service
	logger *zap.Logger
}

// NewCatalogHandler constructs the HTTP handler adapter.
func NewCatalogHandler(svc *catalog.Service, logger *zap.Logger) *CatalogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogHandler{svc: svc, logger: logger}
}

// Register mounts the master entity routes.
func (h *CatalogHandler) Register(r gin.IRouter) {
	mount(r, h, "/flock", models.EntityFlock,
		func(ctx context.Context) (any, error) { return h.svc.Flocks(ctx) },
		func(ctx context.Context, id primitive.ObjectID) (any, error) { return h.svc.Flock(ctx, id) },
		func(ctx context.Context, in catalog.FlockInput) (any, error) { return h.svc.CreateFlock(ctx, in) },
		func(ctx context.Context, id primitive.ObjectID, in catalog.FlockInput) (any, error) {
			return h.svc.UpdateFlock(ctx, id, in)
		})
	mount(r, h, "/material", models.EntityMaterial,
		func(ctx context.Context) (any, error) { return h.svc.Materials(ctx) },
		func(ctx context.Context, id primitive.ObjectID) (any, error) { return h.svc.Material(ctx, id) },
		func(ctx context.Context, in catalog.MaterialInput) (any, error) { return h.svc.CreateMaterial(ctx, in) },
		func(ctx context.Context, id primitive.ObjectID, in catalog.MaterialInput) (any, error) {
			return h.svc.UpdateMaterial(ctx, id, in)
		})
	mount(r, h, "/customer", models.EntityCustomer,
		func(ctx context.Context) (any, error) { return h.svc.Customers(ctx) },
		func(ctx context.Context, id primitive.ObjectID) (any, error) { return h.svc.Customer(ctx, id) },
		func(ctx context.Context, in catalog.CustomerInput) (any, error) { return h.svc.CreateCustomer(ctx, in) },
		func(ctx context.Context, id primitive.ObjectID, in catalog.CustomerInput) (any, error) {
			return h.svc.UpdateCustomer(ctx, id, in)
		})
	mount(r, h, "/formula", models.EntityFormula,
		func(ctx context.Context) (any, error) { return h.svc.Formulas(ctx) },
		func(ctx context.Context, id primitive.ObjectID) (any, error) { return h.svc.Formula(ctx, id) },
		func(ctx context.Context, in catalog.FormulaInput) (any, error) { return h.svc.CreateFormula(ctx, in) },
		func(ctx context.Context, id primitive.ObjectID, in catalog.FormulaInput) (any, error) {
			return h.svc.UpdateFormula(ctx, id, in)
		})
}

func mount[In any](
	r gin.IRouter,
	h *CatalogHandler,
	path string,
	kind models.EntityKind,
	list func(context.Context) (any, error),
	get func(context.Context, primitive.ObjectID) (any, error),
	create func(context.Context, In) (any, error),
	update func(context.Context, primitive.ObjectID, In) (any, error),
) {
	g := r.Group(path)

	g.GET("", func(c *gin.Context) {
		data, err := list(c.Request.Context())
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": data})
	})

	g.GET("/:id", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		data, err := get(c.Request.Context(), id)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": data})
	})

	g.POST("", func(c *gin.Context) {
		var in In
		if err := c.ShouldBindJSON(&in); err != nil {
			h.logger.Warn("invalid catalog payload", zap.String("kind", string(kind)), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		data, err := create(c.Request.Context(), in)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": data})
	})

	g.PUT("/:id", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var in In
		if err := c.ShouldBindJSON(&in); err != nil {
			h.logger.Warn("invalid catalog payload", zap.String("kind", string(kind)), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		data, err := update(c.Request.Context(), id, in)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": data})
	})

	g.DELETE("/:id", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		if err := h.svc.Delete(c.Request.Context(), kind, id); err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"_id": id, "deleted": true}})
	})
}
