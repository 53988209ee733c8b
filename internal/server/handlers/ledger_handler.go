package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

// IdempotencyHeader carries the client retry key of a create request.
const IdempotencyHeader = "Idempotency-Key"

// LedgerRoute binds a URL prefix to a transaction record kind.
type LedgerRoute struct {
	Path string
	Kind models.Kind
}

// LedgerRoutes lists the transaction endpoints.
var LedgerRoutes = []LedgerRoute{
	{"/bird/purchase", models.KindBirdPurchase},
	{"/bird/sale", models.KindBirdSale},
	{"/bird/mortality", models.KindBirdMortality},
	{"/eggs/production", models.KindEggsProduction},
	{"/eggs/sale", models.KindEggsSale},
	{"/feed/purchase", models.KindFeedPurchase},
	{"/feed/sale", models.KindFeedSale},
	{"/feed/production", models.KindFeedProduction},
	{"/vaccine", models.KindVaccine},
	{"/manure", models.KindManure},
	{"/other", models.KindOther},
}

// filterable lists the equality filters the list endpoints honour.
var filterable = []string{"flock", "material", "customer", "formula", "type", "name"}

// serverOwned fields are ignored in request bodies.
var serverOwned = []string{"_id", "deleted", "status", "idempotencyKey", "failedKey", "createdAt", "updatedAt"}

// LedgerService records and reverses transactions.
type LedgerService interface {
	Record(ctx context.Context, rec models.Record) (models.Record, bool, error)
	Delete(ctx context.Context, kind models.Kind, id primitive.ObjectID) error
}

// RecordReader reads stored transaction records.
type RecordReader interface {
	FindRecord(ctx context.Context, kind models.Kind, id primitive.ObjectID) (models.Record, error)
	ListRecords(ctx context.Context, kind models.Kind, q models.Query) ([]models.Record, int64, error)
}

// EntityReader loads referenced master entities, deleted ones included.
type EntityReader interface {
	GetFlock(ctx context.Context, id primitive.ObjectID) (models.Flock, error)
	GetMaterial(ctx context.Context, id primitive.ObjectID) (models.Material, error)
	GetCustomer(ctx context.Context, id primitive.ObjectID) (models.Customer, error)
	FindFormula(ctx context.Context, id primitive.ObjectID) (models.Formula, error)
}

// LedgerHandler exposes the transaction record endpoints.
type LedgerHandler struct {
	ledger   LedgerService
	records  RecordReader
	entities EntityReader
	logger   *zap.Logger
}

// NewLedgerHandler constructs the HTTP handler adapter.
func NewLedgerHandler(ledger LedgerService, records RecordReader, entities EntityReader, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{ledger: ledger, records: records, entities: entities, logger: logger}
}

// Register mounts GET, POST and DELETE for every transaction kind.
func (h *LedgerHandler) Register(r gin.IRouter) {
	for _, route := range LedgerRoutes {
		g := r.Group(route.Path)
		g.GET("", h.List(route.Kind))
		g.GET("/:id", h.Get(route.Kind))
		g.POST("", h.Create(route.Kind))
		g.PUT("/:id", h.Update)
		g.DELETE("/:id", h.Delete(route.Kind))
	}
}

// List returns live records of one kind, newest first.
func (h *LedgerHandler) List(kind models.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, err := listQuery(c, kind)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}

		recs, total, err := h.records.ListRecords(c.Request.Context(), kind, q)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		data, err := h.present(c, recs)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}

		body := gin.H{"data": data}
		if q.Paginated() {
			body["metadata"] = models.NewPage(total, q.Page, q.Limit)
		}
		c.JSON(http.StatusOK, body)
	}
}

// Get returns one applied record, deleted or not.
func (h *LedgerHandler) Get(kind models.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		rec, err := h.records.FindRecord(c.Request.Context(), kind, id)
		if err == nil && rec.Meta().Status != models.StatusApplied {
			err = models.ErrNotFound
		}
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		data, err := h.present(c, []models.Record{rec})
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": data[0]})
	}
}

// Create records a transaction and applies its effect. A replayed retry key
// answers 200 with the stored record.
func (h *LedgerHandler) Create(kind models.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		rec, bodyKey, err := decodeRecord(kind, body)
		if err != nil {
			h.logger.Warn("invalid transaction payload", zap.String("kind", string(kind)), zap.Error(err))
			respondError(c, h.logger, err)
			return
		}
		if key := strings.TrimSpace(c.GetHeader(IdempotencyHeader)); key != "" {
			rec.Meta().IdempotencyKey = key
		} else {
			rec.Meta().IdempotencyKey = bodyKey
		}

		stored, replayed, err := h.ledger.Record(c.Request.Context(), rec)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		status := http.StatusCreated
		if replayed {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{"data": stored})
	}
}

// Update is refused: records are immutable once applied.
func (h *LedgerHandler) Update(c *gin.Context) {
	c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "transactions cannot be edited; delete and record again"})
}

// Delete soft-deletes a record and reverses its effect.
func (h *LedgerHandler) Delete(kind models.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		if err := h.ledger.Delete(c.Request.Context(), kind, id); err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"_id": id, "deleted": true}})
	}
}

// decodeRecord reads a create body. Calendar dates are accepted for date and
// server-owned fields are dropped. The body retry key is returned separately.
func decodeRecord(kind models.Kind, body []byte) (models.Record, string, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, "", &models.ValidationError{Field: "body", Reason: "must be a JSON object"}
	}

	key, _ := raw["idempotencyKey"].(string)
	for _, f := range serverOwned {
		delete(raw, f)
	}
	if v, ok := raw["date"].(string); ok && strings.TrimSpace(v) == "" {
		delete(raw, "date")
	} else if ok {
		t, err := parseDate(v)
		if err != nil {
			return nil, "", &models.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD or RFC 3339"}
		}
		raw["date"] = t.UTC().Format(time.RFC3339Nano)
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, "", &models.ValidationError{Field: "body", Reason: err.Error()}
	}
	rec, err := models.NewRecord(kind)
	if err != nil {
		return nil, "", err
	}
	if err := json.Unmarshal(normalized, rec); err != nil {
		field := "body"
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			field = typeErr.Field
		}
		return nil, "", &models.ValidationError{Field: field, Reason: err.Error()}
	}
	return rec, strings.TrimSpace(key), nil
}

func listQuery(c *gin.Context, kind models.Kind) (models.Query, error) {
	var q models.Query
	var err error
	if q.From, q.To, err = dateRange(c); err != nil {
		return q, err
	}
	q.IncludeDeleted = c.Query("includeDeleted") == "true"

	for _, p := range []struct {
		name string
		dst  *int64
	}{{"page", &q.Page}, {"limit", &q.Limit}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || n < 1 {
			return q, &models.ValidationError{Field: p.name, Reason: "must be a positive integer"}
		}
		*p.dst = n
	}

	blank, err := models.NewRecord(kind)
	if err != nil {
		return q, err
	}
	for _, name := range filterable {
		raw, ok := c.GetQuery(name)
		if !ok {
			continue
		}
		sample, ok := blank.Field(name)
		if !ok {
			continue
		}
		value, ferr := filterValue(name, sample, raw)
		if ferr != nil {
			return q, ferr
		}
		if q.Equals == nil {
			q.Equals = map[string]any{}
		}
		q.Equals[name] = value
	}
	return q, nil
}

func filterValue(name string, sample any, raw string) (any, error) {
	if _, isID := sample.(primitive.ObjectID); isID {
		id, err := primitive.ObjectIDFromHex(raw)
		if err != nil {
			return nil, &models.ValidationError{Field: name, Reason: "must be an object id"}
		}
		return id, nil
	}
	return raw, nil
}

// present renders records as JSON objects, expanding the references named in
// the populate query parameter.
func (h *LedgerHandler) present(c *gin.Context, recs []models.Record) ([]any, error) {
	out := make([]any, 0, len(recs))
	populate := map[string]bool{}
	for _, f := range strings.Split(c.Query("populate"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			populate[f] = true
		}
	}
	if len(populate) == 0 {
		for _, rec := range recs {
			out = append(out, rec)
		}
		return out, nil
	}

	cache := map[primitive.ObjectID]any{}
	for _, rec := range recs {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		var doc map[string]any
		dec := json.NewDecoder(bytes.NewReader(encoded))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		for _, ref := range rec.Refs() {
			if !populate[ref.Field] {
				continue
			}
			entity, ok := cache[ref.ID]
			if !ok {
				entity, err = h.lookup(c.Request.Context(), ref)
				if err != nil {
					return nil, err
				}
				cache[ref.ID] = entity
			}
			doc[ref.Field] = entity
		}
		out = append(out, doc)
	}
	return out, nil
}

func (h *LedgerHandler) lookup(ctx context.Context, ref models.Ref) (any, error) {
	var (
		entity any
		err    error
	)
	switch ref.Kind {
	case models.EntityFlock:
		entity, err = h.entities.GetFlock(ctx, ref.ID)
	case models.EntityMaterial:
		entity, err = h.entities.GetMaterial(ctx, ref.ID)
	case models.EntityCustomer:
		entity, err = h.entities.GetCustomer(ctx, ref.ID)
	case models.EntityFormula:
		entity, err = h.entities.FindFormula(ctx, ref.ID)
	default:
		return ref.ID, nil
	}
	if errors.Is(err, models.ErrNotFound) {
		// dangling reference, keep the id
		return ref.ID, nil
	}
	return entity, err
}
