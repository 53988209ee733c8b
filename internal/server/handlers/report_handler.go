package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

// FinanceReporter computes the finance summary.
type FinanceReporter interface {
	FinanceSummary(ctx context.Context, from, to *time.Time, flocks []primitive.ObjectID) (models.FinanceSummary, error)
}

// ReportHandler serves the finance report.
type ReportHandler struct {
	reporter FinanceReporter
	logger   *zap.Logger
}

// NewReportHandler constructs the HTTP handler adapter.
func NewReportHandler(reporter FinanceReporter, logger *zap.Logger) *ReportHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportHandler{reporter: reporter, logger: logger}
}

// Finance answers GET /reports/finance?fromDate&toDate&flock.
func (h *ReportHandler) Finance(c *gin.Context) {
	from, to, err := dateRange(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	flocks, err := flockFilter(c.QueryArray("flock"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	summary, err := h.reporter.FinanceSummary(c.Request.Context(), from, to, flocks)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// flockFilter accepts repeated ids, comma separated ids or a JSON array of ids.
func flockFilter(values []string) ([]primitive.ObjectID, error) {
	var raw []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if strings.HasPrefix(v, "[") {
			var list []string
			if err := json.Unmarshal([]byte(v), &list); err != nil {
				return nil, &models.ValidationError{Field: "flock", Reason: "must be a list of ids"}
			}
			raw = append(raw, list...)
			continue
		}
		raw = append(raw, strings.Split(v, ",")...)
	}

	var ids []primitive.ObjectID
	for _, v := range raw {
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		id, err := primitive.ObjectIDFromHex(v)
		if err != nil {
			return nil, &models.ValidationError{Field: "flock", Reason: v + " is not an object id"}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Reconciler exposes the ledger's consistency checks.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (models.ReconciliationReport, error)
	Reconcile(ctx context.Context, ref models.AggregateRef) ([]models.FieldDrift, error)
	StalePending(ctx context.Context, olderThan time.Duration) ([]models.Record, error)
}

// ReportLister reads stored reconciliation reports.
type ReportLister interface {
	ListReconciliationReports(ctx context.Context, limit int64) ([]models.ReconciliationReport, error)
}

// AdminHandler serves the ledger consistency endpoints.
type AdminHandler struct {
	ledger         Reconciler
	reports        ReportLister
	pendingTimeout time.Duration
	logger         *zap.Logger
}

// NewAdminHandler constructs the HTTP handler adapter.
func NewAdminHandler(ledger Reconciler, reports ReportLister, pendingTimeout time.Duration, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{ledger: ledger, reports: reports, pendingTimeout: pendingTimeout, logger: logger}
}

// Reconcile recomputes counters. With kind and id it checks a single
// aggregate, otherwise all of them.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	kind, rawID := c.Query("kind"), c.Query("id")
	if kind == "" && rawID == "" {
		report, err := h.ledger.ReconcileAll(c.Request.Context())
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": report})
		return
	}

	id, err := primitive.ObjectIDFromHex(rawID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	ref := models.AggregateRef{Kind: models.EntityKind(kind), ID: id}
	if models.LedgerFields(ref.Kind) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be flocks, materials or customers"})
		return
	}
	drifts, err := h.ledger.Reconcile(c.Request.Context(), ref)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if drifts == nil {
		drifts = []models.FieldDrift{}
	}
	c.JSON(http.StatusOK, gin.H{"data": drifts})
}

// Reports lists stored reconciliation reports, newest first.
func (h *AdminHandler) Reports(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "10"), 10, 64)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	reports, err := h.reports.ListReconciliationReports(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if reports == nil {
		reports = []models.ReconciliationReport{}
	}
	c.JSON(http.StatusOK, gin.H{"data": reports})
}

// Pending lists records whose effect has been pending longer than olderThan
// (default: the configured pending timeout).
func (h *AdminHandler) Pending(c *gin.Context) {
	olderThan := h.pendingTimeout
	if raw := c.Query("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "olderThan must be a duration such as 5m"})
			return
		}
		olderThan = d
	}
	recs, err := h.ledger.StalePending(c.Request.Context(), olderThan)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if recs == nil {
		recs = []models.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"data": recs})
}
