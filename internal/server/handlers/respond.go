package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/domain/models"
	"github.com/pratikpakhale/poultry/internal/service/catalog"
	"github.com/pratikpakhale/poultry/internal/service/ledger"
)

const dateLayout = "2006-01-02"

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var partial *ledger.PartialApplyError
	switch {
	case errors.As(err, &partial):
		logger.Error("ledger effect failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "partial_apply"})
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrInsufficientStock):
		logger.Debug("request rejected", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, catalog.ErrNotFound), errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrApplyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func pathID(c *gin.Context) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return primitive.NilObjectID, false
	}
	return id, true
}

// parseDate accepts a calendar date or an RFC 3339 timestamp. Calendar
// dates are read as midnight UTC.
func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// dateRange reads the fromDate and toDate query parameters.
func dateRange(c *gin.Context) (from, to *time.Time, err error) {
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"fromDate", &from}, {"toDate", &to}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, perr := parseDate(raw)
		if perr != nil {
			return nil, nil, &models.ValidationError{Field: p.name, Reason: "must be YYYY-MM-DD or RFC 3339"}
		}
		*p.dst = &t
	}
	return from, to, nil
}
