package models

import "time"

// Query describes a read over one transaction record kind.
type Query struct {
	From   *time.Time
	To     *time.Time
	Equals map[string]any
	// IncludeDeleted disables the default soft-delete filter.
	IncludeDeleted bool
	// Status defaults to StatusApplied.
	Status        RecordStatus
	CreatedBefore *time.Time
	Page          int64
	Limit         int64
}

// EffectiveStatus returns the status the query selects.
func (q Query) EffectiveStatus() RecordStatus {
	if q.Status == "" {
		return StatusApplied
	}
	return q.Status
}

// Paginated reports whether both page and limit were requested.
func (q Query) Paginated() bool {
	return q.Page > 0 && q.Limit > 0
}

// Skip returns the number of records to skip for the requested page.
func (q Query) Skip() int64 {
	if !q.Paginated() {
		return 0
	}
	return (q.Page - 1) * q.Limit
}

// Matches applies the query predicates to a single record.
func (q Query) Matches(rec Record) bool {
	meta := rec.Meta()
	if !q.IncludeDeleted && meta.Deleted {
		return false
	}
	if meta.Status != q.EffectiveStatus() {
		return false
	}
	if q.From != nil && meta.Date.Before(*q.From) {
		return false
	}
	if q.To != nil && meta.Date.After(*q.To) {
		return false
	}
	if q.CreatedBefore != nil && !meta.CreatedAt.Before(*q.CreatedBefore) {
		return false
	}
	for field, want := range q.Equals {
		got, ok := rec.Field(field)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Page carries pagination metadata for list responses.
type Page struct {
	Total int64 `json:"total"`
	Page  int64 `json:"page"`
	Limit int64 `json:"limit"`
	Pages int64 `json:"pages"`
}

// NewPage computes the page count for a total.
func NewPage(total, page, limit int64) Page {
	pages := int64(0)
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Page{Total: total, Page: page, Limit: limit, Pages: pages}
}
