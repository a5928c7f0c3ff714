// Package paging holds the query-parameter pagination contract shared
// by every list endpoint.
package paging

import "github.com/go-playground/validator/v10"

// Query binds the page and page_size query parameters.
type Query struct {
	Page     int `form:"page" json:"page" validate:"omitempty,gte=1"`
	PageSize int `form:"page_size" json:"page_size" validate:"omitempty,gte=1,lte=1000"`
}

// SetDefaults applies defaults and caps PageSize at maxSize.
func (q *Query) SetDefaults(defaultPage, defaultSize, maxSize int) {
	if q.Page <= 0 {
		q.Page = defaultPage
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultSize
	}
	if maxSize > 0 && q.PageSize > maxSize {
		q.PageSize = maxSize
	}
}

// Offset returns the row offset for the current page.
func (q Query) Offset() int {
	if q.Page <= 1 {
		return 0
	}
	return (q.Page - 1) * q.PageSize
}

// Limit returns the page size.
func (q Query) Limit() int { return q.PageSize }

// Validate checks the bound values against the struct tags.
func (q Query) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return v.Struct(q)
}
