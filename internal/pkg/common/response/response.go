// Package response defines the JSON envelope every API handler returns
// and the helpers for page navigation links.
package response

import (
	"net/url"
	"strconv"
)

// Response is the uniform reply body. List endpoints fill Count,
// Previous, Next and Results; errors fill Detail only.
type Response struct {
	Count    *int    `json:"count,omitempty"`
	Previous *string `json:"previous,omitempty"`
	Next     *string `json:"next,omitempty"`
	Detail   string  `json:"detail,omitempty"`
	Results  any     `json:"results,omitempty"`
}

// BuildPageLinks derives previous/next URLs from the request URL by
// rewriting the page parameter. A link is nil when the page does not
// exist: previous on page 1, next past the last page.
func BuildPageLinks(u *url.URL, page, pageSize, total int) (prev, next *string) {
	if u == nil || pageSize <= 0 {
		return nil, nil
	}
	withPage := func(p int) *string {
		cu := *u
		q := cu.Query()
		q.Set("page", strconv.Itoa(p))
		q.Set("page_size", strconv.Itoa(pageSize))
		cu.RawQuery = q.Encode()
		s := cu.String()
		return &s
	}
	if page > 1 {
		prev = withPage(page - 1)
	}
	if page*pageSize < total {
		next = withPage(page + 1)
	}
	return prev, next
}

// Page slices rows for an offset/limit window computed by the caller.
// Storage reads return full result sets; list handlers window them here.
func Page[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	end := offset + limit
	if limit <= 0 || end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}
