package shared

import (
	"net/url"
	"strconv"
)

const (
	defaultPerPage = 50
	maxPerPage     = 500
)

// Pagination is the page window requested by a listing endpoint.
type Pagination struct {
	Page    int
	PerPage int
}

// NewPagination clamps page to at least 1 and perPage to (0, 500], defaulting to 50.
func NewPagination(page, perPage int) Pagination {
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	if page <= 0 {
		page = 1
	}
	return Pagination{Page: page, PerPage: perPage}
}

// PaginationFromQuery reads page and per_page. Unparseable values fall back to the defaults.
func PaginationFromQuery(q url.Values) Pagination {
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	return NewPagination(page, perPage)
}

// Limit is the SQL LIMIT for the window.
func (p Pagination) Limit() int { return p.PerPage }

// Offset is the SQL OFFSET for the window.
func (p Pagination) Offset() int { return (p.Page - 1) * p.PerPage }
