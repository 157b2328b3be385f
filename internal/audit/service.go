package audit

import (
	"context"
	"errors"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// exportLimit bounds one spreadsheet export.
	exportLimit = 10000
)

// Repository reads audit_logs.
type Repository interface {
	Timeline(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error)
}

// Service pages through the audit trail written by shared.AuditLogger.
type Service struct {
	repo Repository
}

// NewService creates an audit timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, errors.New("audit: repository not configured")
	}
	filters = filters.normalized()
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := max(filters.Page, 1)

	// One extra row tells whether a next page exists.
	rows, err := s.repo.Timeline(ctx, filters, (page-1)*pageSize, pageSize+1)
	if err != nil {
		return Result{}, err
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: len(rows) > pageSize}
	if paging.HasNext {
		rows = rows[:pageSize]
		paging.NextPage = page + 1
	}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every matching row up to the export limit.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.Timeline(ctx, filters.normalized(), 0, exportLimit)
}
