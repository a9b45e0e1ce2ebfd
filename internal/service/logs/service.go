package logs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/zinnnn37/loglens/internal/domain"
	"github.com/zinnnn37/loglens/internal/repository"
)

const (
	minPageSize = 1
	maxPageSize = 100
)

// ErrInvalidPageSize reports a size outside [1,100]. Out-of-range sizes are
// rejected, never clamped.
var ErrInvalidPageSize = fmt.Errorf("logs: page size must be between %d and %d", minPageSize, maxPageSize)

// ErrInvalidTimeRange reports a search window whose start is after its end.
var ErrInvalidTimeRange = errors.New("logs: time range start after end")

// Filters narrow a search. Zero values are ignored.
type Filters struct {
	Severity string
	Layer    string
	TraceID  string
	From     time.Time
	To       time.Time
}

// Sort declares the result ordering. Only the occurred-at field is supported;
// the surrogate id always breaks timestamp ties so ordering is deterministic.
type Sort struct {
	Ascending bool
}

// Page is one slice of search results. NextCursor is set only when HasNext.
type Page struct {
	Records    []domain.CallRecord
	NextCursor string
	HasNext    bool
}

// Service retrieves structured call records with cursor pagination.
type Service struct {
	repo   repository.CallRecordRepository
	logger *slog.Logger
}

// New constructs a log search service.
func New(repo repository.CallRecordRepository, logger *slog.Logger) Service {
	if logger != nil {
		logger = logger.With("component", "log_search")
	}
	return Service{repo: repo, logger: logger}
}

// Search returns up to size records for the project ordered by
// (occurred_at, id). One extra record is fetched to decide HasNext; no count
// query is ever issued.
func (s Service) Search(ctx context.Context, projectID string, filters Filters, sort Sort, cursor string, size int) (Page, error) {
	if size < minPageSize || size > maxPageSize {
		return Page{}, ErrInvalidPageSize
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.From.After(filters.To) {
		return Page{}, ErrInvalidTimeRange
	}

	query := repository.RecordQuery{
		ProjectID: strings.TrimSpace(projectID),
		Severity:  strings.ToUpper(strings.TrimSpace(filters.Severity)),
		Layer:     strings.ToUpper(strings.TrimSpace(filters.Layer)),
		TraceID:   strings.TrimSpace(filters.TraceID),
		From:      filters.From,
		To:        filters.To,
		Ascending: sort.Ascending,
		Limit:     size + 1,
	}
	if cursor != "" {
		position, err := DecodeCursor(cursor)
		if err != nil {
			return Page{}, err
		}
		query.AfterTime = position.OccurredAt
		query.AfterID = position.ID
	}

	records, err := s.repo.SearchCallRecords(ctx, query)
	if err != nil {
		return Page{}, fmt.Errorf("search call records: %w", err)
	}

	page := Page{Records: records}
	if len(records) > size {
		page.Records = records[:size]
		page.HasNext = true
		last := page.Records[size-1]
		page.NextCursor = Cursor{OccurredAt: last.OccurredAt, ID: last.ID}.Encode()
	}
	return page, nil
}
