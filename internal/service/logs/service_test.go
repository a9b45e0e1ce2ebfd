package logs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zinnnn37/loglens/internal/domain"
	"github.com/zinnnn37/loglens/internal/repository"
)

type stubRecordRepo struct {
	records   []domain.CallRecord
	lastQuery repository.RecordQuery
	err       error
}

func (s *stubRecordRepo) InsertCallRecords(context.Context, []domain.CallRecord) error {
	return errors.New("not implemented")
}

func (s *stubRecordRepo) SearchCallRecords(_ context.Context, q repository.RecordQuery) ([]domain.CallRecord, error) {
	s.lastQuery = q
	if s.err != nil {
		return nil, s.err
	}
	if q.Limit < len(s.records) {
		return s.records[:q.Limit], nil
	}
	return s.records, nil
}

func (s *stubRecordRepo) ListTraceRecords(context.Context, string, string, int) ([]domain.CallRecord, error) {
	return nil, errors.New("not implemented")
}

func (s *stubRecordRepo) CountWindow(context.Context, string, time.Time, time.Time) (domain.WindowCounts, error) {
	return domain.WindowCounts{}, errors.New("not implemented")
}

func (s *stubRecordRepo) AverageDurationWindow(context.Context, string, time.Time, time.Time) (float64, error) {
	return 0, errors.New("not implemented")
}

func (s *stubRecordRepo) LatestErrorRecord(context.Context, string, time.Time, time.Time) (*domain.CallRecord, error) {
	return nil, errors.New("not implemented")
}

func makeRecords(n int) []domain.CallRecord {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := make([]domain.CallRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, domain.CallRecord{
			ID:         int64(i + 1),
			ProjectID:  "proj-1",
			TraceID:    "trace-1",
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return records
}

func TestSearchRejectsOutOfRangePageSize(t *testing.T) {
	svc := New(&stubRecordRepo{}, nil)
	for _, size := range []int{0, -1, 101} {
		_, err := svc.Search(context.Background(), "proj-1", Filters{}, Sort{}, "", size)
		if !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("size %d: expected ErrInvalidPageSize, got %v", size, err)
		}
	}
}

func TestSearchRejectsInvertedTimeRange(t *testing.T) {
	svc := New(&stubRecordRepo{}, nil)
	filters := Filters{
		From: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	_, err := svc.Search(context.Background(), "proj-1", filters, Sort{}, "", 10)
	if !errors.Is(err, ErrInvalidTimeRange) {
		t.Fatalf("expected ErrInvalidTimeRange, got %v", err)
	}
}

func TestSearchRejectsMalformedCursor(t *testing.T) {
	svc := New(&stubRecordRepo{}, nil)
	_, err := svc.Search(context.Background(), "proj-1", Filters{}, Sort{}, "garbage!!", 10)
	if !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestSearchSetsNextCursorOnlyWhenMoreExist(t *testing.T) {
	repo := &stubRecordRepo{records: makeRecords(4)}
	svc := New(repo, nil)

	page, err := svc.Search(context.Background(), "proj-1", Filters{}, Sort{}, "", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if repo.lastQuery.Limit != 4 {
		t.Fatalf("expected size+1 fetch, got limit %d", repo.lastQuery.Limit)
	}
	if len(page.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(page.Records))
	}
	if !page.HasNext || page.NextCursor == "" {
		t.Fatal("expected a next cursor")
	}

	position, err := DecodeCursor(page.NextCursor)
	if err != nil {
		t.Fatalf("decode next cursor: %v", err)
	}
	last := page.Records[len(page.Records)-1]
	if position.ID != last.ID || !position.OccurredAt.Equal(last.OccurredAt) {
		t.Fatal("next cursor must point at the last returned record")
	}
}

func TestSearchLastPageHasNoCursor(t *testing.T) {
	repo := &stubRecordRepo{records: makeRecords(3)}
	svc := New(repo, nil)

	page, err := svc.Search(context.Background(), "proj-1", Filters{}, Sort{}, "", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(page.Records))
	}
	if page.HasNext || page.NextCursor != "" {
		t.Fatal("exhausted result set must not produce a cursor")
	}
}

func TestSearchPassesCursorPositionToQuery(t *testing.T) {
	repo := &stubRecordRepo{records: makeRecords(1)}
	svc := New(repo, nil)

	position := Cursor{OccurredAt: time.Date(2026, 1, 1, 0, 0, 2, 0, time.UTC), ID: 3}
	_, err := svc.Search(context.Background(), "proj-1", Filters{Severity: "error"}, Sort{Ascending: true}, position.Encode(), 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !repo.lastQuery.AfterTime.Equal(position.OccurredAt) || repo.lastQuery.AfterID != position.ID {
		t.Fatalf("cursor position not forwarded: %+v", repo.lastQuery)
	}
	if repo.lastQuery.Severity != "ERROR" {
		t.Fatalf("expected severity normalized to upper case, got %q", repo.lastQuery.Severity)
	}
	if !repo.lastQuery.Ascending {
		t.Fatal("expected ascending order forwarded")
	}
}
