package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zinnnn37/loglens/internal/domain"
	"github.com/zinnnn37/loglens/internal/repository"
)

type stubCountRepo struct {
	mu      sync.Mutex
	counts  domain.WindowCounts
	err     error
	calls   int
	windows [][2]time.Time
	block   chan struct{}
}

func (s *stubCountRepo) InsertCallRecords(context.Context, []domain.CallRecord) error {
	return errors.New("not implemented")
}

func (s *stubCountRepo) SearchCallRecords(context.Context, repository.RecordQuery) ([]domain.CallRecord, error) {
	return nil, errors.New("not implemented")
}

func (s *stubCountRepo) ListTraceRecords(context.Context, string, string, int) ([]domain.CallRecord, error) {
	return nil, errors.New("not implemented")
}

func (s *stubCountRepo) CountWindow(_ context.Context, _ string, from, to time.Time) (domain.WindowCounts, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.windows = append(s.windows, [2]time.Time{from, to})
	return s.counts, s.err
}

func (s *stubCountRepo) AverageDurationWindow(context.Context, string, time.Time, time.Time) (float64, error) {
	return 0, errors.New("not implemented")
}

func (s *stubCountRepo) LatestErrorRecord(context.Context, string, time.Time, time.Time) (*domain.CallRecord, error) {
	return nil, errors.New("not implemented")
}

func (s *stubCountRepo) countCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubMetricsRepo struct {
	mu        sync.Mutex
	aggregate *domain.MetricsAggregate
	mergeErr  error
	merges    int
}

func (s *stubMetricsRepo) GetAggregate(context.Context, string) (*domain.MetricsAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aggregate == nil {
		return nil, repository.ErrNotFound
	}
	copied := *s.aggregate
	return &copied, nil
}

func (s *stubMetricsRepo) MergeAggregate(_ context.Context, projectID string, counts domain.WindowCounts, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mergeErr != nil {
		return s.mergeErr
	}
	s.merges++
	if s.aggregate == nil {
		s.aggregate = &domain.MetricsAggregate{ProjectID: projectID}
	}
	s.aggregate.TotalCalls += counts.TotalCalls
	s.aggregate.ErrorCount += counts.ErrorCount
	s.aggregate.WarnCount += counts.WarnCount
	s.aggregate.LastAggregatedAt = watermark
	return nil
}

func (s *stubMetricsRepo) mergeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merges
}

type stubProjectRepo struct {
	project *domain.Project
	err     error
}

func (s *stubProjectRepo) GetProjectByID(context.Context, string) (*domain.Project, error) {
	return s.project, s.err
}

func (s *stubProjectRepo) ListProjects(context.Context) ([]domain.Project, error) {
	return nil, errors.New("not implemented")
}

func newTestService(records *stubCountRepo, store *stubMetricsRepo, projects *stubProjectRepo, at time.Time) *Service {
	svc := New(records, store, projects, nil, time.Minute)
	svc.now = func() time.Time { return at }
	return svc
}

func TestAggregateFirstPassStartsAtProjectCreation(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	created := now.Add(-time.Hour)
	records := &stubCountRepo{counts: domain.WindowCounts{TotalCalls: 100, ErrorCount: 5, WarnCount: 2}}
	store := &stubMetricsRepo{}
	projects := &stubProjectRepo{project: &domain.Project{ID: "proj-1", CreatedAt: created}}
	svc := newTestService(records, store, projects, now)

	if err := svc.AggregateIncremental(context.Background(), "proj-1"); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if store.mergeCount() != 1 {
		t.Fatalf("expected one merge, got %d", store.mergeCount())
	}
	window := records.windows[0]
	if !window[0].Equal(created) || !window[1].Equal(now) {
		t.Fatalf("unexpected window %v..%v", window[0], window[1])
	}
	if !store.aggregate.LastAggregatedAt.Equal(now) {
		t.Fatal("watermark must advance to the window end")
	}
}

func TestAggregateResumesFromWatermark(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	watermark := now.Add(-10 * time.Minute)
	records := &stubCountRepo{counts: domain.WindowCounts{TotalCalls: 10, ErrorCount: 1}}
	store := &stubMetricsRepo{aggregate: &domain.MetricsAggregate{
		ProjectID:        "proj-1",
		LastAggregatedAt: watermark,
		TotalCalls:       100,
		ErrorCount:       4,
	}}
	svc := newTestService(records, store, &stubProjectRepo{}, now)

	if err := svc.AggregateIncremental(context.Background(), "proj-1"); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	window := records.windows[0]
	if !window[0].Equal(watermark) {
		t.Fatalf("expected window to start at watermark, got %v", window[0])
	}
	if store.aggregate.TotalCalls != 110 || store.aggregate.ErrorCount != 5 {
		t.Fatalf("expected additive merge, got %+v", store.aggregate)
	}
}

func TestAggregateSkipsShortWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	records := &stubCountRepo{}
	store := &stubMetricsRepo{aggregate: &domain.MetricsAggregate{
		ProjectID:        "proj-1",
		LastAggregatedAt: now.Add(-30 * time.Second),
	}}
	svc := newTestService(records, store, &stubProjectRepo{}, now)

	err := svc.AggregateIncremental(context.Background(), "proj-1")
	if !errors.Is(err, ErrAggregationSkipped) {
		t.Fatalf("expected ErrAggregationSkipped, got %v", err)
	}
	if records.countCalls() != 0 {
		t.Fatal("short window must not count anything")
	}
}

func TestConcurrentTriggersCollapseToOnePass(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	block := make(chan struct{})
	records := &stubCountRepo{counts: domain.WindowCounts{TotalCalls: 1}, block: block}
	store := &stubMetricsRepo{aggregate: &domain.MetricsAggregate{
		ProjectID:        "proj-1",
		LastAggregatedAt: now.Add(-10 * time.Minute),
	}}
	svc := newTestService(records, store, &stubProjectRepo{}, now)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- svc.AggregateIncremental(context.Background(), "proj-1")
	}()

	// Wait for the first pass to take the lock and park in CountWindow.
	deadline := time.Now().Add(2 * time.Second)
	for svc.projectLock("proj-1").TryLock() {
		svc.projectLock("proj-1").Unlock()
		if time.Now().After(deadline) {
			t.Fatal("first pass never took the lock")
		}
		time.Sleep(time.Millisecond)
	}

	if err := svc.AggregateIncremental(context.Background(), "proj-1"); !errors.Is(err, ErrAggregationSkipped) {
		t.Fatalf("expected concurrent trigger skipped, got %v", err)
	}

	close(block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if store.mergeCount() != 1 {
		t.Fatalf("expected exactly one merge, got %d", store.mergeCount())
	}
}

func TestRepeatedAggregationWithoutGrowthIsStable(t *testing.T) {
	first := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	records := &stubCountRepo{counts: domain.WindowCounts{TotalCalls: 40, ErrorCount: 2}}
	store := &stubMetricsRepo{aggregate: &domain.MetricsAggregate{
		ProjectID:        "proj-1",
		LastAggregatedAt: first.Add(-10 * time.Minute),
	}}
	svc := newTestService(records, store, &stubProjectRepo{}, first)

	if err := svc.AggregateIncremental(context.Background(), "proj-1"); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// No new records in the next window.
	records.counts = domain.WindowCounts{}
	second := first.Add(5 * time.Minute)
	svc.now = func() time.Time { return second }

	if err := svc.AggregateIncremental(context.Background(), "proj-1"); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if store.aggregate.TotalCalls != 40 || store.aggregate.ErrorCount != 2 {
		t.Fatalf("counters changed without log growth: %+v", store.aggregate)
	}
	if !store.aggregate.LastAggregatedAt.Equal(second) {
		t.Fatal("watermark must advance monotonically")
	}
}

func TestAggregateFailureLeavesStoreUntouched(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	records := &stubCountRepo{err: errors.New("db down")}
	store := &stubMetricsRepo{aggregate: &domain.MetricsAggregate{
		ProjectID:        "proj-1",
		LastAggregatedAt: now.Add(-10 * time.Minute),
		TotalCalls:       50,
	}}
	svc := newTestService(records, store, &stubProjectRepo{}, now)

	if err := svc.AggregateIncremental(context.Background(), "proj-1"); err == nil {
		t.Fatal("expected count failure to surface")
	}
	if store.aggregate.TotalCalls != 50 {
		t.Fatal("failed pass must not change the aggregate")
	}
	if !store.aggregate.LastAggregatedAt.Equal(now.Add(-10 * time.Minute)) {
		t.Fatal("failed pass must not advance the watermark")
	}
}

func TestErrorRateRounding(t *testing.T) {
	aggregate := domain.MetricsAggregate{TotalCalls: 300, ErrorCount: 10}
	if got := aggregate.ErrorRate(); got != 3.33 {
		t.Fatalf("expected 3.33, got %v", got)
	}
	empty := domain.MetricsAggregate{}
	if got := empty.ErrorRate(); got != 0 {
		t.Fatalf("expected 0 for empty aggregate, got %v", got)
	}
}
