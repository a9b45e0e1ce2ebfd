package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zinnnn37/loglens/internal/domain"
	"github.com/zinnnn37/loglens/internal/repository"
)

type stubRecordStore struct {
	inserted []domain.CallRecord
	err      error
}

func (s *stubRecordStore) InsertCallRecords(_ context.Context, records []domain.CallRecord) error {
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, records...)
	return nil
}

func (s *stubRecordStore) SearchCallRecords(context.Context, repository.RecordQuery) ([]domain.CallRecord, error) {
	return nil, errors.New("not implemented")
}

func (s *stubRecordStore) ListTraceRecords(context.Context, string, string, int) ([]domain.CallRecord, error) {
	return nil, errors.New("not implemented")
}

func (s *stubRecordStore) CountWindow(context.Context, string, time.Time, time.Time) (domain.WindowCounts, error) {
	return domain.WindowCounts{}, errors.New("not implemented")
}

func (s *stubRecordStore) AverageDurationWindow(context.Context, string, time.Time, time.Time) (float64, error) {
	return 0, errors.New("not implemented")
}

func (s *stubRecordStore) LatestErrorRecord(context.Context, string, time.Time, time.Time) (*domain.CallRecord, error) {
	return nil, errors.New("not implemented")
}

type stubGraphStore struct {
	components []domain.Component
	edges      []domain.DependencyEdge
	upsertErr  error
}

func (s *stubGraphStore) UpsertComponents(_ context.Context, components []domain.Component) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.components = append(s.components, components...)
	return nil
}

func (s *stubGraphStore) InsertDependencyEdges(_ context.Context, edges []domain.DependencyEdge) error {
	s.edges = append(s.edges, edges...)
	return nil
}

func (s *stubGraphStore) ListEdgesForComponents(context.Context, string, []string) ([]domain.DependencyEdge, error) {
	return nil, errors.New("not implemented")
}

func TestStoreRecordsValidatesBatch(t *testing.T) {
	svc := New(&stubRecordStore{}, &stubGraphStore{}, nil)

	if err := svc.StoreRecords(context.Background(), "proj-1", nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}

	oversized := make([]RecordInput, maxBatchSize+1)
	for i := range oversized {
		oversized[i] = RecordInput{TraceID: "t", ComponentName: "c"}
	}
	if err := svc.StoreRecords(context.Background(), "proj-1", oversized); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestStoreRecordsRequiresTraceAndComponent(t *testing.T) {
	svc := New(&stubRecordStore{}, &stubGraphStore{}, nil)

	err := svc.StoreRecords(context.Background(), "proj-1", []RecordInput{{TraceID: " ", ComponentName: "Svc"}})
	if err == nil {
		t.Fatal("expected validation error for blank trace id")
	}
	err = svc.StoreRecords(context.Background(), "proj-1", []RecordInput{{TraceID: "t", ComponentName: ""}})
	if err == nil {
		t.Fatal("expected validation error for blank component name")
	}
}

func TestStoreRecordsNormalizesFields(t *testing.T) {
	store := &stubRecordStore{}
	svc := New(store, &stubGraphStore{}, nil)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	inputs := []RecordInput{
		{TraceID: "t1", ComponentName: "Svc", TraceLevel: 0, Severity: "warn", Layer: "service"},
		{TraceID: "t1", ComponentName: "Svc", TraceLevel: 3, OccurredAt: "2026-01-01T11:59:00Z"},
	}
	if err := svc.StoreRecords(context.Background(), "proj-1", inputs); err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(store.inserted) != 2 {
		t.Fatalf("expected 2 records, got %d", len(store.inserted))
	}
	first := store.inserted[0]
	if first.TraceLevel != 1 {
		t.Fatalf("expected level floored at 1, got %d", first.TraceLevel)
	}
	if first.Severity != domain.SeverityWarn {
		t.Fatalf("expected severity upper-cased, got %q", first.Severity)
	}
	if first.Layer != "SERVICE" {
		t.Fatalf("expected layer upper-cased, got %q", first.Layer)
	}
	if !first.OccurredAt.Equal(fixed) {
		t.Fatalf("expected missing occurred_at defaulted to now, got %v", first.OccurredAt)
	}
	second := store.inserted[1]
	want := time.Date(2026, 1, 1, 11, 59, 0, 0, time.UTC)
	if !second.OccurredAt.Equal(want) {
		t.Fatalf("expected parsed occurred_at, got %v", second.OccurredAt)
	}
	if second.Severity != domain.SeverityInfo {
		t.Fatalf("expected blank severity defaulted to INFO, got %q", second.Severity)
	}
}

func TestStoreRecordsRejectsBadTimestamp(t *testing.T) {
	svc := New(&stubRecordStore{}, &stubGraphStore{}, nil)
	err := svc.StoreRecords(context.Background(), "proj-1", []RecordInput{
		{TraceID: "t", ComponentName: "c", OccurredAt: "yesterday"},
	})
	if err == nil {
		t.Fatal("expected error for malformed occurred_at")
	}
}

func TestStoreGraphUpsertsAndAppends(t *testing.T) {
	store := &stubGraphStore{}
	svc := New(&stubRecordStore{}, store, nil)

	raw := `{
		"projectName": "shop",
		"components": [
			{"name": "OrderService", "type": "class", "layer": "service"},
			{"name": "Mystery"}
		],
		"dependencies": [
			{"from": "OrderService", "to": "Mystery"},
			{"from": "", "to": "Mystery"}
		],
		"databases": ["postgres"]
	}`
	var input GraphInput
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		t.Fatalf("unmarshal graph input: %v", err)
	}

	if err := svc.StoreGraph(context.Background(), "proj-1", input); err != nil {
		t.Fatalf("store graph: %v", err)
	}
	if len(store.components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(store.components))
	}
	if store.components[0].Layer != "SERVICE" {
		t.Fatalf("expected layer upper-cased, got %q", store.components[0].Layer)
	}
	if store.components[1].Layer != "OTHER" {
		t.Fatalf("expected missing layer defaulted to OTHER, got %q", store.components[1].Layer)
	}
	if store.components[0].ID == "" {
		t.Fatal("expected generated component id")
	}
	if len(store.edges) != 1 {
		t.Fatalf("expected blank-endpoint edge dropped, got %d edges", len(store.edges))
	}
}
