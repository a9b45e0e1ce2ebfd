package flow

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

const defaultRecordCap = 1000

// ErrTraceNotFound reports a trace with no stored records.
var ErrTraceNotFound = errors.New("flow: trace not found")

// Span is a contiguous run of call records attributed to one component.
type Span struct {
	Sequence      int                 `json:"sequence"`
	ComponentName string              `json:"component_name"`
	Layer         string              `json:"layer"`
	StartAt       time.Time           `json:"start_at"`
	EndAt         time.Time           `json:"end_at"`
	DurationMS    int64               `json:"duration_ms"`
	Records       []domain.CallRecord `json:"-"`
	RecordCount   int                 `json:"record_count"`
}

// Flow is one reconstructed request: the dynamic timeline plus the persisted
// static call graph for the components it touched. The two are kept separate;
// the graph reflects history, the timeline reflects this trace only.
type Flow struct {
	TraceID    string
	ProjectID  string
	RequestAt  time.Time
	ResponseAt time.Time
	DurationMS int64
	Status     string
	Timeline   []Span
	Graph      []domain.DependencyEdge
}

// Flow status values.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Service reconstructs end-to-end request flows from stored call records.
type Service struct {
	records   repository.CallRecordRepository
	deps      repository.DependencyRepository
	logger    *slog.Logger
	recordCap int
}

// New constructs a flow service. recordCap bounds how many records one
// reconstruction will read; zero or negative selects the default.
func New(records repository.CallRecordRepository, deps repository.DependencyRepository, logger *slog.Logger, recordCap int) Service {
	if recordCap <= 0 {
		recordCap = defaultRecordCap
	}
	if logger != nil {
		logger = logger.With("component", "flow")
	}
	return Service{records: records, deps: deps, logger: logger, recordCap: recordCap}
}

// Reconstruct stitches the records of one trace into a timeline and overlays
// the persisted dependency graph. Reconstruction is deterministic: the same
// stored records always produce the same flow.
func (s Service) Reconstruct(ctx context.Context, projectID, traceID string) (*Flow, error) {
	projectID = strings.TrimSpace(projectID)
	traceID = strings.TrimSpace(traceID)

	records, err := s.records.ListTraceRecords(ctx, projectID, traceID, s.recordCap)
	if err != nil {
		return nil, fmt.Errorf("list trace records: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrTraceNotFound
	}

	request := records[0]
	response := records[len(records)-1]

	flow := &Flow{
		TraceID:    traceID,
		ProjectID:  projectID,
		RequestAt:  request.OccurredAt,
		ResponseAt: response.OccurredAt,
		DurationMS: response.OccurredAt.Sub(request.OccurredAt).Milliseconds(),
		Status:     StatusSuccess,
		Timeline:   buildTimeline(records),
	}
	for _, record := range records {
		if record.IsError() {
			flow.Status = StatusError
			break
		}
	}

	names := make([]string, 0, len(flow.Timeline))
	seen := make(map[string]struct{}, len(flow.Timeline))
	for _, span := range flow.Timeline {
		if _, ok := seen[span.ComponentName]; ok {
			continue
		}
		seen[span.ComponentName] = struct{}{}
		names = append(names, span.ComponentName)
	}
	edges, err := s.deps.ListEdgesForComponents(ctx, projectID, names)
	if err != nil {
		// The static overlay is supplementary; reconstruction still succeeds.
		if s.logger != nil {
			s.logger.Warn("dependency overlay unavailable", "error", err, "trace_id", traceID)
		}
		edges = []domain.DependencyEdge{}
	}
	flow.Graph = edges
	return flow, nil
}

// buildTimeline groups consecutive records into spans. A boundary occurs when
// the component changes or the trace level drops, the level being the explicit
// call-depth signal preferred over plain name adjacency.
func buildTimeline(records []domain.CallRecord) []Span {
	spans := make([]Span, 0)
	var current *Span
	prevLevel := 0
	for _, record := range records {
		boundary := current == nil ||
			record.ComponentName != current.ComponentName ||
			record.TraceLevel < prevLevel
		if boundary {
			spans = append(spans, Span{
				Sequence:      len(spans),
				ComponentName: record.ComponentName,
				Layer:         record.Layer,
				StartAt:       record.OccurredAt,
			})
			current = &spans[len(spans)-1]
		}
		current.EndAt = record.OccurredAt
		current.DurationMS = current.EndAt.Sub(current.StartAt).Milliseconds()
		current.Records = append(current.Records, record)
		current.RecordCount = len(current.Records)
		prevLevel = record.TraceLevel
	}
	return spans
}
