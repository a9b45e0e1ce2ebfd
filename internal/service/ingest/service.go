package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/zinnnn37/loglens/internal/domain"
	"github.com/zinnnn37/loglens/internal/repository"
)

const maxBatchSize = 1000

// ErrEmptyBatch reports an ingest request without records.
var ErrEmptyBatch = errors.New("ingest: empty batch")

// ErrBatchTooLarge reports an ingest batch above the accepted maximum.
var ErrBatchTooLarge = fmt.Errorf("ingest: batch exceeds %d records", maxBatchSize)

// RecordInput is one call record as received from an agent.
type RecordInput struct {
	TraceID       string   `json:"trace_id"`
	TraceLevel    int      `json:"trace_level"`
	ComponentName string   `json:"component_name"`
	Layer         string   `json:"layer"`
	MethodName    string   `json:"method_name"`
	ThreadName    string   `json:"thread_name"`
	Severity      string   `json:"severity"`
	Message       string   `json:"message"`
	DurationMS    *float64 `json:"duration_ms"`
	StackTrace    string   `json:"stack_trace"`
	OccurredAt    string   `json:"occurred_at"`
}

// GraphInput is one dependency graph snapshot as received from an agent.
type GraphInput struct {
	ProjectName string `json:"projectName"`
	Components  []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		PackageName string `json:"packageName"`
		Layer       string `json:"layer"`
		Technology  string `json:"technology"`
	} `json:"components"`
	Dependencies []struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"dependencies"`
	Databases []string `json:"databases"`
}

// Service persists agent-submitted call records and dependency graphs.
type Service struct {
	records repository.CallRecordRepository
	deps    repository.DependencyRepository
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs an ingest service.
func New(records repository.CallRecordRepository, deps repository.DependencyRepository, logger *slog.Logger) Service {
	if logger != nil {
		logger = logger.With("component", "ingest")
	}
	return Service{records: records, deps: deps, logger: logger, now: time.Now}
}

// StoreRecords validates and persists one batch of call records.
func (s Service) StoreRecords(ctx context.Context, projectID string, inputs []RecordInput) error {
	if len(inputs) == 0 {
		return ErrEmptyBatch
	}
	if len(inputs) > maxBatchSize {
		return ErrBatchTooLarge
	}
	records := make([]domain.CallRecord, 0, len(inputs))
	for _, input := range inputs {
		traceID := strings.TrimSpace(input.TraceID)
		component := strings.TrimSpace(input.ComponentName)
		if traceID == "" || component == "" {
			return fmt.Errorf("ingest: trace_id and component_name are required")
		}
		occurred := s.now().UTC()
		if raw := strings.TrimSpace(input.OccurredAt); raw != "" {
			parsed, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return fmt.Errorf("ingest: invalid occurred_at %q", raw)
			}
			occurred = parsed.UTC()
		}
		level := input.TraceLevel
		if level < 1 {
			level = 1
		}
		severity := strings.ToUpper(strings.TrimSpace(input.Severity))
		if severity == "" {
			severity = domain.SeverityInfo
		}
		records = append(records, domain.CallRecord{
			ProjectID:     projectID,
			TraceID:       traceID,
			TraceLevel:    level,
			ComponentName: component,
			Layer:         strings.ToUpper(strings.TrimSpace(input.Layer)),
			MethodName:    strings.TrimSpace(input.MethodName),
			ThreadName:    strings.TrimSpace(input.ThreadName),
			Severity:      severity,
			Message:       input.Message,
			DurationMS:    input.DurationMS,
			StackTrace:    input.StackTrace,
			OccurredAt:    occurred,
		})
	}
	if err := s.records.InsertCallRecords(ctx, records); err != nil {
		return fmt.Errorf("insert call records: %w", err)
	}
	return nil
}

// StoreGraph persists a dependency graph snapshot: components are upserted by
// (project, name), edges are appended.
func (s Service) StoreGraph(ctx context.Context, projectID string, input GraphInput) error {
	observed := s.now().UTC()

	components := make([]domain.Component, 0, len(input.Components))
	for _, c := range input.Components {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		layer := strings.ToUpper(strings.TrimSpace(c.Layer))
		if layer == "" {
			layer = "OTHER"
		}
		components = append(components, domain.Component{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			Name:        name,
			Layer:       layer,
			Type:        strings.TrimSpace(c.Type),
			PackageName: strings.TrimSpace(c.PackageName),
			Technology:  strings.TrimSpace(c.Technology),
		})
	}
	if err := s.deps.UpsertComponents(ctx, components); err != nil {
		return fmt.Errorf("upsert components: %w", err)
	}

	edges := make([]domain.DependencyEdge, 0, len(input.Dependencies))
	for _, d := range input.Dependencies {
		from := strings.TrimSpace(d.From)
		to := strings.TrimSpace(d.To)
		if from == "" || to == "" {
			continue
		}
		edges = append(edges, domain.DependencyEdge{
			ProjectID:  projectID,
			From:       from,
			To:         to,
			ObservedAt: observed,
		})
	}
	if err := s.deps.InsertDependencyEdges(ctx, edges); err != nil {
		return fmt.Errorf("insert dependency edges: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("graph snapshot stored", "project_id", projectID,
			"components", len(components), "edges", len(edges), "databases", len(input.Databases))
	}
	return nil
}
