package repository

import (
	"context"
	"time"

	"github.com/zinnnn37/loglens/internal/domain"
)

// ProjectRepository reads project metadata owned by the external project API.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// RecordQuery narrows a call-record search. Zero values mean "no filter".
type RecordQuery struct {
	ProjectID string
	Severity  string
	Layer     string
	TraceID   string
	From      time.Time
	To        time.Time
	Ascending bool

	// Keyset position of the last record already returned, both zero for the
	// first page. Limit callers fetch limit+1 rows to detect a further page.
	AfterTime time.Time
	AfterID   int64
	Limit     int
}

// CallRecordRepository persists and retrieves structured call records.
type CallRecordRepository interface {
	InsertCallRecords(ctx context.Context, records []domain.CallRecord) error
	SearchCallRecords(ctx context.Context, q RecordQuery) ([]domain.CallRecord, error)
	ListTraceRecords(ctx context.Context, projectID, traceID string, limit int) ([]domain.CallRecord, error)
	CountWindow(ctx context.Context, projectID string, from, to time.Time) (domain.WindowCounts, error)
	AverageDurationWindow(ctx context.Context, projectID string, from, to time.Time) (float64, error)
	LatestErrorRecord(ctx context.Context, projectID string, from, to time.Time) (*domain.CallRecord, error)
}

// DependencyRepository stores the observed component/dependency graph.
type DependencyRepository interface {
	UpsertComponents(ctx context.Context, components []domain.Component) error
	InsertDependencyEdges(ctx context.Context, edges []domain.DependencyEdge) error
	ListEdgesForComponents(ctx context.Context, projectID string, names []string) ([]domain.DependencyEdge, error)
}

// MetricsRepository owns per-project aggregates. MergeAggregate adds the
// window counts into the stored row (creating it when absent) and advances the
// watermark; it never recomputes from scratch.
type MetricsRepository interface {
	GetAggregate(ctx context.Context, projectID string) (*domain.MetricsAggregate, error)
	MergeAggregate(ctx context.Context, projectID string, counts domain.WindowCounts, watermark time.Time) error
}

// AlertRepository stores alert configuration and history.
type AlertRepository interface {
	ListActiveConfigs(ctx context.Context) ([]domain.AlertConfig, error)
	InsertAlert(ctx context.Context, alert *domain.AlertHistory) error
	ListAlertsByProject(ctx context.Context, projectID string, since time.Time, limit int) ([]domain.AlertHistory, error)
	LastAlertTime(ctx context.Context, projectID, alertType string) (time.Time, error)
	// MarkAlertResolved is the read-receipt write path consumed by the
	// external API layer; the evaluator never calls it.
	MarkAlertResolved(ctx context.Context, alertID int64) error
}
