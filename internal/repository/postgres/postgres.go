package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zinnnn37/loglens/internal/domain"
	"github.com/zinnnn37/loglens/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.CallRecordRepository = (*Repository)(nil)
	_ repository.DependencyRepository = (*Repository)(nil)
	_ repository.MetricsRepository    = (*Repository)(nil)
	_ repository.AlertRepository      = (*Repository)(nil)
)

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, created_at FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var project domain.Project
	if err := row.Scan(&project.ID, &project.Name, &project.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

// ListProjects returns every known project.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, created_at FROM projects ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var project domain.Project
		if err := rows.Scan(&project.ID, &project.Name, &project.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// InsertCallRecords persists a batch of call records.
func (r *Repository) InsertCallRecords(ctx context.Context, records []domain.CallRecord) error {
	if len(records) == 0 {
		return nil
	}
	const query = `INSERT INTO call_records (
		project_id,
		trace_id,
		trace_level,
		component_name,
		layer,
		method_name,
		thread_name,
		severity,
		message,
		duration_ms,
		stack_trace,
		occurred_at,
		ingested_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,COALESCE($13, NOW()))`

	batch := &pgx.Batch{}
	for _, record := range records {
		occurred := record.OccurredAt
		if occurred.IsZero() {
			occurred = time.Now().UTC()
		}
		batch.Queue(query,
			record.ProjectID,
			record.TraceID,
			record.TraceLevel,
			record.ComponentName,
			emptyToNil(record.Layer),
			nilIfEmpty(record.MethodName),
			nilIfEmpty(record.ThreadName),
			record.Severity,
			nilIfEmpty(record.Message),
			floatPtrToNil(record.DurationMS),
			nilIfEmpty(record.StackTrace),
			occurred,
			nilTime(record.IngestedAt),
		)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.Code {
				case "22P02":
					return repository.ErrInvalidArgument
				case "23503":
					return repository.ErrNotFound
				}
			}
			return err
		}
	}
	return nil
}

const callRecordColumns = `id, project_id, trace_id, trace_level, component_name, layer, method_name, thread_name, severity, message, duration_ms, stack_trace, occurred_at, ingested_at`

// SearchCallRecords performs a keyset-paginated search ordered by
// (occurred_at, id).
func (r *Repository) SearchCallRecords(ctx context.Context, q repository.RecordQuery) ([]domain.CallRecord, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT ` + callRecordColumns + ` FROM call_records WHERE project_id = $1`)
	args = append(args, q.ProjectID)

	addArg := func(clause string, value any) {
		args = append(args, value)
		sb.WriteString(fmt.Sprintf(clause, len(args)))
	}

	if q.Severity != "" {
		addArg(` AND severity = $%d`, q.Severity)
	}
	if q.Layer != "" {
		addArg(` AND layer = $%d`, q.Layer)
	}
	if q.TraceID != "" {
		addArg(` AND trace_id = $%d`, q.TraceID)
	}
	if !q.From.IsZero() {
		addArg(` AND occurred_at >= $%d`, q.From)
	}
	if !q.To.IsZero() {
		addArg(` AND occurred_at <= $%d`, q.To)
	}
	if !q.AfterTime.IsZero() || q.AfterID > 0 {
		args = append(args, q.AfterTime, q.AfterID)
		if q.Ascending {
			sb.WriteString(fmt.Sprintf(` AND (occurred_at, id) > ($%d, $%d)`, len(args)-1, len(args)))
		} else {
			sb.WriteString(fmt.Sprintf(` AND (occurred_at, id) < ($%d, $%d)`, len(args)-1, len(args)))
		}
	}
	if q.Ascending {
		sb.WriteString(` ORDER BY occurred_at ASC, id ASC`)
	} else {
		sb.WriteString(` ORDER BY occurred_at DESC, id DESC`)
	}
	if q.Limit > 0 {
		addArg(` LIMIT $%d`, q.Limit)
	}

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCallRecords(rows)
}

// ListTraceRecords fetches every record of a trace ascending, capped at limit.
func (r *Repository) ListTraceRecords(ctx context.Context, projectID, traceID string, limit int) ([]domain.CallRecord, error) {
	const query = `SELECT ` + callRecordColumns + `
		FROM call_records WHERE project_id = $1 AND trace_id = $2
		ORDER BY occurred_at ASC, id ASC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, projectID, traceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCallRecords(rows)
}

// CountWindow returns call/error/warn totals inside the half-open window.
func (r *Repository) CountWindow(ctx context.Context, projectID string, from, to time.Time) (domain.WindowCounts, error) {
	const query = `SELECT
		COUNT(1),
		COUNT(1) FILTER (WHERE severity = 'ERROR'),
		COUNT(1) FILTER (WHERE severity = 'WARN')
		FROM call_records
		WHERE project_id = $1 AND occurred_at > $2 AND occurred_at <= $3`
	row := r.pool.QueryRow(ctx, query, projectID, from, to)
	var counts domain.WindowCounts
	if err := row.Scan(&counts.TotalCalls, &counts.ErrorCount, &counts.WarnCount); err != nil {
		return domain.WindowCounts{}, err
	}
	return counts, nil
}

// AverageDurationWindow returns the mean duration_ms over the window, 0 when
// no timed records exist.
func (r *Repository) AverageDurationWindow(ctx context.Context, projectID string, from, to time.Time) (float64, error) {
	const query = `SELECT COALESCE(AVG(duration_ms), 0)
		FROM call_records
		WHERE project_id = $1 AND occurred_at > $2 AND occurred_at <= $3 AND duration_ms IS NOT NULL`
	row := r.pool.QueryRow(ctx, query, projectID, from, to)
	var avg float64
	if err := row.Scan(&avg); err != nil {
		return 0, err
	}
	return avg, nil
}

// LatestErrorRecord returns the most recent ERROR record in the window.
func (r *Repository) LatestErrorRecord(ctx context.Context, projectID string, from, to time.Time) (*domain.CallRecord, error) {
	const query = `SELECT ` + callRecordColumns + `
		FROM call_records
		WHERE project_id = $1 AND severity = 'ERROR' AND occurred_at > $2 AND occurred_at <= $3
		ORDER BY occurred_at DESC, id DESC LIMIT 1`
	rows, err := r.pool.Query(ctx, query, projectID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records, err := scanCallRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, repository.ErrNotFound
	}
	return &records[0], nil
}

// UpsertComponents inserts or refreshes components keyed by (project_id, name).
func (r *Repository) UpsertComponents(ctx context.Context, components []domain.Component) error {
	if len(components) == 0 {
		return nil
	}
	const query = `INSERT INTO components (id, project_id, name, layer, type, package_name, technology, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (project_id, name) DO UPDATE SET
			layer = EXCLUDED.layer,
			type = EXCLUDED.type,
			package_name = EXCLUDED.package_name,
			technology = EXCLUDED.technology`
	batch := &pgx.Batch{}
	for _, component := range components {
		batch.Queue(query,
			component.ID,
			component.ProjectID,
			component.Name,
			component.Layer,
			component.Type,
			nilIfEmpty(component.PackageName),
			nilIfEmpty(component.Technology),
		)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range components {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// InsertDependencyEdges appends observed call relations. Duplicates are
// expected for repeated calls.
func (r *Repository) InsertDependencyEdges(ctx context.Context, edges []domain.DependencyEdge) error {
	if len(edges) == 0 {
		return nil
	}
	const query = `INSERT INTO component_dependencies (project_id, from_component, to_component, observed_at)
		VALUES ($1, $2, $3, COALESCE($4, NOW()))`
	batch := &pgx.Batch{}
	for _, edge := range edges {
		batch.Queue(query, edge.ProjectID, edge.From, edge.To, nilTime(edge.ObservedAt))
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range edges {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListEdgesForComponents returns distinct persisted edges touching any of the
// named components.
func (r *Repository) ListEdgesForComponents(ctx context.Context, projectID string, names []string) ([]domain.DependencyEdge, error) {
	if len(names) == 0 {
		return []domain.DependencyEdge{}, nil
	}
	const query = `SELECT DISTINCT ON (from_component, to_component)
		id, project_id, from_component, to_component, observed_at
		FROM component_dependencies
		WHERE project_id = $1 AND (from_component = ANY($2) OR to_component = ANY($2))
		ORDER BY from_component, to_component, observed_at DESC`
	rows, err := r.pool.Query(ctx, query, projectID, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	edges := make([]domain.DependencyEdge, 0)
	for rows.Next() {
		var edge domain.DependencyEdge
		if err := rows.Scan(&edge.ID, &edge.ProjectID, &edge.From, &edge.To, &edge.ObservedAt); err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// GetAggregate loads the stored aggregate for a project.
func (r *Repository) GetAggregate(ctx context.Context, projectID string) (*domain.MetricsAggregate, error) {
	const query = `SELECT project_id, last_aggregated_at, total_calls, error_count, warn_count, updated_at
		FROM metrics_aggregates WHERE project_id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var agg domain.MetricsAggregate
	if err := row.Scan(&agg.ProjectID, &agg.LastAggregatedAt, &agg.TotalCalls, &agg.ErrorCount, &agg.WarnCount, &agg.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &agg, nil
}

// MergeAggregate adds window counts into the stored row and advances the
// watermark, creating the row on first aggregation.
func (r *Repository) MergeAggregate(ctx context.Context, projectID string, counts domain.WindowCounts, watermark time.Time) error {
	const query = `INSERT INTO metrics_aggregates (project_id, last_aggregated_at, total_calls, error_count, warn_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (project_id) DO UPDATE SET
			total_calls = metrics_aggregates.total_calls + EXCLUDED.total_calls,
			error_count = metrics_aggregates.error_count + EXCLUDED.error_count,
			warn_count = metrics_aggregates.warn_count + EXCLUDED.warn_count,
			last_aggregated_at = GREATEST(metrics_aggregates.last_aggregated_at, EXCLUDED.last_aggregated_at),
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, projectID, watermark, counts.TotalCalls, counts.ErrorCount, counts.WarnCount)
	return err
}

// ListActiveConfigs returns every active alert configuration.
func (r *Repository) ListActiveConfigs(ctx context.Context) ([]domain.AlertConfig, error) {
	const query = `SELECT project_id, alert_type, threshold, active, updated_at
		FROM alert_configs WHERE active = TRUE ORDER BY project_id, alert_type`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make([]domain.AlertConfig, 0)
	for rows.Next() {
		var cfg domain.AlertConfig
		if err := rows.Scan(&cfg.ProjectID, &cfg.AlertType, &cfg.Threshold, &cfg.Active, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// InsertAlert appends a fired alert and backfills its generated id.
func (r *Repository) InsertAlert(ctx context.Context, alert *domain.AlertHistory) error {
	if alert == nil {
		return fmt.Errorf("alert required")
	}
	logRef, err := json.Marshal(alert.LogRef)
	if err != nil {
		return fmt.Errorf("marshal log reference: %w", err)
	}
	const query = `INSERT INTO alert_history (project_id, alert_type, message, alert_time, resolved, log_ref, trace_id)
		VALUES ($1, $2, $3, COALESCE($4, NOW()), $5, $6, $7)
		RETURNING id, alert_time`
	resolved := alert.Resolved
	if resolved == "" {
		resolved = "N"
	}
	row := r.pool.QueryRow(ctx, query,
		alert.ProjectID,
		alert.AlertType,
		alert.Message,
		nilTime(alert.AlertTime),
		resolved,
		logRef,
		nilIfEmpty(alert.TraceID),
	)
	if err := row.Scan(&alert.ID, &alert.AlertTime); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return repository.ErrNotFound
		}
		return err
	}
	alert.Resolved = resolved
	return nil
}

// ListAlertsByProject returns alert history newest first, optionally bounded
// by a since timestamp.
func (r *Repository) ListAlertsByProject(ctx context.Context, projectID string, since time.Time, limit int) ([]domain.AlertHistory, error) {
	const query = `SELECT id, project_id, alert_type, message, alert_time, resolved, log_ref, trace_id
		FROM alert_history
		WHERE project_id = $1 AND ($2::timestamptz IS NULL OR alert_time > $2)
		ORDER BY alert_time DESC, id DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, projectID, nilTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.AlertHistory, 0)
	for rows.Next() {
		var (
			alert   domain.AlertHistory
			logRef  []byte
			traceID *string
		)
		if err := rows.Scan(&alert.ID, &alert.ProjectID, &alert.AlertType, &alert.Message, &alert.AlertTime, &alert.Resolved, &logRef, &traceID); err != nil {
			return nil, err
		}
		if len(logRef) > 0 {
			_ = json.Unmarshal(logRef, &alert.LogRef)
		}
		if traceID != nil {
			alert.TraceID = *traceID
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// LastAlertTime returns when an alert of the given type last fired for the
// project, zero time when none has.
func (r *Repository) LastAlertTime(ctx context.Context, projectID, alertType string) (time.Time, error) {
	const query = `SELECT alert_time FROM alert_history
		WHERE project_id = $1 AND alert_type = $2
		ORDER BY alert_time DESC, id DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, projectID, alertType)
	var at time.Time
	if err := row.Scan(&at); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return at, nil
}

// MarkAlertResolved flips the read receipt on one alert row.
func (r *Repository) MarkAlertResolved(ctx context.Context, alertID int64) error {
	const query = `UPDATE alert_history SET resolved = 'Y' WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, alertID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanCallRecords(rows pgx.Rows) ([]domain.CallRecord, error) {
	records := make([]domain.CallRecord, 0)
	for rows.Next() {
		var (
			record     domain.CallRecord
			layer      *string
			method     *string
			thread     *string
			message    *string
			stackTrace *string
		)
		if err := rows.Scan(
			&record.ID,
			&record.ProjectID,
			&record.TraceID,
			&record.TraceLevel,
			&record.ComponentName,
			&layer,
			&method,
			&thread,
			&record.Severity,
			&message,
			&record.DurationMS,
			&stackTrace,
			&record.OccurredAt,
			&record.IngestedAt,
		); err != nil {
			return nil, err
		}
		record.Layer = deref(layer)
		record.MethodName = deref(method)
		record.ThreadName = deref(thread)
		record.Message = deref(message)
		record.StackTrace = deref(stackTrace)
		records = append(records, record)
	}
	return records, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func emptyToNil(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nilIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func floatPtrToNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
