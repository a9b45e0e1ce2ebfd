package httpx

import (
	"time"

	"github.com/zinnnn37/loglens/internal/domain"
	"github.com/zinnnn37/loglens/internal/service/flow"
	"github.com/zinnnn37/loglens/internal/service/logs"
)

func recordPayload(record domain.CallRecord) map[string]any {
	payload := map[string]any{
		"id":             record.ID,
		"project_id":     record.ProjectID,
		"trace_id":       record.TraceID,
		"trace_level":    record.TraceLevel,
		"component_name": record.ComponentName,
		"layer":          record.Layer,
		"method_name":    record.MethodName,
		"severity":       record.Severity,
		"message":        record.Message,
		"occurred_at":    record.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if record.ThreadName != "" {
		payload["thread_name"] = record.ThreadName
	}
	if record.DurationMS != nil {
		payload["duration_ms"] = *record.DurationMS
	}
	if record.StackTrace != "" {
		payload["stack_trace"] = record.StackTrace
	}
	return payload
}

func recordsPayload(page logs.Page) []map[string]any {
	records := make([]map[string]any, 0, len(page.Records))
	for _, record := range page.Records {
		records = append(records, recordPayload(record))
	}
	return records
}

func spanPayload(span flow.Span) map[string]any {
	records := make([]map[string]any, 0, len(span.Records))
	for _, record := range span.Records {
		records = append(records, recordPayload(record))
	}
	return map[string]any{
		"sequence":       span.Sequence,
		"component_name": span.ComponentName,
		"layer":          span.Layer,
		"start_at":       span.StartAt.UTC().Format(time.RFC3339Nano),
		"end_at":         span.EndAt.UTC().Format(time.RFC3339Nano),
		"duration_ms":    span.DurationMS,
		"record_count":   span.RecordCount,
		"records":        records,
	}
}

func flowPayload(f *flow.Flow) map[string]any {
	timeline := make([]map[string]any, 0, len(f.Timeline))
	for _, span := range f.Timeline {
		timeline = append(timeline, spanPayload(span))
	}
	edges := make([]map[string]any, 0, len(f.Graph))
	for _, edge := range f.Graph {
		edges = append(edges, map[string]any{
			"from":        edge.From,
			"to":          edge.To,
			"observed_at": edge.ObservedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return map[string]any{
		"trace_id":    f.TraceID,
		"project_id":  f.ProjectID,
		"request_at":  f.RequestAt.UTC().Format(time.RFC3339Nano),
		"response_at": f.ResponseAt.UTC().Format(time.RFC3339Nano),
		"duration_ms": f.DurationMS,
		"status":      f.Status,
		"timeline":    timeline,
		"graph":       edges,
	}
}
