// Package agent forwards instrumentation output from an application to the
// LogLens ingest API, best effort.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zinnnn37/loglens/pkg/trace"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the API rejected the agent token.
var ErrUnauthorized = errors.New("loglens agent unauthorized")

// ErrInvalidArgument indicates the API rejected the payload with validation errors.
var ErrInvalidArgument = errors.New("loglens agent invalid argument")

// ErrNotFound indicates the API could not locate the referenced project.
var ErrNotFound = errors.New("loglens agent project not found")

// Emitter sends call records and dependency graphs to the LogLens API.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// NewEmitter creates an emitter using the provided API base URL and agent token.
func NewEmitter(baseURL, agentToken string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("loglens agent base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(agentToken),
		client:  client,
		now:     time.Now,
	}, nil
}

// EmitRecords sends a batch of call records for a project.
func (e *Emitter) EmitRecords(ctx context.Context, projectID string, records []trace.Record) error {
	if e == nil {
		return errors.New("loglens agent emitter not initialised")
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return errors.New("loglens agent requires project id")
	}
	if len(records) == 0 {
		return nil
	}
	payload := make([]map[string]any, 0, len(records))
	for _, record := range records {
		occurred := record.OccurredAt
		if occurred.IsZero() {
			occurred = e.now().UTC()
		}
		payload = append(payload, map[string]any{
			"trace_id":       record.TraceID,
			"trace_level":    record.TraceLevel,
			"component_name": record.ComponentName,
			"layer":          record.Layer,
			"method_name":    record.MethodName,
			"thread_name":    record.ThreadName,
			"severity":       record.Severity,
			"message":        record.Message,
			"duration_ms":    record.DurationMS,
			"stack_trace":    record.StackTrace,
			"occurred_at":    occurred.UTC().Format(time.RFC3339Nano),
		})
	}
	return e.post(ctx, "/ingest/"+projectID+"/records", map[string]any{"records": payload})
}

// SendGraph sends a project dependency graph snapshot.
func (e *Emitter) SendGraph(ctx context.Context, projectID string, graph GraphPayload) error {
	if e == nil {
		return errors.New("loglens agent emitter not initialised")
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return errors.New("loglens agent requires project id")
	}
	return e.post(ctx, "/ingest/"+projectID+"/graph", graph)
}

func (e *Emitter) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal agent payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Agent-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send agent request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return e.errorForStatus(resp)
	}
	return nil
}

func (e *Emitter) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("agent request failed: %s", summary)
	}
}
