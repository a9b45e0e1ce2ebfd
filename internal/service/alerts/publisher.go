package alerts

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/zinnnn37/loglens/internal/domain"
	"github.com/zinnnn37/loglens/internal/repository"
	"github.com/zinnnn37/loglens/internal/ws"
)

// Publisher pushes newly created alerts to live per-project subscribers and
// serves the catch-up query for reconnecting clients. Catch-up is a
// convenience read, not a delivery guarantee.
type Publisher struct {
	repo   repository.AlertRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// NewPublisher constructs a publisher on the given hub.
func NewPublisher(repo repository.AlertRepository, hub *ws.Hub, logger *slog.Logger) *Publisher {
	if logger != nil {
		logger = logger.With("component", "alert_stream")
	}
	return &Publisher{repo: repo, hub: hub, logger: logger}
}

// Publish broadcasts one alert to every subscriber of its project.
func (p *Publisher) Publish(alert domain.AlertHistory) {
	if p == nil || p.hub == nil {
		return
	}
	payload, err := MarshalAlert(alert)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("failed to marshal alert payload", "error", err)
		}
		return
	}
	p.hub.Broadcast(alert.ProjectID, payload)
}

// History returns alert rows for a project, newest first, optionally bounded
// by a since timestamp for reconnect catch-up.
func (p *Publisher) History(ctx context.Context, projectID string, since time.Time, limit int) ([]domain.AlertHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.repo.ListAlertsByProject(ctx, projectID, since, limit)
}

// Hub exposes the subscriber registry for stream handlers.
func (p *Publisher) Hub() *ws.Hub {
	return p.hub
}

// MarshalAlert encodes one alert event for stream clients.
func MarshalAlert(alert domain.AlertHistory) ([]byte, error) {
	payload := map[string]any{
		"id":         alert.ID,
		"project_id": alert.ProjectID,
		"alert_type": alert.AlertType,
		"message":    alert.Message,
		"alert_time": alert.AlertTime.UTC().Format(time.RFC3339Nano),
		"resolved":   alert.Resolved,
		"log_ref":    alert.LogRef,
	}
	if alert.TraceID != "" {
		payload["trace_id"] = alert.TraceID
	}
	return json.Marshal(payload)
}
