package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/zinnnn37/loglens/internal/domain"
	"github.com/zinnnn37/loglens/internal/repository"
)

const (
	defaultInterval = 15 * time.Second
	defaultCooldown = 10 * time.Minute
	latencyWindow   = 5 * time.Minute
	tickTimeout     = 10 * time.Second
)

// Evaluator compares per-project aggregates against active alert
// configurations on a fixed tick. Evaluation state is in-memory only: nothing
// survives a restart. While a breach persists the evaluator re-fires at most
// once per cooldown window rather than on every tick.
type Evaluator struct {
	alerts    repository.AlertRepository
	metrics   repository.MetricsRepository
	records   repository.CallRecordRepository
	publisher *Publisher
	logger    *slog.Logger

	interval time.Duration
	cooldown time.Duration
	busy     sync.Map // project id -> *sync.Mutex, IDLE/EVALUATING per project
	now      func() time.Time
}

// NewEvaluator constructs an evaluator. Zero durations select the defaults.
func NewEvaluator(alerts repository.AlertRepository, metrics repository.MetricsRepository, records repository.CallRecordRepository, publisher *Publisher, logger *slog.Logger, interval, cooldown time.Duration) *Evaluator {
	if interval <= 0 {
		interval = defaultInterval
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if logger != nil {
		logger = logger.With("component", "alert_evaluator")
	}
	return &Evaluator{
		alerts:    alerts,
		metrics:   metrics,
		records:   records,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Run drives evaluation ticks until the context is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	if e == nil {
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	if e.logger != nil {
		e.logger.Info("alert evaluator started", "interval", e.interval, "cooldown", e.cooldown)
	}
	for {
		select {
		case <-ctx.Done():
			if e.logger != nil {
				e.logger.Info("alert evaluator stopped")
			}
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick evaluates every active configuration. A failure on one project never
// aborts the others or stops future ticks.
func (e *Evaluator) tick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, tickTimeout)
	defer cancel()

	configs, err := e.alerts.ListActiveConfigs(ctx)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("failed to list alert configs", "error", err)
		}
		return
	}
	for _, cfg := range configs {
		e.evaluateIsolated(ctx, cfg)
	}
}

func (e *Evaluator) evaluateIsolated(ctx context.Context, cfg domain.AlertConfig) {
	defer func() {
		if recovered := recover(); recovered != nil && e.logger != nil {
			e.logger.Error("alert evaluation panicked", "project_id", cfg.ProjectID, "alert_type", cfg.AlertType, "panic", recovered)
		}
	}()
	lock := e.projectLock(cfg.ProjectID + "/" + cfg.AlertType)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	if err := e.evaluate(ctx, cfg); err != nil {
		if e.logger != nil {
			e.logger.Warn("alert evaluation failed", "project_id", cfg.ProjectID, "alert_type", cfg.AlertType, "error", err)
		}
	}
}

func (e *Evaluator) evaluate(ctx context.Context, cfg domain.AlertConfig) error {
	now := e.now().UTC()

	last, err := e.alerts.LastAlertTime(ctx, cfg.ProjectID, cfg.AlertType)
	if err != nil {
		return fmt.Errorf("last alert time: %w", err)
	}
	if !last.IsZero() && now.Sub(last) < e.cooldown {
		return nil
	}

	observed, breached, err := e.observe(ctx, cfg, now)
	if err != nil {
		return err
	}
	if !breached {
		return nil
	}

	alert := e.buildAlert(ctx, cfg, observed, now)
	if err := e.alerts.InsertAlert(ctx, &alert); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if e.logger != nil {
		e.logger.Info("alert fired", "project_id", cfg.ProjectID, "alert_type", cfg.AlertType,
			"threshold", cfg.Threshold, "observed", observed)
	}
	e.publisher.Publish(alert)
	return nil
}

// observe resolves the current value for the configured alert type and
// whether it breaches the threshold.
func (e *Evaluator) observe(ctx context.Context, cfg domain.AlertConfig, now time.Time) (float64, bool, error) {
	switch cfg.AlertType {
	case domain.AlertTypeErrorThreshold, domain.AlertTypeErrorRate:
		aggregate, err := e.metrics.GetAggregate(ctx, cfg.ProjectID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return 0, false, nil
			}
			return 0, false, fmt.Errorf("load aggregate: %w", err)
		}
		if cfg.AlertType == domain.AlertTypeErrorThreshold {
			observed := float64(aggregate.ErrorCount)
			return observed, observed >= cfg.Threshold, nil
		}
		observed := aggregate.ErrorRate()
		return observed, observed >= cfg.Threshold, nil
	case domain.AlertTypeLatency:
		observed, err := e.records.AverageDurationWindow(ctx, cfg.ProjectID, now.Add(-latencyWindow), now)
		if err != nil {
			return 0, false, fmt.Errorf("average latency: %w", err)
		}
		return observed, observed > 0 && observed >= cfg.Threshold, nil
	default:
		return 0, false, fmt.Errorf("unknown alert type %q", cfg.AlertType)
	}
}

// buildAlert assembles the history row, pointing the log reference at the
// most recent supporting error record when one exists.
func (e *Evaluator) buildAlert(ctx context.Context, cfg domain.AlertConfig, observed float64, now time.Time) domain.AlertHistory {
	alert := domain.AlertHistory{
		ProjectID: cfg.ProjectID,
		AlertType: cfg.AlertType,
		AlertTime: now,
		Resolved:  "N",
		Message:   alertMessage(cfg, observed),
		LogRef: domain.LogReference{
			Observed:  observed,
			Threshold: cfg.Threshold,
		},
	}
	record, err := e.records.LatestErrorRecord(ctx, cfg.ProjectID, now.Add(-latencyWindow), now)
	if err == nil && record != nil {
		alert.LogRef.LogID = record.ID
		alert.LogRef.TraceID = record.TraceID
		alert.TraceID = record.TraceID
	}
	if aggregate, err := e.metrics.GetAggregate(ctx, cfg.ProjectID); err == nil {
		alert.LogRef.ErrorCount = aggregate.ErrorCount
	}
	return alert
}

func alertMessage(cfg domain.AlertConfig, observed float64) string {
	switch cfg.AlertType {
	case domain.AlertTypeErrorThreshold:
		return fmt.Sprintf("error count %.0f reached threshold %.0f", observed, cfg.Threshold)
	case domain.AlertTypeErrorRate:
		return fmt.Sprintf("error rate %.2f%% reached threshold %.2f%%", observed, cfg.Threshold)
	case domain.AlertTypeLatency:
		return fmt.Sprintf("average latency %.2fms reached threshold %.2fms", observed, cfg.Threshold)
	default:
		return fmt.Sprintf("threshold %.2f breached with observed %.2f", cfg.Threshold, observed)
	}
}

func (e *Evaluator) projectLock(key string) *sync.Mutex {
	value, _ := e.busy.LoadOrStore(key, &sync.Mutex{})
	return value.(*sync.Mutex)
}
