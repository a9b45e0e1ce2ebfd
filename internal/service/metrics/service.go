package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/zinnnn37/loglens/internal/domain"
	"github.com/zinnnn37/loglens/internal/repository"
)

const defaultMinWindow = time.Minute

// ErrAggregationSkipped reports that an aggregation pass did nothing, either
// because another pass holds the project lock or the window is still too
// small. It is operational, not a failure.
var ErrAggregationSkipped = errors.New("metrics: aggregation skipped")

// Service folds call records into per-project aggregates incrementally. Each
// project is guarded by a non-blocking lock: concurrent triggers collapse into
// the single running pass instead of queueing.
type Service struct {
	records   repository.CallRecordRepository
	store     repository.MetricsRepository
	projects  repository.ProjectRepository
	logger    *slog.Logger
	minWindow time.Duration
	locks     sync.Map // project id -> *sync.Mutex
	now       func() time.Time
}

// New constructs a metrics service.
func New(records repository.CallRecordRepository, store repository.MetricsRepository, projects repository.ProjectRepository, logger *slog.Logger, minWindow time.Duration) *Service {
	if minWindow <= 0 {
		minWindow = defaultMinWindow
	}
	if logger != nil {
		logger = logger.With("component", "metrics")
	}
	return &Service{
		records:   records,
		store:     store,
		projects:  projects,
		logger:    logger,
		minWindow: minWindow,
		now:       time.Now,
	}
}

// AggregateIncremental folds the window since the last watermark into the
// stored aggregate. Lock contention and short windows return
// ErrAggregationSkipped; real failures are logged and returned but leave the
// stored aggregate untouched. The lock guards only the decide/merge step.
func (s *Service) AggregateIncremental(ctx context.Context, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return fmt.Errorf("metrics: project id required")
	}

	lock := s.projectLock(projectID)
	if !lock.TryLock() {
		if s.logger != nil {
			s.logger.Debug("aggregation already running", "project_id", projectID)
		}
		return ErrAggregationSkipped
	}
	defer lock.Unlock()

	since, err := s.windowStart(ctx, projectID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("aggregation window lookup failed", "project_id", projectID, "error", err)
		}
		return err
	}
	now := s.now().UTC()
	if now.Sub(since) < s.minWindow {
		if s.logger != nil {
			s.logger.Debug("aggregation window below minimum", "project_id", projectID, "window", now.Sub(since))
		}
		return ErrAggregationSkipped
	}

	counts, err := s.records.CountWindow(ctx, projectID, since, now)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("aggregation count failed", "project_id", projectID, "error", err)
		}
		return fmt.Errorf("count window: %w", err)
	}
	if err := s.store.MergeAggregate(ctx, projectID, counts, now); err != nil {
		if s.logger != nil {
			s.logger.Warn("aggregation merge failed", "project_id", projectID, "error", err)
		}
		return fmt.Errorf("merge aggregate: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("aggregation merged", "project_id", projectID,
			"calls", counts.TotalCalls, "errors", counts.ErrorCount, "warns", counts.WarnCount,
			"watermark", now)
	}
	return nil
}

// Get returns the stored aggregate for a project.
func (s *Service) Get(ctx context.Context, projectID string) (*domain.MetricsAggregate, error) {
	return s.store.GetAggregate(ctx, projectID)
}

// windowStart resolves the aggregation window start: the stored watermark, or
// the project creation time before the first aggregation.
func (s *Service) windowStart(ctx context.Context, projectID string) (time.Time, error) {
	aggregate, err := s.store.GetAggregate(ctx, projectID)
	if err == nil {
		return aggregate.LastAggregatedAt, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return time.Time{}, fmt.Errorf("load aggregate: %w", err)
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load project: %w", err)
	}
	return project.CreatedAt, nil
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	value, _ := s.locks.LoadOrStore(projectID, &sync.Mutex{})
	return value.(*sync.Mutex)
}
