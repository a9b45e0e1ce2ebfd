package domain

import (
	"math"
	"time"
)

// MetricsAggregate holds incrementally merged per-project counters. Created on
// first aggregation and only ever mutated by additive merge; LastAggregatedAt
// is the watermark up to which log records have been folded in.
type MetricsAggregate struct {
	ProjectID        string
	LastAggregatedAt time.Time
	TotalCalls       int64
	ErrorCount       int64
	WarnCount        int64
	UpdatedAt        time.Time
}

// ErrorRate returns the error percentage rounded to two decimals, 0.0 when no
// calls have been aggregated yet.
func (a MetricsAggregate) ErrorRate() float64 {
	if a.TotalCalls <= 0 {
		return 0.0
	}
	rate := float64(a.ErrorCount) * 100 / float64(a.TotalCalls)
	return math.Round(rate*100) / 100
}

// WindowCounts are the call/error/warn totals observed in one aggregation
// window, before merging into the stored aggregate.
type WindowCounts struct {
	TotalCalls int64
	ErrorCount int64
	WarnCount  int64
}
