package domain

import "time"

// Alert types supported by threshold evaluation.
const (
	AlertTypeErrorThreshold = "ERROR_THRESHOLD"
	AlertTypeLatency        = "LATENCY"
	AlertTypeErrorRate      = "ERROR_RATE"
)

// AlertConfig is a per-project threshold definition. The evaluator treats it
// as read-only; mutation happens through an external API.
type AlertConfig struct {
	ProjectID string
	AlertType string
	Threshold float64
	Active    bool
	UpdatedAt time.Time
}

// LogReference points an alert at its supporting evidence.
type LogReference struct {
	LogID      int64   `json:"log_id,omitempty"`
	TraceID    string  `json:"trace_id,omitempty"`
	ErrorCount int64   `json:"error_count,omitempty"`
	Observed   float64 `json:"observed"`
	Threshold  float64 `json:"threshold"`
}

// AlertHistory is one fired alert. Rows are append-only from the evaluator;
// Resolved ('Y'/'N') is flipped later by the external read-receipt path only.
type AlertHistory struct {
	ID        int64
	ProjectID string
	AlertType string
	Message   string
	AlertTime time.Time
	Resolved  string
	LogRef    LogReference
	TraceID   string
}
