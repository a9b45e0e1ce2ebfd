package domain

import (
	"strings"
	"time"
)

// Severity levels carried by call records.
const (
	SeverityDebug = "DEBUG"
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// CallRecord is one structured entry describing a single method execution
// inside a trace. Ordering key is (OccurredAt, ID); multiple records can share
// a timestamp so the surrogate id breaks ties deterministically.
type CallRecord struct {
	ID            int64
	ProjectID     string
	TraceID       string
	TraceLevel    int
	ComponentName string
	Layer         string
	MethodName    string
	ThreadName    string
	Severity      string
	Message       string
	DurationMS    *float64
	StackTrace    string
	OccurredAt    time.Time
	IngestedAt    time.Time
}

// IsError reports whether the record carries ERROR severity.
func (r CallRecord) IsError() bool {
	return strings.EqualFold(r.Severity, SeverityError)
}

// IsWarn reports whether the record carries WARN severity.
func (r CallRecord) IsWarn() bool {
	return strings.EqualFold(r.Severity, SeverityWarn)
}
