package trace

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// maskPlaceholder replaces values of fields declared sensitive.
const maskPlaceholder = "****"

// Record is one structured call entry emitted by the instrumentor.
type Record struct {
	TraceID       string
	TraceLevel    int
	ComponentName string
	Layer         string
	MethodName    string
	ThreadName    string
	Severity      string
	Message       string
	DurationMS    float64
	StackTrace    string
	OccurredAt    time.Time
}

// Recorder receives records as calls complete. Implementations must not block
// the instrumented call path.
type Recorder interface {
	Record(record Record)
}

// Field is static metadata about one argument of an instrumented call.
// Sensitive fields are masked with a fixed placeholder, excluded fields are
// omitted entirely; runtime content is never inspected to decide either.
type Field struct {
	Name      string
	Sensitive bool
	Excluded  bool
}

// Target describes the participant being invoked.
type Target struct {
	Component string
	Method    string
	Facts     Facts
	Fields    []Field
}

// Instrumentor wraps invocations, propagates the trace identifier, and emits
// one record per call. It never alters control flow: errors and panics pass
// through unmodified and a record is emitted either way.
type Instrumentor struct {
	recorder Recorder
	now      func() time.Time
}

// NewInstrumentor builds an Instrumentor emitting to the given recorder.
func NewInstrumentor(recorder Recorder) *Instrumentor {
	return &Instrumentor{recorder: recorder, now: time.Now}
}

// Do invokes fn with a child trace identifier (a fresh root when the context
// carries none) and emits a call record when fn returns, including on error or
// panic. The returned error is fn's error, untouched.
func (i *Instrumentor) Do(ctx context.Context, target Target, args []any, fn func(context.Context) error) (err error) {
	if i == nil || i.recorder == nil {
		return fn(ctx)
	}
	id, ok := FromContext(ctx)
	if ok {
		id = id.Next()
	} else {
		id = New()
	}
	start := i.now()

	defer func() {
		recovered := recover()
		record := Record{
			TraceID:       id.Token,
			TraceLevel:    id.Level,
			ComponentName: target.Component,
			Layer:         string(Classify(target.Facts)),
			MethodName:    target.Method,
			ThreadName:    goroutineLabel(),
			Severity:      "INFO",
			Message:       formatArgs(target.Fields, args),
			DurationMS:    float64(i.now().Sub(start)) / float64(time.Millisecond),
			OccurredAt:    start.UTC(),
		}
		switch {
		case recovered != nil:
			record.Severity = "ERROR"
			record.StackTrace = fmt.Sprintf("panic: %v\n%s", recovered, callStack())
		case err != nil:
			record.Severity = "ERROR"
			record.Message = joinMessage(record.Message, err.Error())
			record.StackTrace = callStack()
		}
		i.recorder.Record(record)
		if recovered != nil {
			panic(recovered)
		}
	}()

	err = fn(WithID(ctx, id))
	return err
}

// formatArgs renders call arguments per their static field metadata.
func formatArgs(fields []Field, args []any) string {
	if len(fields) == 0 || len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for idx, field := range fields {
		if idx >= len(args) {
			break
		}
		if field.Excluded {
			continue
		}
		value := fmt.Sprintf("%v", args[idx])
		if field.Sensitive {
			value = maskPlaceholder
		}
		parts = append(parts, field.Name+"="+value)
	}
	return strings.Join(parts, ", ")
}

func joinMessage(message, errText string) string {
	if message == "" {
		return errText
	}
	return message + ": " + errText
}

// goroutineLabel extracts the current goroutine id from the stack header.
func goroutineLabel() string {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	header := bytes.TrimPrefix(buf, []byte("goroutine "))
	if idx := bytes.IndexByte(header, ' '); idx > 0 {
		return "goroutine-" + string(header[:idx])
	}
	return "goroutine"
}

func callStack() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
