package trace

import "context"

type contextKey string

const contextKeyTrace contextKey = "loglens-trace-id"

// WithID attaches a trace identifier to the context.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, contextKeyTrace, id)
}

// FromContext extracts the trace identifier from the context.
func FromContext(ctx context.Context) (ID, bool) {
	value := ctx.Value(contextKeyTrace)
	if value == nil {
		return ID{}, false
	}
	id, ok := value.(ID)
	return id, ok
}
