package logger

// Logger is the minimal structured logging interface the decision service
// and its stores emit through. Implementations accept alternating key/value
// pairs as variadic arguments.
type Logger interface {
	Error(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation/trace ID string for each request/log.
type TraceIDFunc func() string // It should be cheap and safe for concurrent calls.
