package guard

import "github.com/oarkflow/guard/logger"

// Logger is re-exported for callers that configure the service.
type Logger = logger.Logger

// WithLogger installs a structured logger on the Service.
func WithLogger(l logger.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTraceIDFunc installs a custom trace ID generator. Trace IDs correlate
// a decision's log lines with its audit entry.
func WithTraceIDFunc(f logger.TraceIDFunc) ServiceOption {
	return func(s *Service) {
		if f != nil {
			s.traceID = f
		}
	}
}
