package log

import "context"

// Logger is the narrow logging surface passed down through constructors.
// The context carries trace information which adapters fold into each event.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	Error(ctx context.Context, msg string, err error, fields ...map[string]interface{})
	// Fatal logs and terminates the process. Startup wiring only.
	Fatal(ctx context.Context, msg string, err error, fields ...map[string]interface{})
	// With returns a derived logger carrying the fields on every event.
	With(fields map[string]interface{}) Logger
}
