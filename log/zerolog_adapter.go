package log

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type zerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter builds a Logger backed by zerolog, writing JSON to
// stderr, or a console writer when pretty is set.
func NewZerologAdapter(level zerolog.Level, pretty bool) Logger {
	var zl zerolog.Logger
	if pretty {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(os.Stderr)
	}
	return &zerologAdapter{logger: zl.Level(level).With().Timestamp().Logger()}
}

// withTrace attaches trace_id/span_id when the context carries a valid span.
func withTrace(ctx context.Context, ev *zerolog.Event) *zerolog.Event {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		ev = ev.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	}
	return ev
}

func (z *zerologAdapter) emit(ctx context.Context, ev *zerolog.Event, msg string, fields []map[string]interface{}) {
	ev = withTrace(ctx, ev)
	for _, f := range fields {
		ev = ev.Fields(f)
	}
	ev.Msg(msg)
}

func (z *zerologAdapter) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	z.emit(ctx, z.logger.Debug(), msg, fields)
}

func (z *zerologAdapter) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	z.emit(ctx, z.logger.Info(), msg, fields)
}

func (z *zerologAdapter) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	z.emit(ctx, z.logger.Warn(), msg, fields)
}

func (z *zerologAdapter) Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	z.emit(ctx, z.logger.Error().Err(err), msg, fields)
}

func (z *zerologAdapter) Fatal(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	z.emit(ctx, z.logger.Fatal().Err(err), msg, fields)
}

func (z *zerologAdapter) With(fields map[string]interface{}) Logger {
	return &zerologAdapter{logger: z.logger.With().Fields(fields).Logger()}
}
