package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var logger = zap.NewNop()

// Init replaces the package logger with a production zap logger tagged with
// the service name. The returned function flushes buffered entries.
func Init(serviceName string) func() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	logger = l.With(zap.String("service", serviceName))
	return func() {
		_ = logger.Sync()
	}
}

func withTrace(ctx context.Context, fields []zap.Field) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if sc.HasSpanID() {
		fields = append(fields, zap.String("span_id", sc.SpanID().String()))
	}
	return fields
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	logger.Info(msg, withTrace(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	logger.Warn(msg, withTrace(ctx, fields)...)
}

func Error(ctx context.Context, msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	logger.Error(msg, withTrace(ctx, fields)...)
}

func Fatal(ctx context.Context, msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	logger.Fatal(msg, withTrace(ctx, fields)...)
}
