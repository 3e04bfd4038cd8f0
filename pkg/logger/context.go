package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// With stores a logger enriched with fields on the context, so downstream
// code logs with the request's trace attributes attached.
func With(ctx context.Context, fields ...any) context.Context {
	l := From(ctx).With(fields...)
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the logger stored in context, falling back to the process
// default when the context carries none.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return LoggerWrapper()
}
