package logger

import (
	"context"
	"log/slog"
)

type (
	requestIDKey struct{}
	eventIDKey   struct{}
)

// WithRequestID stores the inbound request identifier for log extraction.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// WithEventID stores the webhook event identifier (or fingerprint) for log extraction.
func WithEventID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, eventIDKey{}, id)
}

func requestIDExtractor(ctx context.Context) (slog.Attr, bool) {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return slog.String("request_id", v), true
	}
	return slog.Attr{}, false
}

func eventIDExtractor(ctx context.Context) (slog.Attr, bool) {
	if v, ok := ctx.Value(eventIDKey{}).(string); ok {
		return slog.String("event_id", v), true
	}
	return slog.Attr{}, false
}
