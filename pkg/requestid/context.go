package requestid

import (
	"context"

	"github.com/dmitrymomot/billsync/pkg/logger"
)

type contextKey struct{}

// WithContext stores id on ctx and registers it for structured log extraction.
func WithContext(ctx context.Context, id string) context.Context {
	return logger.WithRequestID(context.WithValue(ctx, contextKey{}, id), id)
}

func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
