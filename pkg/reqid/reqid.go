// Package reqid threads an opaque per-request trace id through a
// context.Context, the same way reva's own request-scoped helpers do for
// its gRPC/HTTP interceptors.
package reqid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const reqIDKey ctxKey = iota

// ContextSetReqID stores the given trace id in the context.
func ContextSetReqID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, reqIDKey, id)
}

// ContextGetReqID returns the trace id stored in the context, if any.
func ContextGetReqID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(reqIDKey).(string)
	return id, ok
}

// New generates a fresh trace id suitable for a new incoming request.
func New() string {
	return uuid.New().String()
}
