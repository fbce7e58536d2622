package analyses

import "context"

type requestIDKey struct{}

// WithRequestID tags ctx so pipeline logs and lifecycle events carry the
// caller's request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// detach keeps ctx's values and drops its cancellation, so a run outlives
// the request that started it.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
