package model

import "context"

type threadIDKey struct{}

// WithThreadID stores the thread id on the context
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadIDKey{}, threadID)
}

// GetThreadIDFromContext retrieves the thread id from context
func GetThreadIDFromContext(ctx context.Context) (string, bool) {
	threadID, ok := ctx.Value(threadIDKey{}).(string)
	return threadID, ok && threadID != ""
}
