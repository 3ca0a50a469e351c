// Package middleware holds the request-scoped values shared between the HTTP
// layer and anything it calls.
package middleware

import "context"

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID stores the calling user's ID in the context.
// Called by the identity middleware once the caller is known.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the calling user's ID, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}
