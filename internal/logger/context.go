package logger

import "context"

// WithUserID returns a context carrying the user ID for log correlation.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// WithSessionID returns a context carrying the session ID for log correlation.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithPackageName returns a context carrying the App package name.
func WithPackageName(ctx context.Context, packageName string) context.Context {
	return context.WithValue(ctx, ContextKeyPackageName, packageName)
}

// WithStreamID returns a context carrying the RTMP stream ID.
func WithStreamID(ctx context.Context, streamID string) context.Context {
	return context.WithValue(ctx, ContextKeyStreamID, streamID)
}
