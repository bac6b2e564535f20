package events

import "context"

type ctxKey int

const (
	sessionKey ctxKey = iota
	requestKey
)

// WithSession attaches the session id to ctx.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithRequest attaches the request id to ctx.
func WithRequest(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestKey, requestID)
}

func SessionFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(sessionKey).(string)
	return v
}

func RequestFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestKey).(string)
	return v
}

// Addressed returns ev stamped with the ids carried by ctx. Ids already set
// on ev are kept.
func Addressed(ctx context.Context, ev Event) Event {
	if ev.SessionID == "" {
		ev.SessionID = SessionFrom(ctx)
	}
	if ev.RequestID == "" {
		ev.RequestID = RequestFrom(ctx)
	}
	return ev
}
