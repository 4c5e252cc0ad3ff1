// Package audit writes audit lines for state-changing requests.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"churchops.org/internal/auth"
	"churchops.org/internal/obs"
)

type requestIDKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// Record writes one audit line carrying the request id and acting user.
func Record(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  event,
		"fields": map[string]any{},
	}
	if rid := RequestID(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if actor, ok := auth.ActorFromContext(ctx); ok {
		entry["actor_id"] = actor.UserID
		entry["privileged"] = actor.Privileged
	}
	if len(fields) > 0 {
		cp := make(map[string]any, len(fields))
		for k, v := range fields {
			cp[k] = v
		}
		entry["fields"] = cp
	}
	obs.LogRequest(entry)
	return nil
}
