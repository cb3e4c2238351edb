package auditlog

import (
	"context"
	"strings"

	"github.com/packfarm/packfarm/internal/platform/auth"
)

// AuthDenyFunc adapts a Recorder to the auth middleware's deny hook.
func AuthDenyFunc(rec Recorder, service string) auth.AuditFunc {
	return func(ctx context.Context, event auth.DenyEvent) error {
		actor := "anonymous"
		if strings.TrimSpace(event.Subject) != "" {
			actor = strings.TrimSpace(event.Subject)
		}
		return rec.Record(ctx, Event{
			OccurredAt:   event.Time,
			Actor:        actor,
			Action:       "auth." + strings.TrimSpace(event.Reason),
			ResourceType: "http",
			ResourceID:   event.Method + " " + event.Path,
			RequestID:    event.RequestID,
			Payload: map[string]any{
				"service":     service,
				"status":      event.Status,
				"error":       event.Error,
				"roles":       event.Roles,
				"remote_addr": event.RemoteAddr,
				"user_agent":  event.UserAgent,
			},
		})
	}
}
