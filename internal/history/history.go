package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventScriptStart   EventType = "script_start"
	EventScriptExit    EventType = "script_exit"
	EventScriptStop    EventType = "script_stop"
	EventTenantWarned  EventType = "tenant_warned"
	EventTenantBlocked EventType = "tenant_blocked"
	EventTenantPurged  EventType = "tenant_purged"
)

// Event is one lifecycle fact about a tenant's script or workspace.
// SessionID ties script events of one run together; tenant events leave it empty.
type Event struct {
	Type       EventType `json:"type"`
	TenantID   string    `json:"tenant_id"`
	SessionID  string    `json:"session_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (audit/analytics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to several sinks. All sinks are attempted.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit sends e to sink when one is configured. Delivery is best-effort:
// failures are logged and never returned.
func Emit(ctx context.Context, sink Sink, e Event) {
	if sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := sink.Send(ctx, e); err != nil {
		slog.Warn("history sink failed", "event", e.Type, "tenant", e.TenantID, "error", err)
	}
}

// Code returns a pointer to c, for filling Event.ExitCode.
func Code(c int) *int { return &c }
