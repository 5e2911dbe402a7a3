// Package notify pushes session and message state changes to connected
// clients. The ingest path talks to the Notifier interface only, so the
// transport stays swappable.
package notify

import "context"

// Event is a one-way state-change notification for a session.
type Event struct {
	Type      string `json:"type"` // session.status | message.status | session.qr
	SessionID string `json:"sessionId"`
	Data      any    `json:"data,omitempty"`
}

// Notifier is the outbound push channel. Implementations must be best
// effort: delivery failures are logged, never returned to the caller.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Nop discards all events. Used in tests and when no push transport is
// configured.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
