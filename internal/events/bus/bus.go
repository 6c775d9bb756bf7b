// Package bus distributes session events to consumers.
//
// Every session has its own topic. Subscribers of one session never see
// another session's events, each subscriber receives events in publish
// order, and a publisher is never blocked by a slow consumer: a consumer
// whose buffer is full is disconnected with ErrSubscriberOverrun.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind string

const (
	KindOutput    Kind = "output"
	KindError     Kind = "error"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// IsTerminal reports whether the kind ends a session stream.
func (k Kind) IsTerminal() bool {
	return k == KindCompleted || k == KindFailed || k == KindCancelled
}

// Event is one item of a session stream. Events are shared between
// subscribers and must not be modified after publishing.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	Payload   string    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// NewEvent creates an event with a UUID and the current timestamp. The bus
// assigns Seq on publish.
func NewEvent(sessionID string, kind Kind, payload string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewTerminalEvent creates a completed, failed or cancelled event.
func NewTerminalEvent(sessionID string, kind Kind, exitCode *int, reason string) *Event {
	e := NewEvent(sessionID, kind, "")
	e.ExitCode = exitCode
	e.Reason = reason
	return e
}

// EventBus is implemented by the in-memory bus and the NATS-backed bus.
type EventBus interface {
	// Publish appends an event to the session's stream. A second terminal
	// event, or any event after it, is rejected with ErrConflict.
	Publish(ctx context.Context, sessionID string, event *Event) error

	// Subscribe attaches a consumer to one session. The retained history is
	// delivered first, then live events.
	Subscribe(sessionID, consumerID string) (*Subscription, error)

	// Unsubscribe detaches a consumer from one session.
	Unsubscribe(sessionID, consumerID string)

	// UnsubscribeAll detaches a consumer from every session.
	UnsubscribeAll(consumerID string)

	// Close releases every subscription.
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
