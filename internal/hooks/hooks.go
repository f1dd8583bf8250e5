// Package hooks delivers fire-and-best-effort mutation notifications. A
// single callback is installed at application scope; failures are logged
// and never propagate into the request path.
package hooks

import (
	"context"

	"go.uber.org/zap"
)

// Event names every mutation the service announces.
type Event string

const (
	EventAgentCreated        Event = "agent.created"
	EventAgentDeregistered   Event = "agent.deregistered"
	EventMessageSent         Event = "message.sent"
	EventMessageAcknowledged Event = "message.acknowledged"
	EventChatMessageSent     Event = "chat.message_sent"
	EventReservationAcquired Event = "reservation.acquired"
	EventReservationReleased Event = "reservation.released"
)

// Callback receives one mutation event. Implementations must tolerate
// concurrent calls; there is no retry and no ordering guarantee.
type Callback func(ctx context.Context, event Event, payload map[string]any) error

// Dispatcher guards the installed callback: panics are recovered, errors
// are logged, neither reaches the caller.
type Dispatcher struct {
	cb     Callback
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher. cb may be nil (hooks disabled).
func NewDispatcher(cb Callback, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{cb: cb, logger: logger}
}

// Fire invokes the callback in the request's context.
func (d *Dispatcher) Fire(ctx context.Context, event Event, payload map[string]any) {
	if d == nil || d.cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("mutation hook panicked",
				zap.String("event", string(event)), zap.Any("panic", r))
		}
	}()
	if err := d.cb(ctx, event, payload); err != nil {
		d.logger.Warn("mutation hook failed",
			zap.String("event", string(event)), zap.Error(err))
	}
}
