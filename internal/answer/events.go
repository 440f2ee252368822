package answer

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventTurnAdded reports a new turn appended to the conversation.
	EventTurnAdded EventKind = iota

	// EventDelta reports a streamed text fragment for a turn.
	EventDelta

	// EventTurnFinalized reports a turn flipping to StatusNormal.
	EventTurnFinalized

	// EventTurnFailed reports a turn flipping to StatusError.
	EventTurnFailed

	// EventNotice carries a transient user-facing message. Consumers should
	// hide it once ExpiresAt passes.
	EventNotice
)

// Event is one conversation update pushed to the consumer.
type Event struct {
	Kind   EventKind
	TurnID uuid.UUID

	// Delta is set for EventDelta.
	Delta string

	// Notice and ExpiresAt are set for EventNotice.
	Notice    string
	ExpiresAt time.Time
}

// emit pushes an event without blocking. A lagging consumer loses events
// rather than stalling the stream path.
func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
	}
}

// notify emits a transient notice and logs the underlying error.
func (o *Orchestrator) notify(message string, err error) {
	if err != nil {
		o.logger.Error(message, "error", err)
	} else {
		o.logger.Warn(message)
	}
	o.emit(Event{
		Kind:      EventNotice,
		Notice:    message,
		ExpiresAt: time.Now().Add(o.noticeExpiry),
	})
}
