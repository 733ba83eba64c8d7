package repositories

import "github.com/voicebridge/server/domain"

// EventSink receives stream events for delivery to the host. Publish must
// not block; slow consumers drop rather than stall the media path.
type EventSink interface {
	Publish(event domain.Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event domain.Event)

func (f EventSinkFunc) Publish(event domain.Event) { f(event) }
