package offline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubDropsEventsForFullSubscribers(t *testing.T) {
	hub := NewHub()
	events, unsubscribe := hub.Subscribe(1)
	hub.Publish(Event{Kind: EventEnqueued, OperationID: "a"})
	hub.Publish(Event{Kind: EventEnqueued, OperationID: "b"})

	first := <-events
	require.Equal(t, "a", first.OperationID)
	require.False(t, first.At.IsZero())
	select {
	case extra := <-events:
		t.Fatalf("expected dropped event, got %+v", extra)
	default:
	}

	unsubscribe()
	unsubscribe()
	_, open := <-events
	require.False(t, open)
	hub.Publish(Event{Kind: EventEnqueued})
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var hub *Hub
	hub.Publish(Event{Kind: EventNotification})
}
