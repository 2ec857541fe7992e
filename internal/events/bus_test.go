package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	ch := bus.Subscribe(EventSyncStateChanged, 10)

	bus.Publish(&SyncStateChanged{
		BaseEvent: NewBaseEvent(EventSyncStateChanged, "main"),
		State:     "scanning",
		Section:   "Anime",
	})

	select {
	case received := <-ch:
		assert.Equal(t, EventSyncStateChanged, received.EventType())
		assert.Equal(t, "main", received.Profile())
		state, ok := received.(*SyncStateChanged)
		require.True(t, ok)
		assert.Equal(t, "scanning", state.State)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	ch := bus.SubscribeAll(10)

	bus.Publish(&SyncProgress{BaseEvent: NewBaseEvent(EventSyncProgress, "main"), Section: "Anime", Processed: 1, Total: 10})
	bus.Publish(&HistoryRecorded{BaseEvent: NewBaseEvent(EventHistoryRecorded, "main"), EventID: 1, Outcome: "synced"})

	received := make([]Event, 0, 2)
	timeout := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			received = append(received, e)
		case <-timeout:
			t.Fatalf("timeout waiting for event %d", i+1)
		}
	}

	assert.Len(t, received, 2)
	assert.Equal(t, EventSyncProgress, received[0].EventType())
	assert.Equal(t, EventHistoryRecorded, received[1].EventType())
}

func TestBus_TypedSubscriberIgnoresOtherTypes(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	ch := bus.Subscribe(EventHistoryRecorded, 10)
	bus.Publish(&SyncProgress{BaseEvent: NewBaseEvent(EventSyncProgress, "main")})

	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %v", e.EventType())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_FullSubscriberDropsTail(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	ch := bus.Subscribe(EventSyncProgress, 1)

	// Second publish must not block even though nobody is draining.
	bus.Publish(&SyncProgress{BaseEvent: NewBaseEvent(EventSyncProgress, "main"), Processed: 1})
	bus.Publish(&SyncProgress{BaseEvent: NewBaseEvent(EventSyncProgress, "main"), Processed: 2})

	first := <-ch
	assert.Equal(t, 1, first.(*SyncProgress).Processed)

	select {
	case e := <-ch:
		t.Fatalf("expected second event to be dropped, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	ch := bus.Subscribe(EventSyncProgress, 10)
	bus.Unsubscribe(ch)

	// Channel should be closed.
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(&SyncProgress{BaseEvent: NewBaseEvent(EventSyncProgress, "main")})
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	bus := NewBus(testLogger())

	ch := bus.Subscribe(EventSyncProgress, 10)
	all := bus.SubscribeAll(10)
	bus.Close()

	_, open := <-ch
	assert.False(t, open)
	_, open = <-all
	assert.False(t, open)

	// Publish after close is a no-op.
	bus.Publish(&SyncProgress{BaseEvent: NewBaseEvent(EventSyncProgress, "main")})
}
