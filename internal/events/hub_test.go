package events

import (
	"encoding/json"
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

func receive(t *testing.T, ch chan []byte) Event {
	t.Helper()
	select {
	case raw, ok := <-ch:
		require.True(t, ok, "channel closed")
		var e Event
		require.NoError(t, json.Unmarshal(raw, &e))
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(4, testLogger())
	ch1 := hub.Subscribe()
	ch2 := hub.Subscribe()
	assert.Equal(t, 2, hub.Subscribers())

	hub.Publish(TypeMove, map[string]string{"agent": "Tom", "to": "cafe"})
	assert.Equal(t, TypeMove, receive(t, ch1).Type)
	assert.Equal(t, TypeMove, receive(t, ch2).Type)

	hub.Unsubscribe(ch1)
	hub.Unsubscribe(ch1) // second call is a no-op
	hub.Publish(TypeChat, nil)
	assert.Equal(t, TypeChat, receive(t, ch2).Type)
	_, ok := <-ch1
	assert.False(t, ok)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub(2, testLogger())
	ch := hub.Subscribe()
	for range 5 {
		hub.Publish(TypeStep, nil)
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, int64(3), hub.Dropped())
}

func TestHubHooksAndClose(t *testing.T) {
	hub := NewHub(0, testLogger())
	var seen []string
	hub.OnEvent(func(e Event) { seen = append(seen, e.Type) })

	ch := hub.Subscribe()
	hub.Publish(TypeSim, map[string]string{"mode": "paused"})
	hub.Close()
	hub.Close()

	_ = receive(t, ch)
	_, ok := <-ch
	assert.False(t, ok, "close disconnects subscribers")

	hub.Publish(TypeStep, nil)
	assert.Equal(t, []string{TypeSim, TypeStep}, seen)

	late := hub.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	assert.Zero(t, hub.Subscribers())
}
