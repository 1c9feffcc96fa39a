package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/events"
	"github.com/crewdock/crewdock/internal/events/bus"
)

type hubFixture struct {
	hub *Hub
	bus *bus.MemoryEventBus
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	hub := NewHub(eventBus, log)
	require.NoError(t, hub.Start())
	t.Cleanup(hub.Stop)

	return &hubFixture{hub: hub, bus: eventBus}
}

func (f *hubFixture) publishStatus(t *testing.T, taskID, newStatus string) {
	t.Helper()
	event := bus.NewEvent(events.TypeTaskStatusChanged, "test", map[string]interface{}{
		"task_id":    taskID,
		"new_status": newStatus,
	})
	require.NoError(t, f.bus.Publish(context.Background(), events.TaskStatusSubject(taskID), event))
}

func receiveEvent(t *testing.T, c *Client) *bus.Event {
	t.Helper()
	select {
	case payload, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var event bus.Event
		require.NoError(t, json.Unmarshal(payload, &event))
		return &event
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestHubRoutesEventsBySubscription(t *testing.T) {
	f := newHubFixture(t)

	c := NewClient(f.hub, nil, logger.Default())
	c.Subscribe("task-a")

	f.publishStatus(t, "task-b", "doing")
	f.publishStatus(t, "task-a", "done")

	event := receiveEvent(t, c)
	assert.Equal(t, events.TypeTaskStatusChanged, event.Type)
	assert.Equal(t, "task-a", event.Data["task_id"])
	assert.Equal(t, "done", event.Data["new_status"])

	select {
	case payload := <-c.send:
		t.Fatalf("unexpected extra event: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	f := newHubFixture(t)

	c := NewClient(f.hub, nil, logger.Default())
	c.Subscribe("task-a")
	c.Unsubscribe("task-a")

	f.publishStatus(t, "task-a", "doing")

	select {
	case payload := <-c.send:
		t.Fatalf("unexpected event after unsubscribe: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnregisterClosesClient(t *testing.T) {
	f := newHubFixture(t)

	c := NewClient(f.hub, nil, logger.Default())
	c.Subscribe("task-a")
	f.hub.Unregister(c)

	_, ok := <-c.send
	assert.False(t, ok)
	assert.False(t, c.Send([]byte("late")))

	// Idempotent
	f.hub.Unregister(c)
}
