package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestPublishRoutesByTopic(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	tasks := bus.Subscribe(TopicTask, 10)
	bugs := bus.Subscribe(TopicBugfix, 10)

	bus.Publish(TaskStartedEvent{Run: "r1", ID: "task-1", Capability: "coder", Timestamp: time.Now()})
	bus.Publish(BugOutcomeEvent{Run: "r2", File: "main.go", Outcome: "fixed"})

	got := receive(t, tasks)
	assert.Equal(t, EventTypeTaskStarted, got.EventType())
	assert.Equal(t, "r1", got.RunID())

	got = receive(t, bugs)
	assert.Equal(t, EventTypeBugOutcome, got.EventType())

	assert.Empty(t, tasks)
	assert.Empty(t, bugs)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicWorkflow, 10)
	ch2 := bus.Subscribe(TopicWorkflow, 10)

	bus.Publish(StepCompletedEvent{Run: "r", StepID: "plan", StepNumber: 1})

	for _, ch := range []<-chan Event{ch1, ch2} {
		e := receive(t, ch)
		step, ok := e.(StepCompletedEvent)
		require.True(t, ok)
		assert.Equal(t, 1, step.StepNumber)
	}
}

func TestNonBlockingSendCountsDrops(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(TaskCompletedEvent{ID: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
	assert.EqualValues(t, 4, bus.Dropped())
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)
	bus.Publish(TaskFailedEvent{ID: "t", Err: errors.New("x")})
	bus.Publish(IterationCompletedEvent{Iteration: 1, Found: 2})
	bus.Publish(RunStatusEvent{Status: "paused"})

	types := []string{receive(t, all).EventType(), receive(t, all).EventType(), receive(t, all).EventType()}
	assert.Equal(t, []string{EventTypeTaskFailed, EventTypeIterationCompleted, EventTypeRunStatus}, types)
}

func TestCloseSignalsSubscribersAndIsIdempotent(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 1)
	all := bus.SubscribeAll(1)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	_, ok = <-all
	assert.False(t, ok)

	// publishing and subscribing after close are harmless
	bus.Publish(TaskStartedEvent{ID: "late"})
	_, ok = <-bus.Subscribe(TopicTask, 1)
	assert.False(t, ok)
}

func TestPublishHelperAcceptsNil(t *testing.T) {
	Publish(nil, TaskStartedEvent{ID: "x"})

	bus := NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(TopicTask, 1)
	Publish(bus, TaskStartedEvent{ID: "y"})
	assert.Equal(t, EventTypeTaskStarted, receive(t, ch).EventType())
}
