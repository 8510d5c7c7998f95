package board

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendTestEvent(t *testing.T, client *Client, jobID string, kind EventKind) *Event {
	t.Helper()
	ev, err := client.AppendEvent(context.Background(), &Event{
		JobID: jobID,
		Kind:  kind,
	})
	require.NoError(t, err)
	return ev
}

func receiveEvent(t *testing.T, sub *EventSubscription) *Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "event channel closed unexpectedly")
		return ev
	case err := <-sub.Errors():
		t.Fatalf("subscription error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestAppendEvent(t *testing.T) {
	client, _ := setupTestClient(t)
	jobID := uuid.New().String()

	t.Run("assigns strictly increasing gap-free sequence numbers", func(t *testing.T) {
		for want := int64(1); want <= 5; want++ {
			ev := appendTestEvent(t, client, jobID, EventTaskSucceeded)
			assert.Equal(t, want, ev.Seq)
		}
	})

	t.Run("sequences are per job", func(t *testing.T) {
		other := appendTestEvent(t, client, uuid.New().String(), EventJobCreated)
		assert.Equal(t, int64(1), other.Seq)
	})

	t.Run("rejects invalid events", func(t *testing.T) {
		_, err := client.AppendEvent(context.Background(), &Event{Kind: EventJobCreated})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestEventHistory(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	jobID := uuid.New().String()

	kinds := []EventKind{EventJobCreated, EventStageEntered, EventTaskQueued, EventTaskSucceeded}
	for _, kind := range kinds {
		appendTestEvent(t, client, jobID, kind)
	}

	t.Run("returns full ordered history", func(t *testing.T) {
		events, err := client.EventHistory(ctx, jobID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 4)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Seq)
			assert.Equal(t, kinds[i], ev.Kind)
			assert.Equal(t, jobID, ev.JobID)
		}
	})

	t.Run("fromSeq resumes mid-log", func(t *testing.T) {
		events, err := client.EventHistory(ctx, jobID, 3, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(3), events[0].Seq)
	})

	t.Run("limit caps the page", func(t *testing.T) {
		events, err := client.EventHistory(ctx, jobID, 1, 2)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("unknown job yields empty history", func(t *testing.T) {
		events, err := client.EventHistory(ctx, uuid.New().String(), 0, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestSubscribeEventsLive(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	jobID := uuid.New().String()

	sub, err := client.SubscribeEvents(ctx, jobID, 0, 16)
	require.NoError(t, err)
	defer sub.Close()

	appendTestEvent(t, client, jobID, EventJobCreated)
	appendTestEvent(t, client, jobID, EventStageEntered)

	ev := receiveEvent(t, sub)
	assert.Equal(t, EventJobCreated, ev.Kind)
	assert.Equal(t, int64(1), ev.Seq)

	ev = receiveEvent(t, sub)
	assert.Equal(t, EventStageEntered, ev.Kind)
	assert.Equal(t, int64(2), ev.Seq)
}

func TestSubscribeEventsFiltersByJob(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	jobA := uuid.New().String()
	jobB := uuid.New().String()

	sub, err := client.SubscribeEvents(ctx, jobA, 0, 16)
	require.NoError(t, err)
	defer sub.Close()

	appendTestEvent(t, client, jobB, EventJobCreated)
	appendTestEvent(t, client, jobA, EventJobCreated)

	ev := receiveEvent(t, sub)
	assert.Equal(t, jobA, ev.JobID)
}

func TestSubscribeEventsReplayThenLive(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	jobID := uuid.New().String()

	appendTestEvent(t, client, jobID, EventJobCreated)
	appendTestEvent(t, client, jobID, EventStageEntered)
	appendTestEvent(t, client, jobID, EventTaskQueued)

	sub, err := client.SubscribeEvents(ctx, jobID, 2, 16)
	require.NoError(t, err)
	defer sub.Close()

	appendTestEvent(t, client, jobID, EventTaskSucceeded)

	// Replayed history from seq 2, then the live event, no duplicates.
	wantSeqs := []int64{2, 3, 4}
	for _, want := range wantSeqs {
		ev := receiveEvent(t, sub)
		assert.Equal(t, want, ev.Seq)
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event seq=%d", ev.Seq)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeEventsAllJobs(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	sub, err := client.SubscribeEvents(ctx, "", 0, 16)
	require.NoError(t, err)
	defer sub.Close()

	jobA := uuid.New().String()
	jobB := uuid.New().String()
	appendTestEvent(t, client, jobA, EventJobCreated)
	appendTestEvent(t, client, jobB, EventJobCreated)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := receiveEvent(t, sub)
		seen[ev.JobID] = true
	}
	assert.True(t, seen[jobA])
	assert.True(t, seen[jobB])
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	client, _ := setupTestClient(t)

	sub, err := client.SubscribeEvents(context.Background(), "", 0, 4)
	require.NoError(t, err)

	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())

	// Channel drains and closes after cancel.
	for range sub.Events() {
	}
}

func TestStatsHooksFire(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	jobID := uuid.New().String()

	var appended, dropped atomic.Int64
	client.SetStatsHooks(func() { appended.Add(1) }, func() { dropped.Add(1) })

	t.Run("append hook fires per durable write", func(t *testing.T) {
		appendTestEvent(t, client, jobID, EventJobCreated)
		appendTestEvent(t, client, jobID, EventStageEntered)
		assert.Equal(t, int64(2), appended.Load())
	})

	t.Run("drop hook fires when a subscriber lags", func(t *testing.T) {
		sub, err := client.SubscribeEvents(ctx, jobID, 0, 1)
		require.NoError(t, err)
		defer sub.Close()

		appendTestEvent(t, client, jobID, EventTaskQueued)
		// Let the subscriber goroutine fill the buffer before overflowing it.
		time.Sleep(100 * time.Millisecond)
		appendTestEvent(t, client, jobID, EventTaskSucceeded)

		require.Eventually(t, func() bool {
			return dropped.Load() >= 1
		}, 2*time.Second, 25*time.Millisecond)
	})
}

func TestSlowSubscriberGetsLagMarker(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	jobID := uuid.New().String()

	// Buffer of one: the second event overflows and is dropped, the third
	// delivery is preceded by a lag marker.
	sub, err := client.SubscribeEvents(ctx, jobID, 0, 1)
	require.NoError(t, err)
	defer sub.Close()

	appendTestEvent(t, client, jobID, EventJobCreated)
	// Let the subscriber goroutine fill the buffer before overflowing it.
	time.Sleep(100 * time.Millisecond)
	appendTestEvent(t, client, jobID, EventStageEntered)
	time.Sleep(100 * time.Millisecond)

	first := receiveEvent(t, sub)
	assert.Equal(t, EventJobCreated, first.Kind)

	appendTestEvent(t, client, jobID, EventTaskQueued)

	marker := receiveEvent(t, sub)
	assert.Equal(t, EventHeartbeat, marker.Kind)
	assert.Equal(t, "subscriber_lagged", marker.Payload["reason"])
}
