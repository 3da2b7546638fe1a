// ABOUTME: Tests for the progress broadcaster
// ABOUTME: Covers fan-out, identity isolation, slow subscribers and cleanup

package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := t.Context()

	ch1, _ := b.Subscribe(ctx, "alice")
	ch2, _ := b.Subscribe(ctx, "alice")

	b.Publish(Progress{Identity: "alice", Stage: StageAttemptFailed})

	for i, ch := range []<-chan Progress{ch1, ch2} {
		select {
		case p := <-ch:
			assert.Equal(t, StageAttemptFailed, p.Stage, "subscriber %d", i)
		case <-time.After(timeout):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_IdentitiesAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := t.Context()

	alice, _ := b.Subscribe(ctx, "alice")
	bob, _ := b.Subscribe(ctx, "bob")

	b.Publish(Progress{Identity: "alice", Stage: StageStarted})

	select {
	case <-alice:
	case <-time.After(timeout):
		t.Fatal("alice timed out")
	}
	select {
	case p := <-bob:
		t.Fatalf("bob received %v", p)
	default:
	}
}

func TestBroadcaster_SlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "alice")
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(Progress{Identity: "alice", Stage: StageAttemptFailed})
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "alice")
	require.Equal(t, 1, b.Subscribers("alice"))

	cancel()
	require.Eventually(t, func() bool { return b.Subscribers("alice") == 0 }, timeout, tick)

	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcaster_UnsubscribeTwice(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, id := b.Subscribe(ctx, "alice")

	b.Unsubscribe("alice", id)
	b.Unsubscribe("alice", id)
	assert.Equal(t, 0, b.Subscribers("alice"))
}
