package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Kind: KindPipelineStarted, Payload: "p1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, KindPipelineStarted, ev.Kind)
			assert.Equal(t, "p1", ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("expected event on every subscriber channel")
		}
	}
}

func TestBus_PublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: KindConfigUpdated})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}

// TestBus_SlowSubscriberDropsRatherThanBlocksPublish covers the documented
// guarantee that a subscriber with a full buffer misses events instead of
// stalling other subscribers or the publisher.
func TestBus_SlowSubscriberDropsRatherThanBlocksPublish(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Kind: KindSourceReady})
	b.Publish(Event{Kind: KindPipelineFailed}) // dropped: ch's buffer of 1 is already full

	select {
	case ev := <-ch:
		assert.Equal(t, KindSourceReady, ev.Kind, "only the first event should have been buffered")
	case <-time.After(time.Second):
		t.Fatal("expected the first buffered event")
	}

	select {
	case ev, ok := <-ch:
		t.Fatalf("did not expect a second event, got %+v (open=%v)", ev, ok)
	default:
	}
}

func TestBus_UnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()

	_, open := <-ch
	assert.False(t, open, "unsubscribe must close the channel")

	require.NotPanics(t, func() {
		b.Publish(Event{Kind: KindRecordingState})
	})
}
