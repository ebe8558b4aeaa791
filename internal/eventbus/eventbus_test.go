package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeDelivery(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(TopicSignalAccepted)

	bus.Publish(TopicSignalAccepted, "payload-1")

	select {
	case evt := <-ch:
		assert.Equal(t, TopicSignalAccepted, evt.Topic)
		assert.Equal(t, "payload-1", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishUnsubscribedTopicDoesNotPanic(t *testing.T) {
	bus := New()
	assert.NotPanics(t, func() { bus.Publish("nobody.listening", 42) })
}

func TestPublishDropsOldestWhenSubscriberFull(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(TopicOrderFilled)

	for i := 0; i < subscriberBufferSize+10; i++ {
		bus.Publish(TopicOrderFilled, i)
	}

	// Buffer should be full but not blocked; the oldest entries were dropped
	// to make room for the newest ones.
	require.Len(t, ch, subscriberBufferSize)
	last := -1
	for len(ch) > 0 {
		evt := <-ch
		last = evt.Payload.(int)
	}
	assert.Equal(t, subscriberBufferSize+10-1, last)
}

func TestMultipleSubscribersEachGetTheEvent(t *testing.T) {
	bus := New()
	a := bus.Subscribe(TopicPositionOpened)
	b := bus.Subscribe(TopicPositionOpened)

	bus.Publish(TopicPositionOpened, "x")

	for _, ch := range []<-chan Event{a, b} {
		select {
		case evt := <-ch:
			assert.Equal(t, "x", evt.Payload)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}
