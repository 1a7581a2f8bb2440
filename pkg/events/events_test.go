package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventJobCompleted, Metadata: map[string]string{"queue": "create"}})

	for _, sub := range []Subscriber{sub1, sub2} {
		ev := receive(t, sub)
		assert.Equal(t, EventJobCompleted, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		assert.Equal(t, "create", ev.Metadata["queue"])
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-sub
	assert.False(t, open)
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker() // not started, so nothing drains the buffer

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&Event{Type: EventJobWaiting})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Greater(t, b.Dropped(), uint64(0))
}

func TestBroker_StopIsIdempotent(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()

	require.NotPanics(t, func() { b.Publish(&Event{Type: EventJobFailed}) })

	var nilBroker *Broker
	require.NotPanics(t, func() { nilBroker.Publish(&Event{Type: EventJobFailed}) })
}
