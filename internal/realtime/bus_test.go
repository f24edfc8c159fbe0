package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"huddle/api/internal/store"
)

func setupTestBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	bus, err := NewRedisBus("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create redis bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestBusRoundTrip(t *testing.T) {
	bus := setupTestBus(t)

	received := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx, func(event Event) {
		received <- event
	})

	// Give the subscriber a moment to attach before publishing.
	deadline := time.After(2 * time.Second)
	event := messageEvent(EventMessageCreated, store.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "user-alice",
		SenderName:     "Alice",
		Content:        "shipping friday",
	})
	for {
		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case got := <-received:
			if got.Type != EventMessageCreated || got.ConversationID != "conv-1" {
				t.Fatalf("unexpected event %+v", got)
			}
			if got.Message == nil || got.Message.ID != "msg-1" || got.Message.Content != "shipping friday" {
				t.Fatalf("unexpected payload %+v", got.Message)
			}
			return
		case <-time.After(50 * time.Millisecond):
			// Subscriber may not have been registered yet; retry.
		case <-deadline:
			t.Fatal("event never arrived")
		}
	}
}

func TestBusSkipsMalformedPayloads(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBusWithClient(client)
	t.Cleanup(func() { bus.Close() })

	received := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx, func(event Event) {
		received <- event
	})

	deadline := time.After(2 * time.Second)
	for {
		client.Publish(context.Background(), "huddle:events", "{not json")
		if err := bus.Publish(context.Background(), Event{Type: EventJoined, ConversationID: "conv-1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case got := <-received:
			// The malformed payload was dropped and the valid one survived.
			if got.Type != EventJoined {
				t.Fatalf("unexpected event %+v", got)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("event never arrived")
		}
	}
}
