package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestConsumer(t *testing.T) (*miniredis.Miniredis, *Consumer) {
	t.Helper()
	srv := miniredis.RunT(t)

	c, err := NewConsumer(context.Background(), Config{
		Addr:         srv.Addr(),
		Key:          "mailsentry_events",
		BlockTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create consumer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return srv, c
}

func TestPopReturnsQueuedPayload(t *testing.T) {
	srv, c := newTestConsumer(t)
	srv.RPush("mailsentry_events", `{"id":"ev-1"}`)

	payload, err := c.Pop(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != `{"id":"ev-1"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestPopPreservesQueueOrder(t *testing.T) {
	srv, c := newTestConsumer(t)
	srv.RPush("mailsentry_events", "first", "second")

	for _, want := range []string{"first", "second"} {
		payload, err := c.Pop(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(payload) != want {
			t.Fatalf("expected %q, got %q", want, payload)
		}
	}
}

func TestPopTimesOutEmpty(t *testing.T) {
	_, c := newTestConsumer(t)

	payload, err := c.Pop(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload != nil {
		t.Fatalf("expected nil payload on empty queue, got %s", payload)
	}
}

func TestNewConsumerRequiresKeyAndReachableServer(t *testing.T) {
	if _, err := NewConsumer(context.Background(), Config{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatalf("expected error for missing key")
	}
	if _, err := NewConsumer(context.Background(), Config{Addr: "127.0.0.1:1", Key: "x"}); err == nil {
		t.Fatalf("expected ping error for unreachable server")
	}
}
