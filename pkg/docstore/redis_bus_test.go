package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisBusDeliversPublish(t *testing.T) {
	redis := miniredis.RunT(t)
	bus, err := NewRedisBus(redis.Addr(), "", "test:changes")
	if err != nil {
		t.Fatalf("new redis bus: %v", err)
	}
	defer bus.Close()

	got := make(chan struct{}, 1)
	stop, err := bus.Listen(context.Background(), "documents", func() {
		select {
		case got <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer stop()

	if err := bus.Publish(context.Background(), "users"); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	if err := bus.Publish(context.Background(), "documents"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener was not notified")
	}
}

func TestRedisBusRequiresAddr(t *testing.T) {
	if bus, err := NewRedisBus(" ", "", ""); err == nil || bus != nil {
		t.Fatalf("expected constructor error for empty addr")
	}
}

func TestLocalBusStopRemovesListener(t *testing.T) {
	bus := NewLocalBus()
	calls := 0
	stop, _ := bus.Listen(context.Background(), "documents", func() { calls++ })
	_ = bus.Publish(context.Background(), "documents")
	stop()
	stop()
	_ = bus.Publish(context.Background(), "documents")
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}
