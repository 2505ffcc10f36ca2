package events

import (
	"testing"
	"time"

	"github.com/remotekernel/kernelctl/internal/testutil/testlog"
)

func TestSubscribeFiltersByKind(t *testing.T) {
	testlog.Start(t)

	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(4, KindConnectionLost)
	defer sub.Close()

	bus.Publish(Event{Kind: KindConnectionEstablished, EndpointID: "a"})
	bus.Publish(Event{Kind: KindConnectionLost, EndpointID: "a"})

	select {
	case got := <-sub.Events():
		if got.Kind != KindConnectionLost {
			t.Fatalf("unexpected event kind: %q", got.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected connection-lost event")
	}
	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", got)
	default:
	}
}

func TestSubscribeNoKindsReceivesAll(t *testing.T) {
	testlog.Start(t)

	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(4)
	defer sub.Close()

	bus.Publish(Event{Kind: KindKernelStarted, EndpointID: "a", KernelID: "k1"})
	bus.Publish(Event{Kind: KindServerLog, EndpointID: "a"})

	for _, want := range []Kind{KindKernelStarted, KindServerLog} {
		select {
		case got := <-sub.Events():
			if got.Kind != want {
				t.Fatalf("expected %q, got %q", want, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %q event", want)
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	testlog.Start(t)

	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(1)
	defer sub.Close()

	bus.Publish(Event{Kind: KindConnectionStatus, EndpointID: "a", State: "running"})
	// Buffer full now; must not block.
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Kind: KindConnectionStatus, EndpointID: "a", State: "stopped"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on full subscriber")
	}

	got := <-sub.Events()
	if got.State != "running" {
		t.Fatalf("expected first buffered event, got %+v", got)
	}
}

func TestCloseUnblocksSubscribers(t *testing.T) {
	testlog.Start(t)

	bus := NewBus()
	sub := bus.Subscribe(1)
	bus.Close()

	if _, open := <-sub.Events(); open {
		t.Fatalf("expected closed channel after bus close")
	}
	// Closing the subscriber after bus close must be a no-op.
	sub.Close()
}

func TestPublishSetsTimestamp(t *testing.T) {
	testlog.Start(t)

	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe(1)
	defer sub.Close()

	bus.Publish(Event{Kind: KindKernelList, EndpointID: "a"})
	got := <-sub.Events()
	if got.At.IsZero() {
		t.Fatalf("expected publish to stamp event time")
	}
}
