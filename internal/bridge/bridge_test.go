package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/remotekernel/kernelctl/internal/testutil/testlog"
)

func newTestBridge() *Bridge {
	return New(zerolog.Nop())
}

func TestCallReturnsOperationResult(t *testing.T) {
	testlog.Start(t)

	b := newTestBridge()
	defer func() { _ = b.Shutdown(context.Background()) }()

	wantErr := errors.New("boom")
	if err := b.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("call success: %v", err)
	}
	if err := b.Call(context.Background(), func(context.Context) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("expected propagated error, got %v", err)
	}
}

func TestInvokeRunsAsynchronouslyWithHook(t *testing.T) {
	testlog.Start(t)

	b := newTestBridge()
	defer func() { _ = b.Shutdown(context.Background()) }()

	hookErr := make(chan error, 1)
	release := make(chan struct{})
	handle, err := b.Invoke(func(context.Context) error {
		<-release
		return errors.New("late failure")
	}, func(err error) { hookErr <- err })
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if handle.Err() != nil {
		t.Fatalf("expected nil error before completion")
	}
	close(release)

	select {
	case err := <-hookErr:
		if err == nil || err.Error() != "late failure" {
			t.Fatalf("unexpected hook error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("completion hook never ran")
	}
	<-handle.Done()
	if handle.Err() == nil {
		t.Fatalf("expected handle error after completion")
	}
}

func TestInvokeAfterShutdownFailsFast(t *testing.T) {
	testlog.Start(t)

	b := newTestBridge()
	if err := b.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("warmup call: %v", err)
	}
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := b.Invoke(func(context.Context) error { return nil }, nil); !errors.Is(err, ErrBridgeUnavailable) {
		t.Fatalf("expected ErrBridgeUnavailable, got %v", err)
	}
	if err := b.Call(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrBridgeUnavailable) {
		t.Fatalf("expected ErrBridgeUnavailable from call, got %v", err)
	}
}

func TestShutdownDrainsAcceptedOperations(t *testing.T) {
	testlog.Start(t)

	b := newTestBridge()
	var ran atomic.Int32
	for i := 0; i < 8; i++ {
		if _, err := b.Invoke(func(context.Context) error {
			ran.Add(1)
			return nil
		}, nil); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := ran.Load(); got != 8 {
		t.Fatalf("expected all accepted operations to run, got %d", got)
	}
}

func TestOperationPanicBecomesError(t *testing.T) {
	testlog.Start(t)

	b := newTestBridge()
	defer func() { _ = b.Shutdown(context.Background()) }()

	err := b.Call(context.Background(), func(context.Context) error {
		panic("kernel descriptor gone")
	})
	if err == nil {
		t.Fatalf("expected panic to surface as error")
	}
}

func TestWaitHonorsCallerContext(t *testing.T) {
	testlog.Start(t)

	b := newTestBridge()
	defer func() { _ = b.Shutdown(context.Background()) }()

	release := make(chan struct{})
	defer close(release)
	handle, err := b.Invoke(func(context.Context) error {
		<-release
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := handle.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
