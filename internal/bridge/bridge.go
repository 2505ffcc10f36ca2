// Package bridge decouples synchronous callers from network-bound operations.
// One shared worker loop runs every operation; callers either wait on the
// returned handle or fire-and-forget with an optional completion hook.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/remotekernel/kernelctl/internal/observability"
)

var ErrBridgeUnavailable = errors.New("bridge: unavailable")

// Op is one asynchronous operation. The context is the bridge's run context;
// operations carry their own deadlines on top of it.
type Op func(ctx context.Context) error

// Handle tracks one submitted operation to completion.
type Handle struct {
	done chan struct{}
	err  error
}

// Done is closed when the operation has finished, successfully or not.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the operation error once Done is closed, nil before that.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the operation finishes or the caller's context expires.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.err
	}
}

type task struct {
	op     Op
	handle *Handle
	hook   func(error)
}

type Config struct {
	Workers   int
	QueueSize int
}

func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 256}
}

// Bridge runs operations on a shared background worker pool, lazily started
// on first use and torn down by Shutdown.
type Bridge struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	tasks   chan task
	started bool
	closed  bool
	wg      sync.WaitGroup

	runCtx context.Context
	cancel context.CancelFunc
}

func New(logger zerolog.Logger) *Bridge {
	return NewWithConfig(logger, DefaultConfig())
}

func NewWithConfig(logger zerolog.Logger, cfg Config) *Bridge {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Bridge{cfg: cfg, log: logger}
}

// Invoke schedules op and returns immediately. The hook, when non-nil, runs
// after completion with the operation error; without a hook a failure is only
// logged. Fails with ErrBridgeUnavailable once the bridge is shut down.
func (b *Bridge) Invoke(op Op, hook func(error)) (*Handle, error) {
	if op == nil {
		return nil, fmt.Errorf("bridge: nil operation")
	}
	handle := &Handle{done: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBridgeUnavailable
	}
	b.ensureStartedLocked()

	select {
	case b.tasks <- task{op: op, handle: handle, hook: hook}:
		observability.SetBridgeQueueDepth(len(b.tasks))
		return handle, nil
	default:
		return nil, fmt.Errorf("%w: queue full", ErrBridgeUnavailable)
	}
}

// Call runs op through the bridge and blocks the caller until it finishes.
func (b *Bridge) Call(ctx context.Context, op Op) error {
	handle, err := b.Invoke(op, nil)
	if err != nil {
		return err
	}
	return handle.Wait(ctx)
}

// Shutdown stops accepting work, drains already-accepted operations, and
// waits for workers to exit or the context to expire.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	if started {
		close(b.tasks)
	}
	b.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	case <-done:
		b.cancel()
		return nil
	}
}

func (b *Bridge) ensureStartedLocked() {
	if b.started {
		return
	}
	b.started = true
	b.tasks = make(chan task, b.cfg.QueueSize)
	b.runCtx, b.cancel = context.WithCancel(context.Background())
	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.log.Debug().Int("workers", b.cfg.Workers).Msg("bridge started")
}

func (b *Bridge) worker() {
	defer b.wg.Done()
	for t := range b.tasks {
		observability.SetBridgeQueueDepth(len(b.tasks))
		err := runOp(b.runCtx, t.op)
		t.handle.err = err
		close(t.handle.done)
		if t.hook != nil {
			t.hook(err)
		} else if err != nil {
			b.log.Debug().Err(err).Msg("async operation failed")
		}
	}
}

// runOp confines an operation panic to a returned error so one bad operation
// cannot take the worker pool down.
func runOp(ctx context.Context, op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: operation panic: %v", r)
		}
	}()
	return op(ctx)
}
