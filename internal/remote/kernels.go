package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/remotekernel/kernelctl/internal/events"
	"github.com/remotekernel/kernelctl/internal/observability"
	"github.com/remotekernel/kernelctl/internal/serverapi"
)

// ListKernels returns the remote server's current kernel descriptors and
// refreshes the local session records it knows about.
func (c *Conn) ListKernels(ctx context.Context) ([]serverapi.Kernel, error) {
	start := time.Now()
	api, err := c.runningAPI()
	if err != nil {
		return nil, err
	}

	opCtx, cancel := c.apiCtx(ctx)
	kernels, err := api.ListKernels(opCtx)
	cancel()
	observability.RecordKernelOp(c.id, "list", time.Since(start), err)
	if err != nil {
		return nil, c.kernelErr(err, "")
	}

	c.mu.Lock()
	for i := range kernels {
		if session, ok := c.kernels[kernels[i].ID]; ok {
			session.Info = kernels[i]
		}
	}
	c.mu.Unlock()

	c.publish(events.Event{Kind: events.KindKernelList, Kernels: kernels})
	return kernels, nil
}

// StartKernel ensures the server is running, requests a new kernel, and
// records the session locally under the returned kernel id.
func (c *Conn) StartKernel(ctx context.Context) (serverapi.Kernel, error) {
	start := time.Now()
	if err := c.EnsureRunning(ctx); err != nil {
		observability.RecordKernelOp(c.id, "start", time.Since(start), err)
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrServerUnavailable) {
			return serverapi.Kernel{}, err
		}
		return serverapi.Kernel{}, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	api, err := c.runningAPI()
	if err != nil {
		return serverapi.Kernel{}, err
	}

	opCtx, cancel := c.apiCtx(ctx)
	kernel, err := api.StartKernel(opCtx)
	cancel()
	observability.RecordKernelOp(c.id, "start", time.Since(start), err)
	if err != nil {
		if errors.Is(err, serverapi.ErrRequestFailed) {
			return serverapi.Kernel{}, fmt.Errorf("%w: %v", ErrKernelStartFailed, err)
		}
		return serverapi.Kernel{}, c.kernelErr(err, "")
	}

	c.mu.Lock()
	c.kernels[kernel.ID] = &KernelSession{ID: kernel.ID, Info: kernel, StartedAt: time.Now()}
	c.mu.Unlock()

	c.publish(events.Event{Kind: events.KindKernelStarted, KernelID: kernel.ID, Kernel: kernel})
	c.log.Info().Str("kernel", kernel.ID).Msg("kernel started")
	return kernel, nil
}

// KernelInfo returns the remote descriptor for one kernel. An id unknown to
// the remote server evicts the local record and fails with ErrKernelNotFound.
func (c *Conn) KernelInfo(ctx context.Context, kernelID string) (serverapi.Kernel, error) {
	unlock := c.lockKernel(kernelID)
	defer unlock()

	start := time.Now()
	api, err := c.runningAPI()
	if err != nil {
		return serverapi.Kernel{}, err
	}

	opCtx, cancel := c.apiCtx(ctx)
	kernel, err := api.KernelInfo(opCtx, kernelID)
	cancel()
	observability.RecordKernelOp(c.id, "info", time.Since(start), err)
	if err != nil {
		return serverapi.Kernel{}, c.kernelErr(err, kernelID)
	}

	c.mu.Lock()
	if session, ok := c.kernels[kernelID]; ok {
		session.Info = kernel
	}
	c.mu.Unlock()

	c.publish(events.Event{Kind: events.KindKernelInfo, KernelID: kernelID, Kernel: kernel})
	return kernel, nil
}

// RestartKernel restarts the kernel in place: same id, reset execution state.
func (c *Conn) RestartKernel(ctx context.Context, kernelID string) (serverapi.Kernel, error) {
	unlock := c.lockKernel(kernelID)
	defer unlock()

	start := time.Now()
	api, err := c.runningAPI()
	if err != nil {
		return serverapi.Kernel{}, err
	}

	opCtx, cancel := c.apiCtx(ctx)
	kernel, err := api.RestartKernel(opCtx, kernelID)
	cancel()
	observability.RecordKernelOp(c.id, "restart", time.Since(start), err)
	if err != nil {
		return serverapi.Kernel{}, c.kernelErr(err, kernelID)
	}

	c.mu.Lock()
	if session, ok := c.kernels[kernelID]; ok {
		session.Info = kernel
	} else {
		c.kernels[kernelID] = &KernelSession{ID: kernelID, Info: kernel, StartedAt: time.Now()}
	}
	c.mu.Unlock()

	c.publish(events.Event{Kind: events.KindKernelStarted, KernelID: kernelID, Kernel: kernel})
	c.log.Info().Str("kernel", kernelID).Msg("kernel restarted")
	return kernel, nil
}

// InterruptKernel interrupts currently executing code without resetting the
// kernel; existence is unaffected.
func (c *Conn) InterruptKernel(ctx context.Context, kernelID string) error {
	unlock := c.lockKernel(kernelID)
	defer unlock()

	start := time.Now()
	api, err := c.runningAPI()
	if err != nil {
		return err
	}

	opCtx, cancel := c.apiCtx(ctx)
	err = api.InterruptKernel(opCtx, kernelID)
	cancel()
	observability.RecordKernelOp(c.id, "interrupt", time.Since(start), err)
	if err != nil {
		return c.kernelErr(err, kernelID)
	}
	return nil
}

// TerminateKernel destroys the remote kernel and removes the local session
// record. An id already absent remotely fails with ErrKernelNotFound; the
// registry boundary normalizes that to an idempotent empty success.
func (c *Conn) TerminateKernel(ctx context.Context, kernelID string) (serverapi.Kernel, error) {
	unlock := c.lockKernel(kernelID)
	defer unlock()

	start := time.Now()
	api, err := c.runningAPI()
	if err != nil {
		return serverapi.Kernel{}, err
	}

	opCtx, cancel := c.apiCtx(ctx)
	kernel, err := api.TerminateKernel(opCtx, kernelID)
	cancel()
	observability.RecordKernelOp(c.id, "terminate", time.Since(start), err)
	if err != nil {
		return serverapi.Kernel{}, c.kernelErr(err, kernelID)
	}

	c.evictKernel(kernelID)
	c.publish(events.Event{Kind: events.KindKernelTerminated, KernelID: kernelID, Kernel: kernel})
	c.log.Info().Str("kernel", kernelID).Msg("kernel terminated")
	return kernel, nil
}

// ---- helpers ----

func (c *Conn) runningAPI() (KernelAPI, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateRunning || c.api == nil {
		return nil, ErrNotRunning
	}
	return c.api, nil
}

func (c *Conn) apiCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.APITimeout())
}

// kernelErr maps API failures: unknown ids evict the local record, channel
// loss demotes the connection, the rest pass through the taxonomy mapping.
func (c *Conn) kernelErr(err error, kernelID string) error {
	if errors.Is(err, serverapi.ErrNotFound) && kernelID != "" {
		c.evictKernel(kernelID)
		return fmt.Errorf("%w: %s", ErrKernelNotFound, kernelID)
	}
	if isTransportLoss(err) {
		return c.demote(err)
	}
	return mapTransportErr(err)
}

func (c *Conn) evictKernel(kernelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kernels, kernelID)
	delete(c.kernelLocks, kernelID)
}

// lockKernel serializes operations per kernel id; distinct ids proceed
// concurrently.
func (c *Conn) lockKernel(kernelID string) func() {
	c.mu.Lock()
	lock, ok := c.kernelLocks[kernelID]
	if !ok {
		lock = &sync.Mutex{}
		c.kernelLocks[kernelID] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
