// Package registry owns the endpoint id to connection mapping and routes
// lifecycle and kernel commands to the right connection through the bridge.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/remotekernel/kernelctl/internal/bridge"
	"github.com/remotekernel/kernelctl/internal/config"
	"github.com/remotekernel/kernelctl/internal/events"
	"github.com/remotekernel/kernelctl/internal/observability"
	"github.com/remotekernel/kernelctl/internal/remote"
	"github.com/remotekernel/kernelctl/internal/serverapi"
)

// Connection is the per-endpoint surface the registry routes commands to.
// *remote.Conn is the production implementation.
type Connection interface {
	ID() string
	Options() config.EndpointOptions
	State() remote.State
	Sessions() []remote.KernelSession

	ConnectAndInstall(ctx context.Context) error
	ConnectAndStart(ctx context.Context) error
	EnsureRunning(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Close() error

	ListKernels(ctx context.Context) ([]serverapi.Kernel, error)
	StartKernel(ctx context.Context) (serverapi.Kernel, error)
	KernelInfo(ctx context.Context, kernelID string) (serverapi.Kernel, error)
	RestartKernel(ctx context.Context, kernelID string) (serverapi.Kernel, error)
	InterruptKernel(ctx context.Context, kernelID string) error
	TerminateKernel(ctx context.Context, kernelID string) (serverapi.Kernel, error)
}

// Factory builds the connection for one endpoint id.
type Factory func(id string, opts config.EndpointOptions) Connection

// Registry is the top-level manager. Commands addressed to an id that was
// never loaded (or already unloaded) are silent no-ops returning zero values,
// so stale commands from callers are harmless.
type Registry struct {
	bridge  *bridge.Bridge
	bus     *events.Bus
	log     zerolog.Logger
	factory Factory

	mu     sync.RWMutex
	conns  map[string]Connection
	conf   config.Store
	closed bool
}

type Deps struct {
	Bridge  *bridge.Bridge
	Bus     *events.Bus
	Logger  zerolog.Logger
	Factory Factory // nil means the SSH-backed production connection
}

func New(deps Deps) *Registry {
	r := &Registry{
		bridge:  deps.Bridge,
		bus:     deps.Bus,
		log:     deps.Logger.With().Str("component", "registry").Logger(),
		factory: deps.Factory,
		conns:   make(map[string]Connection),
	}
	if r.factory == nil {
		r.factory = func(id string, opts config.EndpointOptions) Connection {
			return remote.New(id, opts, deps.Bus, deps.Logger)
		}
	}
	return r
}

// Load creates the connection for id, replacing and releasing any connection
// already loaded under the same id. Options replace wholesale, never merge.
func (r *Registry) Load(id string, opts config.EndpointOptions) error {
	if id == "" {
		return fmt.Errorf("registry: empty endpoint id")
	}
	if err := config.ValidateEndpointOptions(opts); err != nil {
		return fmt.Errorf("registry: endpoint %q: %w", id, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return remote.ErrClosed
	}
	old := r.conns[id]
	r.conns[id] = r.factory(id, opts)
	loaded := len(r.conns)
	r.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			r.log.Warn().Err(err).Str("endpoint", id).Msg("closing replaced connection")
		}
	}
	observability.SetLoadedEndpoints(loaded)
	r.log.Info().Str("endpoint", id).Msg("endpoint loaded")
	return nil
}

// LoadStore loads every endpoint in the configuration store and remembers
// the store for ConfIDs.
func (r *Registry) LoadStore(store config.Store) error {
	r.mu.Lock()
	r.conf = store
	r.mu.Unlock()
	for _, id := range store.IDs() {
		opts, _ := store.Get(id)
		if err := r.Load(id, opts); err != nil {
			return err
		}
	}
	return nil
}

// ConfIDs returns every configured endpoint id, loaded or not, in stable
// order. Empty until LoadStore has run.
func (r *Registry) ConfIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conf.IDs()
}

// Unload removes the connection for id and releases its transport and kernel
// sessions. Unknown ids are a no-op.
func (r *Registry) Unload(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	loaded := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := conn.Close(); err != nil {
		r.log.Warn().Err(err).Str("endpoint", id).Msg("closing unloaded connection")
	}
	observability.SetLoadedEndpoints(loaded)
	r.log.Info().Str("endpoint", id).Msg("endpoint unloaded")
}

// Get returns the loaded connection for id.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// ListLoaded returns the loaded endpoint ids in stable order.
func (r *Registry) ListLoaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// State returns the lifecycle state for id, StateUnconnected when not loaded.
func (r *Registry) State(id string) remote.State {
	conn, err := r.conn(id)
	if err != nil || conn == nil {
		return remote.StateUnconnected
	}
	return conn.State()
}

// Sessions returns the local kernel session records for id.
func (r *Registry) Sessions(id string) []remote.KernelSession {
	conn, err := r.conn(id)
	if err != nil || conn == nil {
		return nil
	}
	return conn.Sessions()
}

// CloseAll tears down every loaded connection's local transport with
// fire-and-forget dispatch so process shutdown is never blocked on remote
// I/O. Every subsequent registry operation fails with remote.ErrClosed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn := conn
		if _, err := r.bridge.Invoke(func(context.Context) error {
			return conn.Close()
		}, nil); err != nil {
			// Bridge already gone; close inline so nothing leaks.
			_ = conn.Close()
		}
	}
	observability.SetLoadedEndpoints(0)
	r.log.Info().Int("endpoints", len(conns)).Msg("registry closed")
}

// ---- lifecycle pass-throughs ----

// ConnectAndInstall runs the install phase for id, blocking the caller.
func (r *Registry) ConnectAndInstall(ctx context.Context, id string) error {
	return r.lifecycle(ctx, id, Connection.ConnectAndInstall)
}

// ConnectAndStart brings the server for id to running, blocking the caller.
func (r *Registry) ConnectAndStart(ctx context.Context, id string) error {
	return r.lifecycle(ctx, id, Connection.ConnectAndStart)
}

// EnsureRunning is the composite connect+install+start for id.
func (r *Registry) EnsureRunning(ctx context.Context, id string) error {
	return r.lifecycle(ctx, id, Connection.EnsureRunning)
}

// Stop shuts the remote server for id down, blocking the caller.
func (r *Registry) Stop(ctx context.Context, id string) error {
	return r.lifecycle(ctx, id, Connection.Stop)
}

// Restart stops then starts the server for id as one serialized operation.
func (r *Registry) Restart(ctx context.Context, id string) error {
	return r.lifecycle(ctx, id, Connection.Restart)
}

// Dispatch schedules a lifecycle operation for id without blocking; op names
// one of "install", "start", "ensure-running", "stop", "restart". The hook,
// when non-nil, observes the result. Unknown ids return a nil handle.
func (r *Registry) Dispatch(id, op string, hook func(error)) (*bridge.Handle, error) {
	var call func(Connection, context.Context) error
	switch op {
	case "install":
		call = Connection.ConnectAndInstall
	case "start":
		call = Connection.ConnectAndStart
	case "ensure-running":
		call = Connection.EnsureRunning
	case "stop":
		call = Connection.Stop
	case "restart":
		call = Connection.Restart
	default:
		return nil, fmt.Errorf("registry: unknown lifecycle operation %q", op)
	}

	conn, err := r.conn(id)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, nil
	}
	return r.bridge.Invoke(func(ctx context.Context) error {
		return call(conn, ctx)
	}, hook)
}

func (r *Registry) lifecycle(ctx context.Context, id string, call func(Connection, context.Context) error) error {
	conn, err := r.conn(id)
	if err != nil {
		return err
	}
	if conn == nil {
		return nil
	}
	return r.bridge.Call(ctx, func(opCtx context.Context) error {
		return call(conn, opCtx)
	})
}

// ---- kernel pass-throughs ----

// ListKernels lists the kernels on id; an unloaded id yields an empty list.
func (r *Registry) ListKernels(ctx context.Context, id string) ([]serverapi.Kernel, error) {
	conn, err := r.conn(id)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, nil
	}
	var kernels []serverapi.Kernel
	err = r.bridge.Call(ctx, func(opCtx context.Context) error {
		var opErr error
		kernels, opErr = conn.ListKernels(opCtx)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return kernels, nil
}

// StartKernel starts a new kernel on id, bringing the server up first.
func (r *Registry) StartKernel(ctx context.Context, id string) (serverapi.Kernel, error) {
	return r.kernelOp(ctx, id, func(conn Connection, opCtx context.Context) (serverapi.Kernel, error) {
		return conn.StartKernel(opCtx)
	})
}

// KernelInfo returns the descriptor for one kernel on id.
func (r *Registry) KernelInfo(ctx context.Context, id, kernelID string) (serverapi.Kernel, error) {
	return r.kernelOp(ctx, id, func(conn Connection, opCtx context.Context) (serverapi.Kernel, error) {
		return conn.KernelInfo(opCtx, kernelID)
	})
}

// RestartKernel restarts one kernel on id in place.
func (r *Registry) RestartKernel(ctx context.Context, id, kernelID string) (serverapi.Kernel, error) {
	return r.kernelOp(ctx, id, func(conn Connection, opCtx context.Context) (serverapi.Kernel, error) {
		return conn.RestartKernel(opCtx, kernelID)
	})
}

// InterruptKernel interrupts executing code on one kernel of id.
func (r *Registry) InterruptKernel(ctx context.Context, id, kernelID string) error {
	conn, err := r.conn(id)
	if err != nil {
		return err
	}
	if conn == nil {
		return nil
	}
	return r.bridge.Call(ctx, func(opCtx context.Context) error {
		return conn.InterruptKernel(opCtx, kernelID)
	})
}

// TerminateKernel destroys one kernel on id. A kernel already absent is an
// idempotent success with an empty descriptor, not an error.
func (r *Registry) TerminateKernel(ctx context.Context, id, kernelID string) (serverapi.Kernel, error) {
	kernel, err := r.kernelOp(ctx, id, func(conn Connection, opCtx context.Context) (serverapi.Kernel, error) {
		return conn.TerminateKernel(opCtx, kernelID)
	})
	if errors.Is(err, remote.ErrKernelNotFound) {
		return serverapi.Kernel{}, nil
	}
	return kernel, err
}

func (r *Registry) kernelOp(ctx context.Context, id string, call func(Connection, context.Context) (serverapi.Kernel, error)) (serverapi.Kernel, error) {
	conn, err := r.conn(id)
	if err != nil {
		return serverapi.Kernel{}, err
	}
	if conn == nil {
		return serverapi.Kernel{}, nil
	}
	var kernel serverapi.Kernel
	err = r.bridge.Call(ctx, func(opCtx context.Context) error {
		var opErr error
		kernel, opErr = call(conn, opCtx)
		return opErr
	})
	if err != nil {
		return serverapi.Kernel{}, err
	}
	return kernel, nil
}

// conn resolves id to its loaded connection. A nil result with a nil error
// means the id is not loaded and the command should be ignored.
func (r *Registry) conn(id string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, remote.ErrClosed
	}
	conn, ok := r.conns[id]
	if !ok {
		r.log.Debug().Str("endpoint", id).Msg("command for unloaded endpoint ignored")
		return nil, nil
	}
	return conn, nil
}
