// Package remote drives one endpoint's server lifecycle and its kernels over
// the endpoint's transport.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/remotekernel/kernelctl/internal/config"
	"github.com/remotekernel/kernelctl/internal/events"
	"github.com/remotekernel/kernelctl/internal/observability"
	"github.com/remotekernel/kernelctl/internal/serverapi"
	"github.com/remotekernel/kernelctl/internal/transport"
)

// KernelAPI is the remote kernel server surface the connection drives once
// the server is running. *serverapi.Client is the production implementation.
type KernelAPI interface {
	Status(ctx context.Context) (serverapi.ServerStatus, error)
	ListKernels(ctx context.Context) ([]serverapi.Kernel, error)
	StartKernel(ctx context.Context) (serverapi.Kernel, error)
	KernelInfo(ctx context.Context, kernelID string) (serverapi.Kernel, error)
	RestartKernel(ctx context.Context, kernelID string) (serverapi.Kernel, error)
	InterruptKernel(ctx context.Context, kernelID string) error
	TerminateKernel(ctx context.Context, kernelID string) (serverapi.Kernel, error)
	Logs(ctx context.Context, cursor uint64) ([]serverapi.LogRecord, uint64, error)
	Close()
}

type APIFactory func(dial serverapi.DialFunc, port int, timeout time.Duration) KernelAPI

// Deps are the connection's collaborators; zero fields get production
// defaults from New.
type Deps struct {
	Transport  transport.Transport
	APIFactory APIFactory
	Bus        *events.Bus
	Logger     zerolog.Logger

	// InfoPollInterval paces the wait for the remote server's discovery
	// record after a start command. Zero means the production default.
	InfoPollInterval time.Duration

	// LogPollInterval paces the /api/logs poll while the server is running.
	// Zero means the production default.
	LogPollInterval time.Duration
}

// KernelSession is the local record of one remote kernel.
type KernelSession struct {
	ID        string
	Info      serverapi.Kernel
	StartedAt time.Time
}

// Conn owns the transport session and lifecycle state for one endpoint.
// Lifecycle operations serialize on lifecycleMu; kernel operations serialize
// per kernel id and may run concurrently across ids.
type Conn struct {
	id         string
	opts       config.EndpointOptions
	transport  transport.Transport
	apiFactory APIFactory
	bus        *events.Bus
	log        zerolog.Logger

	infoPollInterval time.Duration
	logPollInterval  time.Duration

	lifecycleMu sync.Mutex

	mu          sync.RWMutex
	state       State
	api         KernelAPI
	serverPort  int
	kernels     map[string]*KernelSession
	kernelLocks map[string]*sync.Mutex
	logCancel   context.CancelFunc

	closed atomic.Bool
}

// New builds a connection backed by an SSH transport and the HTTP kernel API.
func New(id string, opts config.EndpointOptions, bus *events.Bus, logger zerolog.Logger) *Conn {
	opts = opts.WithDefaults()
	tr := transport.NewSSH(transport.Options{
		Host:                        opts.Host,
		Port:                        opts.Port,
		User:                        opts.User,
		KeyPath:                     opts.KeyFile,
		Passphrase:                  opts.Passphrase(),
		KnownHostsPath:              opts.KnownHostsFile,
		InsecureSkipHostKeyChecking: opts.InsecureSkipHostKey,
		DialTimeout:                 opts.ConnectTimeout(),
	})
	return NewWithDeps(id, opts, Deps{Transport: tr, Bus: bus, Logger: logger})
}

// NewWithDeps builds a connection with explicit collaborators.
func NewWithDeps(id string, opts config.EndpointOptions, deps Deps) *Conn {
	opts = opts.WithDefaults()
	if deps.APIFactory == nil {
		deps.APIFactory = func(dial serverapi.DialFunc, port int, timeout time.Duration) KernelAPI {
			return serverapi.NewClient(dial, port, timeout)
		}
	}
	if deps.InfoPollInterval <= 0 {
		deps.InfoPollInterval = 250 * time.Millisecond
	}
	if deps.LogPollInterval <= 0 {
		deps.LogPollInterval = 2 * time.Second
	}
	return &Conn{
		id:               id,
		opts:             opts,
		transport:        deps.Transport,
		apiFactory:       deps.APIFactory,
		bus:              deps.Bus,
		log:              deps.Logger.With().Str("endpoint", id).Logger(),
		infoPollInterval: deps.InfoPollInterval,
		logPollInterval:  deps.LogPollInterval,
		state:            StateUnconnected,
		kernels:          make(map[string]*KernelSession),
		kernelLocks:      make(map[string]*sync.Mutex),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Options() config.EndpointOptions {
	return c.opts
}

func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ServerPort returns the remote server port in use, 0 when not running.
func (c *Conn) ServerPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateRunning {
		return 0
	}
	return c.serverPort
}

// Sessions returns a snapshot of the local kernel session records.
func (c *Conn) Sessions() []KernelSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]KernelSession, 0, len(c.kernels))
	for _, s := range c.kernels {
		out = append(out, *s)
	}
	return out
}

// ConnectAndInstall establishes the transport and installs the remote server
// environment. Calling when already installed or later is a no-op success.
func (c *Conn) ConnectAndInstall(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.connectAndInstallLocked(ctx)
}

// ConnectAndStart brings the remote server to Running from any state. A
// server already running remotely is adopted rather than treated as an error.
func (c *Conn) ConnectAndStart(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.connectAndStartLocked(ctx)
}

// EnsureRunning is the composite connect+install+start used by operations
// that need a live server.
func (c *Conn) EnsureRunning(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if c.State() == StateRunning {
		return nil
	}
	return c.connectAndStartLocked(ctx)
}

// Stop signals the remote server to shut down and invalidates every kernel
// session on this connection. Stopping a non-running server is a no-op.
func (c *Conn) Stop(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.stopLocked(ctx)
}

// Restart is one atomic composite: stop, settle, start. Concurrent lifecycle
// calls queue behind it on the lifecycle mutex.
func (c *Conn) Restart(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if err := c.stopLocked(ctx); err != nil {
		return err
	}
	return c.connectAndStartLocked(ctx)
}

// Close tears down the local transport session without stopping the remote
// server. It proceeds even with operations in flight; those fail with
// ErrClosed.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	c.teardownServerLocked()
	wasLive := c.transport.Connected()
	prev := c.state
	c.state = StateUnconnected
	c.mu.Unlock()

	err := c.transport.Close()
	if wasLive {
		c.publish(events.Event{Kind: events.KindConnectionLost})
	}
	if prev != StateUnconnected {
		observability.RecordLifecycleTransition(c.id, string(StateUnconnected))
		c.publish(events.Event{Kind: events.KindConnectionStatus, State: string(StateUnconnected)})
	}
	c.log.Info().Msg("connection closed")
	return err
}

// ---- lifecycle internals (lifecycleMu held) ----

func (c *Conn) connectAndInstallLocked(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if atLeastInstalled(c.State()) {
		return nil
	}
	if err := c.ensureConnectedLocked(ctx); err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.opts.APITimeout())
	cmd, args := versionProbeCommand()
	out, err := c.transport.Run(probeCtx, cmd, args...)
	cancel()
	if err == nil && installedVersionCurrent(out) {
		c.setState(StateInstalled)
		return nil
	}
	if err != nil && failedTransport(err) {
		return c.demote(err)
	}

	c.log.Info().Str("version", serverVersion).Msg("installing remote server")
	installCtx, cancel := context.WithTimeout(ctx, c.opts.InstallTimeout())
	defer cancel()
	cmd, args = installCommand()
	if _, err := c.transport.Run(installCtx, cmd, args...); err != nil {
		if failedTransport(err) {
			return c.demote(err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: install: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	c.setState(StateInstalled)
	return nil
}

func (c *Conn) connectAndStartLocked(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.State() == StateRunning {
		return nil
	}
	if err := c.connectAndInstallLocked(ctx); err != nil {
		return err
	}

	if c.adoptRunningServerLocked(ctx) {
		c.log.Info().Msg("adopted already-running remote server")
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout())
	cmd, args := startServerCommand()
	_, err := c.transport.Run(runCtx, cmd, args...)
	cancel()
	if err != nil {
		if failedTransport(err) {
			return c.demote(err)
		}
		return fmt.Errorf("%w: start command: %v", ErrServerUnavailable, err)
	}

	info, err := c.waitServerInfo(ctx)
	if err != nil {
		if failedTransport(err) {
			return c.demote(err)
		}
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}

	port := c.opts.ServerPort
	if port == 0 {
		port = info.Port
	}
	api := c.newAPI(port)
	if err := c.probeStatus(ctx, api); err != nil {
		api.Close()
		return fmt.Errorf("%w: status probe: %v", ErrServerUnavailable, err)
	}
	if !c.adoptAPILocked(api, port) {
		return ErrClosed
	}
	c.setState(StateRunning)
	c.log.Info().Int("port", port).Msg("remote server running")
	return nil
}

func (c *Conn) stopLocked(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.State() != StateRunning {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout())
	defer cancel()
	cmd, args := stopServerCommand()
	if _, err := c.transport.Run(stopCtx, cmd, args...); err != nil {
		if failedTransport(err) {
			return c.demote(err)
		}
		return fmt.Errorf("%w: stop command: %v", ErrTransportFailure, err)
	}

	c.mu.Lock()
	c.teardownServerLocked()
	c.mu.Unlock()
	c.setState(StateStopped)
	c.log.Info().Msg("remote server stopped")
	return nil
}

func (c *Conn) ensureConnectedLocked(ctx context.Context) error {
	if c.transport.Connected() {
		if c.State() == StateUnconnected {
			c.setState(StateConnected)
		}
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout())
	defer cancel()
	if err := c.transport.Connect(dialCtx); err != nil {
		err = mapTransportErr(err)
		if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrTransportFailure) {
			err = fmt.Errorf("%w: %v", ErrTransportFailure, err)
		}
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	c.setState(StateConnected)
	c.publish(events.Event{Kind: events.KindConnectionEstablished})
	c.log.Info().Msg("transport established")
	return nil
}

// adoptRunningServerLocked reconciles to Running when a server from an
// earlier session is still alive remotely.
func (c *Conn) adoptRunningServerLocked(ctx context.Context) bool {
	readCtx, cancel := context.WithTimeout(ctx, c.opts.APITimeout())
	cmd, args := readServerInfoCommand()
	out, err := c.transport.Run(readCtx, cmd, args...)
	cancel()
	if err != nil {
		return false
	}
	info, err := parseServerInfo(out)
	if err != nil {
		return false
	}

	port := c.opts.ServerPort
	if port == 0 {
		port = info.Port
	}
	api := c.newAPI(port)
	statusCtx, cancel := context.WithTimeout(ctx, c.opts.APITimeout())
	_, err = api.Status(statusCtx)
	cancel()
	if err != nil {
		api.Close()
		return false
	}
	if !c.adoptAPILocked(api, port) {
		return false
	}
	c.setState(StateRunning)
	return true
}

func (c *Conn) waitServerInfo(ctx context.Context) (serverInfo, error) {
	cmd, args := readServerInfoCommand()
	deadline := time.Now().Add(c.opts.ConnectTimeout())
	var lastErr error
	for time.Now().Before(deadline) {
		runCtx, cancel := context.WithTimeout(ctx, c.opts.APITimeout())
		out, err := c.transport.Run(runCtx, cmd, args...)
		cancel()
		if err == nil {
			info, perr := parseServerInfo(out)
			if perr == nil {
				return info, nil
			}
			lastErr = perr
		} else {
			if failedTransport(err) {
				return serverInfo{}, err
			}
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return serverInfo{}, mapTransportErr(ctx.Err())
		case <-time.After(c.infoPollInterval):
		}
	}
	return serverInfo{}, fmt.Errorf("server info not available: %w", lastErr)
}

func (c *Conn) probeStatus(ctx context.Context, api KernelAPI) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		statusCtx, cancel := context.WithTimeout(ctx, c.opts.APITimeout())
		_, err := api.Status(statusCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.infoPollInterval):
		}
	}
	return lastErr
}

func (c *Conn) newAPI(port int) KernelAPI {
	return c.apiFactory(c.transport.DialTunnel, port, c.opts.APITimeout())
}

// adoptAPILocked installs the API client and starts the log streamer. A
// teardown that raced the start wins: the client is discarded and the caller
// must not transition to Running.
func (c *Conn) adoptAPILocked(api KernelAPI, port int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		api.Close()
		return false
	}
	c.stopLogStreamLocked()
	if c.api != nil {
		c.api.Close()
	}
	c.api = api
	c.serverPort = port
	c.startLogStreamLocked()
	return true
}

// teardownServerLocked drops the API client, the log streamer, and every
// kernel session. Caller holds mu.
func (c *Conn) teardownServerLocked() {
	c.stopLogStreamLocked()
	if c.api != nil {
		c.api.Close()
		c.api = nil
	}
	c.kernels = make(map[string]*KernelSession)
	c.kernelLocks = make(map[string]*sync.Mutex)
}

// demote reconciles state to Unconnected after a transport loss and returns
// the mapped caller-visible error.
func (c *Conn) demote(cause error) error {
	mapped := mapTransportErr(cause)
	if !errors.Is(mapped, ErrClosed) && !errors.Is(mapped, ErrTimeout) && !errors.Is(mapped, ErrTransportFailure) {
		mapped = fmt.Errorf("%w: %v", ErrTransportFailure, cause)
	}
	if c.closed.Load() {
		return fmt.Errorf("%w: %v", ErrClosed, cause)
	}

	c.mu.Lock()
	wasLive := c.state != StateUnconnected
	c.teardownServerLocked()
	c.state = StateUnconnected
	c.mu.Unlock()

	// Drop the channel so recovery re-dials and pairs the lost event with a
	// fresh connection-established.
	c.transport.Disconnect()

	if wasLive {
		observability.RecordLifecycleTransition(c.id, string(StateUnconnected))
		c.publish(events.Event{Kind: events.KindConnectionLost})
		c.publish(events.Event{Kind: events.KindConnectionStatus, State: string(StateUnconnected)})
		c.log.Warn().Err(cause).Msg("transport lost")
	}
	return mapped
}

func (c *Conn) setState(next State) {
	c.mu.Lock()
	if c.closed.Load() || c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	observability.RecordLifecycleTransition(c.id, string(next))
	c.publish(events.Event{Kind: events.KindConnectionStatus, State: string(next)})
}

func (c *Conn) publish(event events.Event) {
	if c.bus == nil {
		return
	}
	event.EndpointID = c.id
	c.bus.Publish(event)
}

func failedTransport(err error) bool {
	return errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed)
}

// ---- server log streaming ----

// startLogStreamLocked begins polling /api/logs and publishing server-log
// events. Caller holds mu; the streamer stops when logCancel fires.
func (c *Conn) startLogStreamLocked() {
	if c.logCancel != nil || c.api == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.logCancel = cancel
	go c.streamLogs(ctx, c.api)
}

func (c *Conn) stopLogStreamLocked() {
	if c.logCancel != nil {
		c.logCancel()
		c.logCancel = nil
	}
}

func (c *Conn) streamLogs(ctx context.Context, api KernelAPI) {
	ticker := time.NewTicker(c.logPollInterval)
	defer ticker.Stop()
	var cursor uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		logsCtx, cancel := context.WithTimeout(ctx, c.opts.APITimeout())
		records, next, err := api.Logs(logsCtx, cursor)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("server log poll failed")
			continue
		}
		cursor = next
		for _, record := range records {
			c.publish(events.Event{Kind: events.KindServerLog, Log: record})
		}
	}
}
