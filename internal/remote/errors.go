package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/remotekernel/kernelctl/internal/serverapi"
	"github.com/remotekernel/kernelctl/internal/transport"
)

var (
	ErrTransportFailure  = errors.New("remote: transport failure")
	ErrInstallFailed     = errors.New("remote: server install failed")
	ErrServerUnavailable = errors.New("remote: server unavailable")
	ErrKernelStartFailed = errors.New("remote: kernel start failed")
	ErrKernelNotFound    = errors.New("remote: kernel not found")
	ErrTimeout           = errors.New("remote: operation timed out")
	ErrClosed            = errors.New("remote: connection closed")
)

// ErrNotRunning wraps ErrServerUnavailable so callers matching either
// sentinel catch kernel operations issued against a non-running server.
var ErrNotRunning = fmt.Errorf("%w: server not running", ErrServerUnavailable)

// mapTransportErr normalizes transport and context failures into the
// caller-visible taxonomy. Non-transport errors pass through.
func mapTransportErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	case errors.Is(err, transport.ErrNotConnected):
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	default:
		return err
	}
}

// isTransportLoss reports whether an API error means the channel itself is
// dead rather than the request being rejected.
func isTransportLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, serverapi.ErrNotFound) || errors.Is(err, serverapi.ErrRequestFailed) {
		return false
	}
	// A deadline alone means a slow server, not a dead channel.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
