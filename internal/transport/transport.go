// Package transport owns the secure channel to one remote endpoint.
package transport

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

// Transport is one endpoint's secure channel: command execution plus port
// tunneling for the remote server's HTTP API.
type Transport interface {
	// Connect establishes the channel; calling while connected is a no-op.
	Connect(ctx context.Context) error
	// Connected reports whether the channel is currently live.
	Connected() bool
	// Run executes a command on the remote host and returns combined output.
	Run(ctx context.Context, cmd string, args ...string) (string, error)
	// DialTunnel opens a connection to an address reachable from the remote
	// host, through the channel.
	DialTunnel(ctx context.Context, network, addr string) (net.Conn, error)
	// Disconnect drops the live channel, if any, leaving the transport open
	// for a later Connect.
	Disconnect()
	// Close tears the channel down; in-flight operations fail.
	Close() error
}

// JoinCommand renders a command plus arguments as one shell line with every
// token single-quoted for the remote shell.
func JoinCommand(cmd string, args []string) string {
	if len(args) == 0 {
		return shellEscape(cmd)
	}

	var builder strings.Builder
	builder.WriteString(shellEscape(cmd))
	for _, arg := range args {
		builder.WriteByte(' ')
		builder.WriteString(shellEscape(arg))
	}

	return builder.String()
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}

	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
