package mcp

import "errors"

var (
	// ErrConnectionClosed is returned to pending and future requests
	// once a connection's server process has exited or been shut down.
	ErrConnectionClosed = errors.New("mcp: connection closed")

	// ErrRequestTimeout is returned when a request's per-call deadline
	// elapses before the server responds. The connection itself stays
	// usable; only the timed-out call is abandoned.
	ErrRequestTimeout = errors.New("mcp: request timed out")

	// ErrNotReady is returned for requests issued before the
	// initialize handshake has completed.
	ErrNotReady = errors.New("mcp: connection not ready")

	// ErrServerNotFound is returned when a request names a server the
	// manager has no connection for.
	ErrServerNotFound = errors.New("mcp: server not found")

	// ErrDisabled is returned when the MCP subsystem is disabled in
	// configuration.
	ErrDisabled = errors.New("mcp: subsystem disabled")
)
