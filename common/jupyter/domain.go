package jupyter

import (
	"errors"
	"time"
)

const (
	// ShellChannel carries request/reply traffic (execute_request, complete_request, ...).
	ShellChannel = "shell"

	// IOPubChannel carries broadcast status and output traffic. The server's websocket
	// bridge merges iopub into the same connection as shell, so the channel field on
	// inbound messages is informational only.
	IOPubChannel = "iopub"

	ControlChannel = "control"
	StdinChannel   = "stdin"

	// ProtocolVersion is the Jupyter wire protocol version stamped into every
	// message header this client produces.
	ProtocolVersion = "5.3"

	DefaultUsername = "username"
)

var (
	DefaultRequestTimeout = 30 * time.Second

	ErrNotConnected     = errors.New("kernel session is not connected")
	ErrConnectionFailed = errors.New("failed to open websocket connection to kernel")
	ErrSessionClosed    = errors.New("kernel session has been closed")
	ErrKernelNotStarted = errors.New("failed to start kernel")
)
