package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/Scusemua/go-utils/promise"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/scusemua/remote-notebook/common/jupyter"
	"github.com/scusemua/remote-notebook/common/jupyter/messaging"
)

// maxFrameBytes bounds a single inbound frame. Rich display data (inline
// images in particular) can be large; the nhooyr default of 32KiB is far
// too small for it.
const maxFrameBytes = 1 << 26

// OutputHandler receives the raw output messages of one execution, in kernel
// emission order: stream, execute_result, display_data, and error messages.
// It runs inline on the session's read loop and must not block.
type OutputHandler func(msg *messaging.Message)

// KernelSession owns one websocket connection to one running kernel and speaks
// the Jupyter wire protocol over it. Each session has a single randomly
// generated session identity that is stamped into every message it sends.
//
// All sends carry a fresh message ID and register a handler with the session's
// Correlator before hitting the wire; the read loop decodes inbound frames and
// dispatches them by parent ID. Messages within one session preserve kernel
// emission order end to end. Distinct sessions are fully independent.
type KernelSession struct {
	server     *jupyter.ServerConnection
	correlator *Correlator

	kernelID  string
	sessionID string
	username  string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	log logger.Logger
}

// NewKernelSession creates a session for the given running kernel. The session
// does not touch the network until Connect is called.
func NewKernelSession(server *jupyter.ServerConnection, kernelID string) *KernelSession {
	session := &KernelSession{
		server:     server,
		correlator: NewCorrelator(),
		kernelID:   kernelID,
		sessionID:  uuid.NewString(),
		username:   server.EffectiveUsername(),
	}
	session.ctx, session.cancel = context.WithCancel(context.Background())
	config.InitLogger(&session.log, fmt.Sprintf("KernelSession %s ", kernelID))

	return session
}

// ID returns the kernel ID this session is bound to.
func (s *KernelSession) ID() string {
	return s.kernelID
}

// SessionID returns the session identity stamped into every outgoing message.
func (s *KernelSession) SessionID() string {
	return s.sessionID
}

// Connected reports whether the transport is currently open.
func (s *KernelSession) Connected() bool {
	return s.connection() != nil
}

// PendingRequests returns the number of requests awaiting completion.
func (s *KernelSession) PendingRequests() int {
	return s.correlator.Len()
}

// Connect opens the websocket to the kernel's channel bridge, presenting the
// server's token for authorization. It is idempotent: connecting an already
// open session is a no-op, and a concurrent Connect blocks until the first
// attempt settles.
func (s *KernelSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return jupyter.ErrSessionClosed
	}

	if s.conn != nil {
		return nil
	}

	channelsURL := s.server.ChannelsURL(s.kernelID)
	s.log.Debug("Dialing kernel channel bridge at %s now...", channelsURL)

	conn, _, err := websocket.Dial(ctx, channelsURL, &websocket.DialOptions{
		HTTPClient: s.server.HTTPClient(),
		HTTPHeader: s.server.AuthorizationHeader(),
	})
	if err != nil {
		s.log.Error("Failed to dial kernel channel bridge at %s because: %v", channelsURL, err)
		return fmt.Errorf("%w: %v", jupyter.ErrConnectionFailed, err)
	}

	conn.SetReadLimit(maxFrameBytes)
	s.conn = conn

	go s.serve(conn)

	s.log.Debug("Connected to kernel channel bridge at %s.", channelsURL)
	return nil
}

// ExecuteCode submits the given code to the kernel on the shell channel and
// blocks until the kernel reports idle for this request. Every output message
// the kernel emits for the request is delivered to onOutput, in emission order,
// strictly before ExecuteCode returns.
//
// A kernel-reported "error" message is an ordinary output event: it is passed
// to onOutput and does not fail the call. Callers detect failed executions by
// inspecting the delivered output (or the returned reply), not through the
// returned error, which reports transport failures only.
//
// The shell "execute_reply" is captured when observed and returned for its
// execution count and status; completion still requires the idle status event,
// so trailing output is never cut off. The returned reply is nil if the kernel
// never sent one before going idle.
func (s *KernelSession) ExecuteCode(ctx context.Context, code string, onOutput OutputHandler) (*messaging.MessageExecuteReply, error) {
	if !s.Connected() {
		return nil, jupyter.ErrNotConnected
	}

	content := &messaging.MessageExecuteRequest{
		Code:            code,
		Silent:          false,
		StoreHistory:    true,
		UserExpressions: make(map[string]interface{}),
		AllowStdin:      false,
		StopOnError:     true,
	}

	msg, err := messaging.NewMessage(messaging.ShellExecuteRequest, content, nil, s.sessionID, s.username)
	if err != nil {
		return nil, err
	}
	msg.Channel = jupyter.ShellChannel

	msgID := msg.JupyterMessageId()

	var reply messaging.MessageExecuteReply
	replyReceived := false

	p := s.correlator.Register(msgID, func(child *messaging.Message) error {
		switch child.JupyterMessageType() {
		case messaging.ShellExecuteReply:
			if decodeErr := child.DecodeContent(&reply); decodeErr != nil {
				s.log.Warn("Failed to decode \"%s\" content for request \"%s\": %v",
					messaging.ShellExecuteReply, msgID, decodeErr)
				return decodeErr
			}
			replyReceived = true
		case messaging.IOStatusMessage:
			var status messaging.MessageKernelStatus
			if decodeErr := child.DecodeContent(&status); decodeErr != nil {
				return decodeErr
			}
			if status.Status == messaging.MessageKernelStatusIdle {
				// The kernel is done with this request. All of its output has
				// already been delivered: the transport preserves order, and
				// handlers run inline with message delivery.
				s.correlator.Complete(msgID, nil, nil)
			}
		default:
			if child.IsOutput() && onOutput != nil {
				onOutput(child)
			}
		}

		return nil
	})

	if err = s.send(ctx, msg); err != nil {
		s.correlator.Unregister(msgID)
		return nil, err
	}

	if err = s.await(ctx, msgID, p); err != nil {
		return nil, err
	}

	if !replyReceived {
		return nil, nil
	}
	return &reply, nil
}

// RequestComplete asks the kernel for code completions at the given cursor
// position and blocks until the matching "complete_reply" arrives. A session
// that is not connected returns (nil, nil): completion is opportunistic, and
// having nothing to offer is not an error.
func (s *KernelSession) RequestComplete(ctx context.Context, code string, cursorPos int) (*messaging.MessageCompleteReply, error) {
	if !s.Connected() {
		return nil, nil
	}

	content := &messaging.MessageCompleteRequest{
		Code:      code,
		CursorPos: cursorPos,
	}

	msg, err := messaging.NewMessage(messaging.ShellCompleteRequest, content, nil, s.sessionID, s.username)
	if err != nil {
		return nil, err
	}
	msg.Channel = jupyter.ShellChannel

	msgID := msg.JupyterMessageId()

	var reply messaging.MessageCompleteReply

	p := s.correlator.Register(msgID, func(child *messaging.Message) error {
		// Completion requests only care about the reply itself; the busy/idle
		// status chatter around it is ignored.
		if !child.JupyterMessageType().IsReply() {
			return nil
		}

		if decodeErr := child.DecodeContent(&reply); decodeErr != nil {
			s.correlator.Complete(msgID, nil, decodeErr)
			return decodeErr
		}

		s.correlator.Complete(msgID, nil, nil)
		return nil
	})

	if err = s.send(ctx, msg); err != nil {
		s.correlator.Unregister(msgID)
		return nil, err
	}

	if err = s.await(ctx, msgID, p); err != nil {
		return nil, err
	}

	return &reply, nil
}

// Close drops the transport and abandons all pending requests: their promises
// resolve with ErrSessionClosed. Closing an already-closed session is a no-op.
func (s *KernelSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}

	// The read loop fails pending requests on its way out, but it only runs
	// once the session has connected at least once.
	s.correlator.FailAll(jupyter.ErrSessionClosed)

	return nil
}

func (s *KernelSession) connection() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *KernelSession) send(ctx context.Context, msg *messaging.Message) error {
	conn := s.connection()
	if conn == nil {
		return jupyter.ErrNotConnected
	}

	return wsjson.Write(ctx, conn, msg)
}

// await blocks until the pending request's promise resolves or ctx expires.
// On expiry the pending entry is completed with the context's error so that a
// late terminal message is discarded instead of leaking the entry.
func (s *KernelSession) await(ctx context.Context, msgID string, p *promise.ChannelPromise) error {
	resolved := make(chan struct{})
	go func() {
		p.Wait()
		close(resolved)
	}()

	select {
	case <-resolved:
	case <-ctx.Done():
		s.correlator.Complete(msgID, nil, ctx.Err())
		<-resolved
	}

	return p.Error()
}

// serve is the session's read loop: it decodes each inbound frame and hands it
// to the correlator. A frame that fails to decode is logged and dropped; it
// never corrupts the pending request table or tears down the session.
func (s *KernelSession) serve(conn *websocket.Conn) {
	for {
		_, frame, err := conn.Read(s.ctx)
		if err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			closed := s.closed
			s.mu.Unlock()

			if closed {
				s.correlator.FailAll(jupyter.ErrSessionClosed)
			} else {
				s.log.Warn("Connection to kernel %s lost: %v", s.kernelID, err)
				s.correlator.FailAll(fmt.Errorf("%w: %v", jupyter.ErrConnectionFailed, err))
			}

			return
		}

		msg, decodeErr := messaging.Decode(frame)
		if decodeErr != nil {
			s.log.Warn("Dropping malformed frame from kernel %s: %v", s.kernelID, decodeErr)
			continue
		}

		s.correlator.Dispatch(msg)
	}
}
