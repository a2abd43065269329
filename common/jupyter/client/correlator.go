package client

import (
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/Scusemua/go-utils/promise"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/scusemua/remote-notebook/common/jupyter/messaging"
)

// MessageHandler is invoked for every inbound message whose parent ID matches
// the pending request the handler was registered for. Handlers run inline on
// the session's read loop, so they must not block.
type MessageHandler func(msg *messaging.Message) error

type pendingRequest struct {
	handler MessageHandler
	promise *promise.ChannelPromise

	// mu guards the fields below. The promise must not resolve while a handler
	// invocation is in flight: the caller blocked on the promise owns whatever
	// state the handler mutates as soon as it wakes up.
	mu          sync.Mutex
	dispatching int
	done        bool
	doneVal     interface{}
	doneErr     error
}

// invoke runs the handler unless the request has already completed. It returns
// false if the message should be discarded instead.
func (r *pendingRequest) invoke(msg *messaging.Message) (bool, error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return false, nil
	}
	r.dispatching++
	r.mu.Unlock()

	err := r.handler(msg)

	r.mu.Lock()
	r.dispatching--
	resolve := r.done && r.dispatching == 0
	val, doneErr := r.doneVal, r.doneErr
	r.mu.Unlock()

	// A completion that raced this invocation (or was requested by the handler
	// itself) resolves here, after the handler has returned.
	if resolve {
		_, _ = r.promise.Resolve(val, doneErr)
	}

	return true, err
}

// complete marks the request done and resolves its promise. If a handler is
// mid-invocation the resolution is deferred until that handler returns, so the
// waiter never wakes up while the handler is still running. Completing twice
// is a no-op.
func (r *pendingRequest) complete(val interface{}, err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.doneVal, r.doneErr = val, err
	dispatching := r.dispatching
	r.mu.Unlock()

	if dispatching == 0 {
		_, _ = r.promise.Resolve(val, err)
	}
}

// Correlator maintains the table of pending requests for one kernel session and
// routes each inbound message to the registered handler for its parent message ID.
// Messages whose parent ID matches no tracked request are silently discarded:
// they belong to an unrelated broadcast, or arrived after cleanup.
type Correlator struct {
	pending cmap.ConcurrentMap[string, *pendingRequest]

	log logger.Logger
}

func NewCorrelator() *Correlator {
	correlator := &Correlator{
		pending: cmap.New[*pendingRequest](),
	}
	config.InitLogger(&correlator.log, correlator)

	return correlator
}

// Register inserts a pending entry for the given message ID and returns the
// promise that Complete will resolve. Message IDs are fresh UUIDs, so a
// collision indicates a caller bug; the previous entry is overwritten.
func (c *Correlator) Register(msgID string, handler MessageHandler) *promise.ChannelPromise {
	entry := &pendingRequest{
		handler: handler,
		promise: promise.NewChannelPromise(),
	}
	c.pending.Set(msgID, entry)

	return entry.promise
}

// Unregister removes the entry for the given message ID without resolving its
// promise. It is idempotent.
func (c *Correlator) Unregister(msgID string) {
	c.pending.Remove(msgID)
}

// Complete removes the entry for the given message ID and resolves its promise
// with the given value and error. Completing an unknown or already-completed
// ID is a no-op.
func (c *Correlator) Complete(msgID string, val interface{}, err error) {
	entry, ok := c.pending.Get(msgID)
	if !ok {
		return
	}

	c.pending.Remove(msgID)
	entry.complete(val, err)
}

// Dispatch routes an inbound message to the handler registered for its parent
// message ID, invoking the handler synchronously.
func (c *Correlator) Dispatch(msg *messaging.Message) {
	parentID := msg.JupyterParentMessageId()
	if parentID == "" {
		c.log.Trace("Discarding \"%s\" message \"%s\" with no parent ID.",
			msg.JupyterMessageType(), msg.JupyterMessageId())
		return
	}

	entry, ok := c.pending.Get(parentID)
	if !ok {
		c.log.Trace("Discarding \"%s\" message \"%s\"; no pending request with ID \"%s\".",
			msg.JupyterMessageType(), msg.JupyterMessageId(), parentID)
		return
	}

	live, err := entry.invoke(msg)
	if !live {
		c.log.Trace("Discarding \"%s\" message \"%s\"; request \"%s\" already completed.",
			msg.JupyterMessageType(), msg.JupyterMessageId(), parentID)
		return
	}
	if err != nil {
		c.log.Warn("Handler for request \"%s\" returned error on \"%s\" message: %v",
			parentID, msg.JupyterMessageType(), err)
	}
}

// FailAll resolves every pending promise with the given error and clears the
// table. Called when the transport is lost or the session is closed.
func (c *Correlator) FailAll(err error) {
	for item := range c.pending.IterBuffered() {
		c.pending.Remove(item.Key)
		item.Val.complete(nil, err)
	}
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	return c.pending.Count()
}
