package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/scusemua/remote-notebook/common/jupyter"
	"github.com/scusemua/remote-notebook/common/jupyter/api"
	"github.com/scusemua/remote-notebook/common/jupyter/client"
	"github.com/scusemua/remote-notebook/common/jupyter/messaging"
)

// KernelProvider abstracts the REST kernel-management collaborator. The
// controller only ever starts kernels; every other kernel operation belongs to
// the surrounding tool.
type KernelProvider interface {
	StartKernel(ctx context.Context, specName string) (*api.KernelModel, error)
}

type SessionState int32

const (
	StateNoSession SessionState = iota
	StateStarting
	StateReady
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateNoSession:
		return "NoSession"
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	}

	return fmt.Sprintf("Unknown(%d)", int32(s))
}

type notebookSession struct {
	// state is read by SessionState while executions mutate it on failure, so
	// it is stored atomically.
	state atomic.Int32

	kernel  *api.KernelModel
	session *client.KernelSession
}

func newNotebookSession(state SessionState, kernel *api.KernelModel, session *client.KernelSession) *notebookSession {
	notebook := &notebookSession{
		kernel:  kernel,
		session: session,
	}
	notebook.state.Store(int32(state))

	return notebook
}

func (n *notebookSession) sessionState() SessionState {
	return SessionState(n.state.Load())
}

func (n *notebookSession) setState(state SessionState) {
	n.state.Store(int32(state))
}

// Controller bridges per-notebook "run this code" requests onto kernel
// sessions. It owns at most one live KernelSession per notebook path, starting
// a kernel (via the REST collaborator) and connecting a session on first use,
// and translates raw kernel output messages into structured CellResults.
//
// A Controller is constructed per advertised kernel spec; disposing it
// disposes every session it owns.
type Controller struct {
	server  *jupyter.ServerConnection
	kernels KernelProvider

	kernelSpecName string

	sessions cmap.ConcurrentMap[string, *notebookSession]

	// Serializes session creation so that two racing executions against the
	// same notebook cannot both start a kernel.
	startMu sync.Mutex

	log logger.Logger
}

func NewController(server *jupyter.ServerConnection, kernels KernelProvider, kernelSpecName string) *Controller {
	controller := &Controller{
		server:         server,
		kernels:        kernels,
		kernelSpecName: kernelSpecName,
		sessions:       cmap.New[*notebookSession](),
	}
	config.InitLogger(&controller.log, fmt.Sprintf("Controller %s ", kernelSpecName))

	return controller
}

// ExecuteCells runs the given code cells against the notebook's kernel,
// sequentially, returning one CellResult per cell. The kernel is started and a
// session connected on first use; if that fails, the error is returned and no
// session is retained.
//
// A cell whose execution fails at the transport level gets its Err set; the
// remaining cells are still attempted (they fail fast if the transport is
// gone). A cell that raises inside the kernel is not a transport failure: its
// result carries an error-typed output and the loop continues normally.
func (c *Controller) ExecuteCells(ctx context.Context, notebookPath string, cells []string) ([]*CellResult, error) {
	notebook, err := c.sessionFor(ctx, notebookPath)
	if err != nil {
		return nil, err
	}

	results := make([]*CellResult, 0, len(cells))
	for _, code := range cells {
		results = append(results, c.executeCell(ctx, notebook, code))
	}

	return results, nil
}

// RequestComplete forwards a completion query to the notebook's session.
// Notebooks without a live session get nil completions, not a started kernel:
// completion is never worth the cost of a kernel start.
func (c *Controller) RequestComplete(ctx context.Context, notebookPath string, code string, cursorPos int) (*messaging.MessageCompleteReply, error) {
	notebook, ok := c.sessions.Get(notebookPath)
	if !ok || notebook.sessionState() != StateReady {
		return nil, nil
	}

	return notebook.session.RequestComplete(ctx, code, cursorPos)
}

// SessionState returns the state of the notebook's session.
func (c *Controller) SessionState(notebookPath string) SessionState {
	notebook, ok := c.sessions.Get(notebookPath)
	if !ok {
		return StateNoSession
	}

	return notebook.sessionState()
}

// KernelFor returns the kernel model backing the notebook's session, or nil.
func (c *Controller) KernelFor(notebookPath string) *api.KernelModel {
	notebook, ok := c.sessions.Get(notebookPath)
	if !ok {
		return nil
	}

	return notebook.kernel
}

// DisposeNotebook closes the notebook's session, if any, and forgets it.
func (c *Controller) DisposeNotebook(notebookPath string) {
	notebook, ok := c.sessions.Get(notebookPath)
	if !ok {
		return
	}

	c.sessions.Remove(notebookPath)

	if notebook.session != nil {
		_ = notebook.session.Close()
	}
}

// Dispose closes every owned session. Called when the remote connection is
// torn down.
func (c *Controller) Dispose() {
	for item := range c.sessions.IterBuffered() {
		c.sessions.Remove(item.Key)
		if item.Val.session != nil {
			_ = item.Val.session.Close()
		}
	}
}

// sessionFor returns the notebook's live session, creating it if necessary:
// start a kernel through the REST collaborator, then connect a KernelSession
// to it. Any failure along the way leaves the notebook with no session (a
// half-started one is never retained).
func (c *Controller) sessionFor(ctx context.Context, notebookPath string) (*notebookSession, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if notebook, ok := c.sessions.Get(notebookPath); ok {
		if notebook.sessionState() == StateReady && notebook.session.Connected() {
			return notebook, nil
		}

		// Failed or disconnected; replace it.
		c.log.Warn("Discarding %v session for notebook \"%s\".", notebook.sessionState(), notebookPath)
		c.sessions.Remove(notebookPath)
		if notebook.session != nil {
			_ = notebook.session.Close()
		}
	}

	c.log.Debug("Starting kernel (spec \"%s\") for notebook \"%s\" now...", c.kernelSpecName, notebookPath)
	c.sessions.Set(notebookPath, newNotebookSession(StateStarting, nil, nil))

	kernel, err := c.kernels.StartKernel(ctx, c.kernelSpecName)
	if err != nil {
		c.log.Error("Failed to start kernel for notebook \"%s\" because: %v", notebookPath, err)
		c.sessions.Remove(notebookPath)
		return nil, err
	}

	session := client.NewKernelSession(c.server, kernel.ID)
	if err = session.Connect(ctx); err != nil {
		c.log.Error("Failed to connect to kernel %s for notebook \"%s\" because: %v", kernel.ID, notebookPath, err)
		_ = session.Close()
		c.sessions.Remove(notebookPath)
		return nil, err
	}

	notebook := newNotebookSession(StateReady, kernel, session)
	c.sessions.Set(notebookPath, notebook)

	c.log.Debug("Notebook \"%s\" is now bound to kernel %s.", notebookPath, kernel.ID)
	return notebook, nil
}

func (c *Controller) executeCell(ctx context.Context, notebook *notebookSession, code string) *CellResult {
	result := &CellResult{}

	reply, err := notebook.session.ExecuteCode(ctx, code, func(msg *messaging.Message) {
		result.Outputs = append(result.Outputs, translateOutput(msg)...)
	})
	if err != nil {
		result.Err = err

		// The session survives an execution failure unless the transport
		// itself went away.
		if !notebook.session.Connected() {
			notebook.setState(StateFailed)
		}

		return result
	}

	if reply != nil {
		result.ExecutionCount = reply.ExecutionCount
		result.Status = reply.Status
	}

	return result
}
