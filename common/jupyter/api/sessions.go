package api

import (
	"context"
	"net/http"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
)

// SessionModel is one /api/sessions entry: the server-side binding of a
// notebook path to a running kernel. Note that this is distinct from a
// client.KernelSession, which is this client's websocket attachment to a
// kernel; the two are associated but independently managed.
type SessionModel struct {
	ID     string       `json:"id"`
	Path   string       `json:"path"`
	Name   string       `json:"name"`
	Type   string       `json:"type"`
	Kernel *KernelModel `json:"kernel,omitempty"`
}

// SessionManager manages the server's notebook-to-kernel session bindings.
type SessionManager struct {
	client *Client

	log logger.Logger
}

func NewSessionManager(client *Client) *SessionManager {
	manager := &SessionManager{
		client: client,
	}
	config.InitLogger(&manager.log, manager)

	return manager
}

// CreateSession binds the given notebook path to a kernel of the named spec,
// starting one if necessary.
func (m *SessionManager) CreateSession(ctx context.Context, path string, kernelSpecName string) (*SessionModel, error) {
	body := map[string]interface{}{
		"path": path,
		"type": "notebook",
		"kernel": map[string]interface{}{
			"name": kernelSpecName,
		},
	}

	var session SessionModel
	url := m.client.Server().APIURL("api", "sessions")
	if err := m.client.do(ctx, http.MethodPost, url, body, &session); err != nil {
		return nil, err
	}

	m.log.Debug("Created session %s binding path \"%s\" to kernel %v.", session.ID, path, session.Kernel)
	return &session, nil
}

// ListSessions returns every session binding on the server.
func (m *SessionManager) ListSessions(ctx context.Context) ([]*SessionModel, error) {
	var sessions []*SessionModel
	url := m.client.Server().APIURL("api", "sessions")
	if err := m.client.do(ctx, http.MethodGet, url, nil, &sessions); err != nil {
		return nil, err
	}

	return sessions, nil
}

// DeleteSession removes the session binding. The kernel it pointed at is shut
// down by the server unless another binding still references it.
func (m *SessionManager) DeleteSession(ctx context.Context, sessionID string) error {
	url := m.client.Server().APIURL("api", "sessions", sessionID)
	return m.client.do(ctx, http.MethodDelete, url, nil, nil)
}
