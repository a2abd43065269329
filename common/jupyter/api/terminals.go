package api

import (
	"context"
	"net/http"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
)

// TerminalModel is one /api/terminals entry. The terminal's pseudo-TTY stream
// has its own websocket endpoint; this client only manages terminal lifetimes.
type TerminalModel struct {
	Name         string `json:"name"`
	LastActivity string `json:"last_activity,omitempty"`
}

// TerminalManager creates and removes terminals on the remote server.
type TerminalManager struct {
	client *Client

	log logger.Logger
}

func NewTerminalManager(client *Client) *TerminalManager {
	manager := &TerminalManager{
		client: client,
	}
	config.InitLogger(&manager.log, manager)

	return manager
}

// CreateTerminal asks the server to spawn a new terminal.
func (m *TerminalManager) CreateTerminal(ctx context.Context) (*TerminalModel, error) {
	var terminal TerminalModel
	url := m.client.Server().APIURL("api", "terminals")
	if err := m.client.do(ctx, http.MethodPost, url, nil, &terminal); err != nil {
		return nil, err
	}

	m.log.Debug("Created terminal \"%s\".", terminal.Name)
	return &terminal, nil
}

// ListTerminals returns every terminal running on the server.
func (m *TerminalManager) ListTerminals(ctx context.Context) ([]*TerminalModel, error) {
	var terminals []*TerminalModel
	url := m.client.Server().APIURL("api", "terminals")
	if err := m.client.do(ctx, http.MethodGet, url, nil, &terminals); err != nil {
		return nil, err
	}

	return terminals, nil
}

// DeleteTerminal kills the named terminal.
func (m *TerminalManager) DeleteTerminal(ctx context.Context, name string) error {
	url := m.client.Server().APIURL("api", "terminals", name)
	return m.client.do(ctx, http.MethodDelete, url, nil, nil)
}
