package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/scusemua/remote-notebook/common/jupyter"
)

// KernelModel is the server's representation of one running kernel, as returned
// by the /api/kernels endpoints.
type KernelModel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	LastActivity   string `json:"last_activity,omitempty"`
	ExecutionState string `json:"execution_state,omitempty"`
	Connections    int    `json:"connections,omitempty"`
}

func (m *KernelModel) String() string {
	encoded, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}

	return string(encoded)
}

// KernelManager starts and manages kernels through the server's REST API.
// The session core only requires StartKernel; the remaining operations serve
// the surrounding tool's kernel list view.
type KernelManager struct {
	client *Client

	log logger.Logger
}

func NewKernelManager(client *Client) *KernelManager {
	manager := &KernelManager{
		client: client,
	}
	config.InitLogger(&manager.log, manager)

	return manager
}

// StartKernel asks the server to launch a kernel of the named spec and returns
// its model. The returned kernel ID is what a KernelSession connects to.
func (m *KernelManager) StartKernel(ctx context.Context, specName string) (*KernelModel, error) {
	m.log.Debug("Starting kernel with spec \"%s\" now...", specName)

	body := map[string]interface{}{"name": specName}

	var kernel KernelModel
	url := m.client.Server().APIURL("api", "kernels")
	if err := m.client.do(ctx, http.MethodPost, url, body, &kernel); err != nil {
		m.log.Error("Failed to start kernel with spec \"%s\" because: %v", specName, err)
		return nil, errors.Wrapf(jupyter.ErrKernelNotStarted, "spec \"%s\": %v", specName, err)
	}

	m.log.Debug("Successfully started kernel %s (spec \"%s\").", kernel.ID, specName)
	return &kernel, nil
}

// ListKernels returns every kernel currently running on the server.
func (m *KernelManager) ListKernels(ctx context.Context) ([]*KernelModel, error) {
	var kernels []*KernelModel
	url := m.client.Server().APIURL("api", "kernels")
	if err := m.client.do(ctx, http.MethodGet, url, nil, &kernels); err != nil {
		return nil, err
	}

	return kernels, nil
}

// GetKernel returns the model of one kernel.
func (m *KernelManager) GetKernel(ctx context.Context, kernelID string) (*KernelModel, error) {
	var kernel KernelModel
	url := m.client.Server().APIURL("api", "kernels", kernelID)
	if err := m.client.do(ctx, http.MethodGet, url, nil, &kernel); err != nil {
		return nil, err
	}

	return &kernel, nil
}

// InterruptKernel sends the kernel an interrupt, the REST equivalent of SIGINT.
func (m *KernelManager) InterruptKernel(ctx context.Context, kernelID string) error {
	url := m.client.Server().APIURL("api", "kernels", kernelID, "interrupt")
	return m.client.do(ctx, http.MethodPost, url, nil, nil)
}

// RestartKernel restarts the kernel in place, preserving its ID.
func (m *KernelManager) RestartKernel(ctx context.Context, kernelID string) (*KernelModel, error) {
	var kernel KernelModel
	url := m.client.Server().APIURL("api", "kernels", kernelID, "restart")
	if err := m.client.do(ctx, http.MethodPost, url, nil, &kernel); err != nil {
		return nil, err
	}

	return &kernel, nil
}

// ShutdownKernel stops the kernel and releases its resources on the server.
func (m *KernelManager) ShutdownKernel(ctx context.Context, kernelID string) error {
	url := m.client.Server().APIURL("api", "kernels", kernelID)
	if err := m.client.do(ctx, http.MethodDelete, url, nil, nil); err != nil {
		return fmt.Errorf("failed to shut down kernel %s: %w", kernelID, err)
	}

	return nil
}
