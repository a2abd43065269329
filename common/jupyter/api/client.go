package api

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/scusemua/remote-notebook/common/jupyter"
)

// Client is the shared REST plumbing for the Jupyter server API: it attaches
// the connection's token to every request and handles JSON bodies in both
// directions. The per-resource managers (kernels, sessions, contents,
// terminals, metrics) are thin wrappers over it.
type Client struct {
	server *jupyter.ServerConnection

	log logger.Logger
}

func NewClient(server *jupyter.ServerConnection) *Client {
	client := &Client{
		server: server,
	}
	config.InitLogger(&client.log, client)

	return client
}

// Server returns the connection context this client was built with.
func (c *Client) Server() *jupyter.ServerConnection {
	return c.server
}

// do issues one API request. A non-nil body is JSON-encoded; a non-nil out has
// the response decoded into it. Responses with status >= 400 become errors
// carrying the server's payload.
func (c *Client) do(ctx context.Context, method string, url string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "failed to encode request body for %s %s", method, url)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s request for %s", method, url)
	}

	req.Header = c.server.AuthorizationHeader()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.server.HTTPClient().Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, url)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response body of %s %s", method, url)
	}

	if resp.StatusCode >= 400 {
		return errors.Errorf("%s %s returned HTTP %d: %s", method, url, resp.StatusCode, string(payload))
	}

	if out != nil && len(payload) > 0 {
		if err = json.Unmarshal(payload, out); err != nil {
			return errors.Wrapf(err, "failed to decode response body of %s %s", method, url)
		}
	}

	return nil
}
