package jupyter

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ServerConnection stores everything needed to reach one remote Jupyter server:
// the HTTP base URL, the API token presented on every request, and the username
// stamped into outgoing kernel message headers.
//
// A ServerConnection is constructed by whatever composes the application and is
// passed explicitly to the components that need it. There is deliberately no
// package-level "current connection" state.
type ServerConnection struct {
	// BaseURL is the root of the server's API, e.g. "http://localhost:8888"
	// or "https://hub.example.com/user/jovyan". Any trailing slash is ignored.
	BaseURL string `json:"base_url"`

	// Token is the Jupyter API token. It is presented as
	// "Authorization: token <token>" on both REST and websocket requests.
	Token string `json:"-"`

	// Username identifies this client in message headers. Defaults to
	// DefaultUsername when empty.
	Username string `json:"username"`

	// Client is the HTTP client used for REST calls and the websocket
	// handshake. Defaults to http.DefaultClient when nil.
	Client *http.Client `json:"-"`
}

func (c *ServerConnection) String() string {
	return fmt.Sprintf("ServerConnection[BaseURL=%s,Username=%s]", c.BaseURL, c.Username)
}

// APIURL joins the given path segments onto the server's API root.
func (c *ServerConnection) APIURL(segments ...string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		parts = append(parts, url.PathEscape(segment))
	}
	return base + "/" + strings.Join(parts, "/")
}

// ContentsURL returns the contents-API URL for the given remote path.
// Unlike APIURL, the path's own slashes are preserved.
func (c *ServerConnection) ContentsURL(remotePath string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	remotePath = strings.TrimLeft(remotePath, "/")
	return base + "/api/contents/" + remotePath
}

// ChannelsURL builds the websocket URL for the given kernel's channel bridge,
// ws(s)://<server>/api/kernels/<id>/channels, deriving the websocket scheme
// from the base URL's HTTP scheme.
func (c *ServerConnection) ChannelsURL(kernelID string) string {
	channels := c.APIURL("api", "kernels", kernelID, "channels")
	if strings.HasPrefix(channels, "https://") {
		return "wss://" + strings.TrimPrefix(channels, "https://")
	}
	return "ws://" + strings.TrimPrefix(channels, "http://")
}

// AuthorizationHeader returns the header presented on every request to the server.
func (c *ServerConnection) AuthorizationHeader() http.Header {
	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", fmt.Sprintf("token %s", c.Token))
	}
	return header
}

// HTTPClient returns the configured HTTP client, falling back to http.DefaultClient.
func (c *ServerConnection) HTTPClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// EffectiveUsername returns the username to stamp into message headers.
func (c *ServerConnection) EffectiveUsername() string {
	if c.Username != "" {
		return c.Username
	}
	return DefaultUsername
}
