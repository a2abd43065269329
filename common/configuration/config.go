package configuration

import (
	"fmt"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"

	"github.com/scusemua/remote-notebook/common/jupyter"
)

// ClientOptions holds everything needed to talk to one remote Jupyter server.
type ClientOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	ServerURL  string `name:"server-url"  json:"server-url"  yaml:"server-url"  description:"Base HTTP(S) URL of the remote Jupyter server, e.g. https://jupyter.example.com:8888."`
	Token      string `name:"token"       json:"token"       yaml:"token"       description:"API token presented on every request. Leave empty for servers without token auth."`
	Username   string `name:"username"    json:"username"    yaml:"username"    description:"Username stamped into kernel messages. Defaults to the protocol default when empty."`
	KernelSpec string `name:"kernel-spec" json:"kernel-spec" yaml:"kernel-spec" description:"Name of the kernel spec to launch for notebook executions, e.g. python3."`

	ScratchDir string `name:"scratch-dir" json:"scratch-dir" yaml:"scratch-dir" description:"Local directory whose writes are mirrored to the remote server. File sync is disabled when empty."`
	RemoteDir  string `name:"remote-dir"  json:"remote-dir"  yaml:"remote-dir"  description:"Remote directory that mirrored files are uploaded under."`

	MetricsIntervalSeconds int `name:"metrics-interval" json:"metrics-interval" yaml:"metrics-interval" description:"Seconds between resource-usage polls. Polling is disabled when 0."`
	RequestTimeoutSeconds  int `name:"request-timeout"  json:"request-timeout"  yaml:"request-timeout"  description:"Seconds to wait for one kernel request to complete before giving up."`
}

func (opts *ClientOptions) Validate() error {
	if opts.ServerURL == "" {
		return fmt.Errorf("server-url is required")
	}

	if !strings.HasPrefix(opts.ServerURL, "http://") && !strings.HasPrefix(opts.ServerURL, "https://") {
		return fmt.Errorf("server-url must be an http:// or https:// URL, got \"%s\"", opts.ServerURL)
	}

	if opts.KernelSpec == "" {
		return fmt.Errorf("kernel-spec is required")
	}

	if opts.ScratchDir != "" && opts.RemoteDir == "" {
		return fmt.Errorf("remote-dir is required when scratch-dir is set")
	}

	return nil
}

// ToServerConnection builds the connection context the jupyter packages share.
func (opts *ClientOptions) ToServerConnection() *jupyter.ServerConnection {
	return &jupyter.ServerConnection{
		BaseURL:  strings.TrimRight(opts.ServerURL, "/"),
		Token:    opts.Token,
		Username: opts.Username,
	}
}

// RequestTimeout returns the per-request timeout, falling back to the protocol
// default when unset.
func (opts *ClientOptions) RequestTimeout() time.Duration {
	if opts.RequestTimeoutSeconds <= 0 {
		return jupyter.DefaultRequestTimeout
	}

	return time.Duration(opts.RequestTimeoutSeconds) * time.Second
}

// MetricsInterval returns the resource-usage polling interval, or 0 when
// polling is disabled.
func (opts *ClientOptions) MetricsInterval() time.Duration {
	return time.Duration(opts.MetricsIntervalSeconds) * time.Second
}

// SyncEnabled reports whether local-to-remote file mirroring is configured.
func (opts *ClientOptions) SyncEnabled() bool {
	return opts.ScratchDir != ""
}

func (opts *ClientOptions) Clone() *ClientOptions {
	clone := *opts
	return &clone
}

func (opts *ClientOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *ClientOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}
