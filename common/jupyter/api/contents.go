package api

import (
	"context"
	"net/http"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	ContentTypeFile      = "file"
	ContentTypeNotebook  = "notebook"
	ContentTypeDirectory = "directory"

	ContentFormatText   = "text"
	ContentFormatBase64 = "base64"
	ContentFormatJSON   = "json"
)

// ContentsModel is one /api/contents entry: a file, notebook, or directory on
// the remote filesystem. Content is kept raw because its shape depends on the
// entry's type and format; use Text and Entries to decode it.
type ContentsModel struct {
	Name         string          `json:"name"`
	Path         string          `json:"path"`
	Type         string          `json:"type"`
	Format       string          `json:"format,omitempty"`
	Mimetype     string          `json:"mimetype,omitempty"`
	LastModified string          `json:"last_modified,omitempty"`
	Created      string          `json:"created,omitempty"`
	Size         int64           `json:"size,omitempty"`
	Writable     bool            `json:"writable"`
	Content      json.RawMessage `json:"content,omitempty"`
}

// Text decodes the content payload as a string. Only valid for text-format
// file entries.
func (m *ContentsModel) Text() (string, error) {
	var text string
	if err := json.Unmarshal(m.Content, &text); err != nil {
		return "", errors.Wrapf(err, "content of \"%s\" is not text", m.Path)
	}

	return text, nil
}

// Entries decodes the content payload as a directory listing. Only valid for
// directory entries.
func (m *ContentsModel) Entries() ([]*ContentsModel, error) {
	var entries []*ContentsModel
	if err := json.Unmarshal(m.Content, &entries); err != nil {
		return nil, errors.Wrapf(err, "content of \"%s\" is not a directory listing", m.Path)
	}

	return entries, nil
}

// ContentsManager reads and writes the remote filesystem through the server's
// contents API. It is the only way this client touches remote files; there is
// no shell-level access to the host.
type ContentsManager struct {
	client *Client

	log logger.Logger
}

func NewContentsManager(client *Client) *ContentsManager {
	manager := &ContentsManager{
		client: client,
	}
	config.InitLogger(&manager.log, manager)

	return manager
}

// Get fetches the entry at the given remote path. When includeContent is
// false, only the metadata is fetched, which is what the tree view wants for
// large files.
func (m *ContentsManager) Get(ctx context.Context, remotePath string, includeContent bool) (*ContentsModel, error) {
	url := m.client.Server().ContentsURL(remotePath)
	if !includeContent {
		url += "?content=0"
	}

	var model ContentsModel
	if err := m.client.do(ctx, http.MethodGet, url, nil, &model); err != nil {
		return nil, err
	}

	return &model, nil
}

// List returns the entries of the given remote directory.
func (m *ContentsManager) List(ctx context.Context, remotePath string) ([]*ContentsModel, error) {
	model, err := m.Get(ctx, remotePath, true)
	if err != nil {
		return nil, err
	}

	if model.Type != ContentTypeDirectory {
		return nil, errors.Errorf("remote path \"%s\" is a %s, not a directory", remotePath, model.Type)
	}

	return model.Entries()
}

// Save uploads the given text as the file at the remote path, creating or
// overwriting it.
func (m *ContentsManager) Save(ctx context.Context, remotePath string, text string) (*ContentsModel, error) {
	return m.save(ctx, remotePath, text, ContentFormatText)
}

// SaveBase64 uploads base64-encoded binary content to the remote path.
func (m *ContentsManager) SaveBase64(ctx context.Context, remotePath string, encoded string) (*ContentsModel, error) {
	return m.save(ctx, remotePath, encoded, ContentFormatBase64)
}

func (m *ContentsManager) save(ctx context.Context, remotePath string, content string, format string) (*ContentsModel, error) {
	body := map[string]interface{}{
		"type":    ContentTypeFile,
		"format":  format,
		"content": content,
	}

	var model ContentsModel
	url := m.client.Server().ContentsURL(remotePath)
	if err := m.client.do(ctx, http.MethodPut, url, body, &model); err != nil {
		m.log.Error("Failed to save remote file \"%s\" because: %v", remotePath, err)
		return nil, err
	}

	m.log.Debug("Saved remote file \"%s\" (%d bytes).", remotePath, len(content))
	return &model, nil
}

// Rename moves the entry at oldPath to newPath.
func (m *ContentsManager) Rename(ctx context.Context, oldPath string, newPath string) (*ContentsModel, error) {
	body := map[string]interface{}{"path": newPath}

	var model ContentsModel
	url := m.client.Server().ContentsURL(oldPath)
	if err := m.client.do(ctx, http.MethodPatch, url, body, &model); err != nil {
		return nil, err
	}

	return &model, nil
}

// Delete removes the entry at the given remote path.
func (m *ContentsManager) Delete(ctx context.Context, remotePath string) error {
	url := m.client.Server().ContentsURL(remotePath)
	return m.client.do(ctx, http.MethodDelete, url, nil, nil)
}
