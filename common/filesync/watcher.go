package filesync

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/scusemua/remote-notebook/common/jupyter/api"
)

const (
	// DefaultSettleDelay is how long a file must go untouched before it is
	// uploaded. Editors write files in bursts; uploading on the first event
	// would push half-written content.
	DefaultSettleDelay = 500 * time.Millisecond

	flushInterval = 250 * time.Millisecond
)

// Uploader pushes one local file's text to its remote path. Satisfied by
// api.ContentsManager.
type Uploader interface {
	Save(ctx context.Context, remotePath string, text string) (*api.ContentsModel, error)
}

// Watcher mirrors writes under a local scratch directory to a remote directory
// through the contents API. Changed files are queued and uploaded once they
// settle, in the order they were first touched; a failed upload stays queued
// and is retried on the next flush.
type Watcher struct {
	localDir  string
	remoteDir string

	uploader Uploader
	settle   time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending *orderedmap.OrderedMap[string, time.Time]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	log logger.Logger
}

func NewWatcher(localDir string, remoteDir string, uploader Uploader) *Watcher {
	watcher := &Watcher{
		localDir:  localDir,
		remoteDir: remoteDir,
		uploader:  uploader,
		settle:    DefaultSettleDelay,
		pending:   orderedmap.NewOrderedMap[string, time.Time](),
		done:      make(chan struct{}),
	}
	watcher.ctx, watcher.cancel = context.WithCancel(context.Background())
	config.InitLogger(&watcher.log, watcher)

	return watcher
}

// SetSettleDelay overrides the settle delay. Only meaningful before Start.
func (w *Watcher) SetSettleDelay(d time.Duration) {
	w.settle = d
}

// Start begins watching the local directory. It fails if the directory does
// not exist or cannot be watched.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrapf(err, "failed to create file system watcher for \"%s\"", w.localDir)
	}

	if err = fsw.Add(w.localDir); err != nil {
		_ = fsw.Close()
		return errors.Wrapf(err, "failed to watch directory \"%s\"", w.localDir)
	}

	w.fsw = fsw
	go w.run()

	w.log.Debug("Watching \"%s\"; mirroring to remote \"%s\".", w.localDir, w.remoteDir)
	return nil
}

// Close stops the watcher. Files still pending are abandoned; call Flush first
// to drain them.
func (w *Watcher) Close() error {
	w.cancel()

	if w.fsw == nil {
		return nil
	}

	err := w.fsw.Close()
	<-w.done
	return err
}

// Pending returns the local paths queued for upload, oldest first.
func (w *Watcher) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, w.pending.Len())
	for el := w.pending.Front(); el != nil; el = el.Next() {
		paths = append(paths, el.Key)
	}

	return paths
}

// Mark queues a local file for upload as if a write event had arrived for it.
func (w *Watcher) Mark(localPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending.Set(localPath, time.Now())
}

// Flush uploads every queued file regardless of settle time. Files whose
// upload fails remain queued; the first failure is returned.
func (w *Watcher) Flush(ctx context.Context) error {
	return w.flush(ctx, true)
}

func (w *Watcher) run() {
	defer close(w.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("File system watcher error: %v", err)
		case <-ticker.C:
			if err := w.flush(w.ctx, false); err != nil {
				w.log.Warn("Upload pass failed: %v", err)
			}
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	w.log.Trace("Queueing \"%s\" for upload.", event.Name)
	w.Mark(event.Name)
}

// flush walks the queue in insertion order and uploads every entry that has
// settled (or all of them, when forced). Entries are only removed after a
// successful upload.
func (w *Watcher) flush(ctx context.Context, force bool) error {
	now := time.Now()

	w.mu.Lock()
	type queued struct {
		localPath string
		queuedAt  time.Time
	}
	batch := make([]queued, 0, w.pending.Len())
	for el := w.pending.Front(); el != nil; el = el.Next() {
		if force || now.Sub(el.Value) >= w.settle {
			batch = append(batch, queued{localPath: el.Key, queuedAt: el.Value})
		}
	}
	w.mu.Unlock()

	var firstErr error
	for _, item := range batch {
		if err := w.upload(ctx, item.localPath); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		w.mu.Lock()
		// A newer event may have requeued the file while we were uploading;
		// only dequeue if ours is still the recorded one.
		if at, ok := w.pending.Get(item.localPath); ok && at.Equal(item.queuedAt) {
			w.pending.Delete(item.localPath)
		}
		w.mu.Unlock()
	}

	return firstErr
}

func (w *Watcher) upload(ctx context.Context, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted between the event and the upload; nothing to mirror.
			w.mu.Lock()
			w.pending.Delete(localPath)
			w.mu.Unlock()
			return nil
		}
		return errors.Wrapf(err, "failed to read \"%s\"", localPath)
	}

	remotePath, err := w.remotePathFor(localPath)
	if err != nil {
		return err
	}

	if _, err = w.uploader.Save(ctx, remotePath, string(data)); err != nil {
		return errors.Wrapf(err, "failed to upload \"%s\" to \"%s\"", localPath, remotePath)
	}

	w.log.Debug("Uploaded \"%s\" to remote \"%s\" (%d bytes).", localPath, remotePath, len(data))
	return nil
}

func (w *Watcher) remotePathFor(localPath string) (string, error) {
	rel, err := filepath.Rel(w.localDir, localPath)
	if err != nil {
		return "", errors.Wrapf(err, "\"%s\" is not under \"%s\"", localPath, w.localDir)
	}

	return path.Join(w.remoteDir, filepath.ToSlash(rel)), nil
}
