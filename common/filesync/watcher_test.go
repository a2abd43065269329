package filesync_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/scusemua/remote-notebook/common/filesync"
	"github.com/scusemua/remote-notebook/common/jupyter/api"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// recordingUploader captures every Save and can be told to fail.
type recordingUploader struct {
	mu      sync.Mutex
	saves   map[string]string
	order   []string
	failing bool
}

func newRecordingUploader() *recordingUploader {
	return &recordingUploader{saves: make(map[string]string)}
}

func (u *recordingUploader) Save(ctx context.Context, remotePath string, text string) (*api.ContentsModel, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.failing {
		return nil, errors.New("server unreachable")
	}

	u.saves[remotePath] = text
	u.order = append(u.order, remotePath)

	return &api.ContentsModel{Path: remotePath, Type: api.ContentTypeFile}, nil
}

func (u *recordingUploader) setFailing(failing bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failing = failing
}

func (u *recordingUploader) get(remotePath string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	text, ok := u.saves[remotePath]
	return text, ok
}

func (u *recordingUploader) uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]string, len(u.order))
	copy(out, u.order)
	return out
}

var _ = Describe("Watcher", func() {
	var (
		localDir string
		uploader *recordingUploader
		watcher  *filesync.Watcher
	)

	BeforeEach(func() {
		localDir = GinkgoT().TempDir()
		uploader = newRecordingUploader()
		watcher = filesync.NewWatcher(localDir, "remote/scratch", uploader)
		watcher.SetSettleDelay(20 * time.Millisecond)
	})

	AfterEach(func() {
		_ = watcher.Close()
	})

	It("Should upload a written file to its mirrored remote path", func() {
		Expect(watcher.Start()).To(BeNil())

		localPath := filepath.Join(localDir, "analysis.py")
		Expect(os.WriteFile(localPath, []byte("x = 1\n"), 0o644)).To(BeNil())

		Eventually(func() bool {
			_, ok := uploader.get("remote/scratch/analysis.py")
			return ok
		}, 3*time.Second, 20*time.Millisecond).Should(BeTrue())

		text, _ := uploader.get("remote/scratch/analysis.py")
		Expect(text).To(Equal("x = 1\n"))
		Expect(watcher.Pending()).To(BeEmpty())
	})

	It("Should upload the final content of a file written in bursts", func() {
		Expect(watcher.Start()).To(BeNil())

		localPath := filepath.Join(localDir, "burst.py")
		Expect(os.WriteFile(localPath, []byte("draft"), 0o644)).To(BeNil())
		Expect(os.WriteFile(localPath, []byte("final"), 0o644)).To(BeNil())

		Eventually(func() string {
			text, _ := uploader.get("remote/scratch/burst.py")
			return text
		}, 3*time.Second, 20*time.Millisecond).Should(Equal("final"))
	})

	It("Should ignore hidden and editor backup files", func() {
		Expect(watcher.Start()).To(BeNil())

		Expect(os.WriteFile(filepath.Join(localDir, ".hidden.swp"), []byte("x"), 0o644)).To(BeNil())
		Expect(os.WriteFile(filepath.Join(localDir, "draft.py~"), []byte("x"), 0o644)).To(BeNil())
		Expect(os.WriteFile(filepath.Join(localDir, "real.py"), []byte("x"), 0o644)).To(BeNil())

		Eventually(func() []string {
			return uploader.uploaded()
		}, 3*time.Second, 20*time.Millisecond).Should(Equal([]string{"remote/scratch/real.py"}))
	})

	It("Should keep failed uploads queued and retry them", func() {
		uploader.setFailing(true)
		Expect(watcher.Start()).To(BeNil())

		localPath := filepath.Join(localDir, "unlucky.py")
		Expect(os.WriteFile(localPath, []byte("y = 2\n"), 0o644)).To(BeNil())

		Eventually(watcher.Pending, 3*time.Second, 20*time.Millisecond).Should(ContainElement(localPath))
		Consistently(func() int { return len(uploader.uploaded()) }, 200*time.Millisecond).Should(Equal(0))

		uploader.setFailing(false)

		Eventually(func() bool {
			_, ok := uploader.get("remote/scratch/unlucky.py")
			return ok
		}, 3*time.Second, 20*time.Millisecond).Should(BeTrue())
		Expect(watcher.Pending()).To(BeEmpty())
	})

	It("Should upload marked files in the order they were queued on Flush", func() {
		// No Start: Mark and Flush drive the queue directly.
		first := filepath.Join(localDir, "first.py")
		second := filepath.Join(localDir, "second.py")
		Expect(os.WriteFile(first, []byte("1"), 0o644)).To(BeNil())
		Expect(os.WriteFile(second, []byte("2"), 0o644)).To(BeNil())

		watcher.Mark(first)
		watcher.Mark(second)

		Expect(watcher.Flush(context.Background())).To(BeNil())
		Expect(uploader.uploaded()).To(Equal([]string{
			"remote/scratch/first.py",
			"remote/scratch/second.py",
		}))
	})

	It("Should drop queued files that vanish before upload", func() {
		ghost := filepath.Join(localDir, "ghost.py")
		watcher.Mark(ghost)

		Expect(watcher.Flush(context.Background())).To(BeNil())
		Expect(uploader.uploaded()).To(BeEmpty())
		Expect(watcher.Pending()).To(BeEmpty())
	})

	It("Should fail to start on a missing directory", func() {
		missing := filesync.NewWatcher(filepath.Join(localDir, "does-not-exist"), "remote", uploader)
		Expect(missing.Start()).ToNot(BeNil())
	})
})
