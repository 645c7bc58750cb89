package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/postwatch/internal/audit"
	"github.com/msageha/postwatch/internal/control"
	"github.com/msageha/postwatch/internal/model"
	"github.com/msageha/postwatch/internal/publish"
	"github.com/msageha/postwatch/internal/store"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *stubPublisher) Publish(_ context.Context, post *model.Post) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, post.ID)
	if s.err != nil {
		return "", s.err
	}
	return "ref-" + post.Name(), nil
}

func (s *stubPublisher) published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func testConfig(t *testing.T) model.Config {
	t.Helper()
	cfg, err := model.LoadConfig(filepath.Join(t.TempDir(), "no-config.yaml"))
	require.NoError(t, err)
	cfg.Timezone = "UTC"
	cfg.Watcher.DebounceSec = 0.05
	cfg.Publish.TimeoutSec = 2
	return cfg
}

func writePost(t *testing.T, queueDir, date, name, descriptor string) string {
	t.Helper()
	dir := filepath.Join(queueDir, date, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "post.yaml"), []byte(descriptor), 0644))
	return dir
}

// startDaemon runs the daemon until the test finishes.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})
}

func settledDirs(t *testing.T, root string) []string {
	t.Helper()
	var dirs []string
	filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if _, statErr := os.Stat(filepath.Join(path, "post.yaml")); statErr == nil {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs
}

func TestDaemon_PublishesDuePost(t *testing.T) {
	dataDir := t.TempDir()
	paths := model.DataPaths(dataDir)
	writePost(t, paths.Queue, "2025-02-01", "abc",
		"text: Hello\npublish_at: 2025-02-01T09:00:00Z\nlabels: [morning]\n")

	pub := &stubPublisher{}
	d, err := New(dataDir, testConfig(t), pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	startDaemon(t, d)

	require.Eventually(t, func() bool {
		return len(settledDirs(t, paths.Sent)) == 1
	}, 5*time.Second, 20*time.Millisecond, "due post should settle into sent/")

	// Gone from the queue, exactly one audit record, schedule empty.
	assert.Empty(t, settledDirs(t, paths.Queue))
	assert.Equal(t, []string{filepath.Join("2025-02-01", "abc")}, pub.published())

	records, err := audit.ReadAll(paths.AuditLog)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusSent, records[0].Status)
	assert.Equal(t, "ref-abc", records[0].Reference)

	assert.Empty(t, d.StoreSnapshot())
}

func TestDaemon_PublishFailureSettlesToFailed(t *testing.T) {
	dataDir := t.TempDir()
	paths := model.DataPaths(dataDir)
	writePost(t, paths.Queue, "2025-02-01", "abc",
		"text: Hello\npublish_at: 2025-02-01T09:00:00Z\nlabels: [morning]\n")

	pub := &stubPublisher{err: fmt.Errorf("rate_limited")}
	d, err := New(dataDir, testConfig(t), pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	startDaemon(t, d)

	require.Eventually(t, func() bool {
		return len(settledDirs(t, paths.Failed)) == 1
	}, 5*time.Second, 20*time.Millisecond, "failed post should settle into failed/")

	records, err := audit.ReadAll(paths.AuditLog)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusFailed, records[0].Status)
	assert.Equal(t, "rate_limited", records[0].Error)

	// No automatic retry: exactly one attempt, schedule empty.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, pub.published(), 1)
	assert.Empty(t, d.StoreSnapshot())
}

func TestDaemon_TieBreakProcessedInIDOrder(t *testing.T) {
	dataDir := t.TempDir()
	paths := model.DataPaths(dataDir)
	descriptor := "text: Hello\npublish_at: 2025-02-01T09:00:00Z\nlabels: [morning]\n"
	writePost(t, paths.Queue, "2025-02-01", "bbb", descriptor)
	writePost(t, paths.Queue, "2025-02-01", "aaa", descriptor)

	pub := &stubPublisher{}
	d, err := New(dataDir, testConfig(t), pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	startDaemon(t, d)

	require.Eventually(t, func() bool {
		return len(pub.published()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{
		filepath.Join("2025-02-01", "aaa"),
		filepath.Join("2025-02-01", "bbb"),
	}, pub.published(), "equal due times fire in identity order")
}

func TestDaemon_FsEventTriggersDebouncedRescan(t *testing.T) {
	dataDir := t.TempDir()
	paths := model.DataPaths(dataDir)
	require.NoError(t, os.MkdirAll(paths.Queue, 0755))

	pub := &stubPublisher{}
	d, err := New(dataDir, testConfig(t), pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	startDaemon(t, d)

	// Let the daemon reach idle, then drop a due post into the queue.
	time.Sleep(100 * time.Millisecond)
	writePost(t, paths.Queue, "2025-02-01", "late",
		"text: Hello\npublish_at: 2025-02-01T09:00:00Z\nlabels: [day]\n")

	require.Eventually(t, func() bool {
		return len(settledDirs(t, paths.Sent)) == 1
	}, 5*time.Second, 20*time.Millisecond, "debounced rescan should pick up the new post")
}

func TestDaemon_RestartFiresRestoredPastPost(t *testing.T) {
	dataDir := t.TempDir()
	paths := model.DataPaths(dataDir)
	dir := writePost(t, paths.Queue, "2025-02-01", "abc", "text: Hello\nlabels: [night]\n")

	// A previous run persisted this post with an already-elapsed deadline.
	past := time.Date(2025, 2, 1, 22, 30, 0, 0, time.UTC)
	prev := store.New(paths.Snapshot, dataDir, true)
	prev.Merge([]*model.Post{{
		ID:          filepath.Join("2025-02-01", "abc"),
		Dir:         dir,
		Text:        "Hello",
		Labels:      []string{"night"},
		Slot:        model.SlotNight,
		Date:        "2025-02-01",
		ScheduledAt: past,
	}})
	require.NoError(t, prev.Persist())

	pub := &stubPublisher{}
	d, err := New(dataDir, testConfig(t), pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	startDaemon(t, d)

	require.Eventually(t, func() bool {
		return len(settledDirs(t, paths.Sent)) == 1
	}, 5*time.Second, 20*time.Millisecond, "restored past-due post should fire promptly")

	records, err := audit.ReadAll(paths.AuditLog)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].ScheduledAt.Equal(past), "restored scheduled time is preserved")
}

func TestDaemon_ShutdownPersistsSnapshot(t *testing.T) {
	dataDir := t.TempDir()
	paths := model.DataPaths(dataDir)
	// A post far in the future stays pending across the whole run.
	writePost(t, paths.Queue, "2099-01-01", "future",
		"text: Hello\nlabels: [morning]\n")

	pub := &stubPublisher{}
	d, err := New(dataDir, testConfig(t), pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(d.StoreSnapshot()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	restored := store.New(paths.Snapshot, dataDir, true)
	_, err = restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Len(), "pending post survives shutdown in the snapshot")
	assert.Empty(t, pub.published())
}

func TestDaemon_NewAcceptsZeroConfig(t *testing.T) {
	dataDir := t.TempDir()
	paths := model.DataPaths(dataDir)
	require.NoError(t, os.MkdirAll(paths.Queue, 0755))

	// A literal Config that never went through LoadConfig must not panic.
	d, err := New(dataDir, model.Config{}, &stubPublisher{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NotNil(t, d)
}

func TestDaemon_MissingQueueRootIsFatal(t *testing.T) {
	dataDir := t.TempDir()
	_, err := New(dataDir, testConfig(t), &stubPublisher{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue root")
}

func TestDaemon_BookkeepingFailureAfterMoveDropsPost(t *testing.T) {
	dataDir := t.TempDir()
	paths := model.DataPaths(dataDir)
	dir := writePost(t, paths.Queue, "2025-02-01", "abc",
		"text: Hello\nlabels: [morning]\n")

	d, err := New(dataDir, testConfig(t), &stubPublisher{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	post := &model.Post{
		ID:          filepath.Join("2025-02-01", "abc"),
		Dir:         dir,
		Text:        "Hello",
		Labels:      []string{"morning"},
		Slot:        model.SlotMorning,
		Date:        "2025-02-01",
		ScheduledAt: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	d.store.Seed([]*model.Post{post})

	// Break the audit log so settlement fails after the folder has moved.
	require.NoError(t, d.auditLog.Close())
	d.process(context.Background(), post)

	// The move is irrevocable, so the post must leave the schedule instead
	// of being deferred for a retry that can never find the folder.
	_, ok := d.store.Get(post.ID)
	assert.False(t, ok, "post should be removed, not deferred")
	assert.NoDirExists(t, dir)
	assert.Len(t, settledDirs(t, paths.Sent), 1)
}

func TestDaemon_ControlSocketStatusAndScan(t *testing.T) {
	dataDir := t.TempDir()
	paths := model.DataPaths(dataDir)
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	writePost(t, paths.Queue, "2025-02-01", "abc",
		"text: Hello\npublish_at: "+future+"\nlabels: [morning]\n")

	d, err := New(dataDir, testConfig(t), &stubPublisher{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	startDaemon(t, d)

	client := control.NewClient(paths.Socket)
	require.Eventually(t, func() bool {
		return client.Send("ping", nil, nil) == nil
	}, 5*time.Second, 20*time.Millisecond, "control socket should come up")

	var info StatusInfo
	require.NoError(t, client.Send("status", nil, &info))
	assert.Equal(t, StateArmed, info.State)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, 1, info.Pending)
	require.NotNil(t, info.NextAt)

	// A queued rescan picks up posts dropped without any fs event reaching
	// the gate first.
	writePost(t, paths.Queue, "2025-02-02", "def",
		"text: Later\npublish_at: "+future+"\nlabels: [day]\n")
	require.NoError(t, client.Send("scan", nil, nil))

	require.Eventually(t, func() bool {
		var s StatusInfo
		if err := client.Send("status", nil, &s); err != nil {
			return false
		}
		return s.Pending == 2
	}, 5*time.Second, 20*time.Millisecond, "requested rescan should merge the new post")
}

func TestDaemon_ControlSocketShutdown(t *testing.T) {
	dataDir := t.TempDir()
	paths := model.DataPaths(dataDir)
	require.NoError(t, os.MkdirAll(paths.Queue, 0755))

	d, err := New(dataDir, testConfig(t), &stubPublisher{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	client := control.NewClient(paths.Socket)
	require.Eventually(t, func() bool {
		return client.Send("ping", nil, nil) == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, client.Send("shutdown", nil, nil))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after shutdown command")
	}

	// The snapshot survives and the socket is cleaned up.
	_, err = os.Stat(paths.Snapshot)
	assert.NoError(t, err)
	_, err = os.Stat(paths.Socket)
	assert.True(t, os.IsNotExist(err))
}

var _ publish.Publisher = (*stubPublisher)(nil)
