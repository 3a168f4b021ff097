package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type collector struct {
	mu    sync.Mutex
	files []string
}

func (c *collector) handle(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, filepath.Base(path))
	return nil
}

func (c *collector) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.files...)
}

func fastOptions() Options {
	return Options{
		Debounce:      20 * time.Millisecond,
		ReadyInterval: 10 * time.Millisecond,
	}
}

func TestFileWatcher_NewArchive(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	opts := fastOptions()
	opts.ProcessedDir = "done"

	fw, err := NewFileWatcher(dir, opts, c.handle, testLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "App.JAR"), []byte("PK\x03\x04 payload"), 0o644))

	assert.Eventually(t, func() bool { return len(c.seen()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"App.JAR"}, c.seen())

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "done", "App.JAR"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_ScanExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.zip"), []byte("data"), 0o644))

	c := &collector{}
	opts := fastOptions()
	opts.ScanExisting = true
	fw, err := NewFileWatcher(dir, opts, c.handle, testLogger())
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))
	defer fw.Stop()

	assert.Eventually(t, func() bool { return len(c.seen()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "old.zip", c.seen()[0])
}

func TestFileWatcher_EmptyFileNeverReady(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWatcher(dir, fastOptions(), func(context.Context, string) error { return nil }, testLogger())
	require.NoError(t, err)
	defer fw.Stop()

	path := filepath.Join(dir, "empty.jar")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.Error(t, fw.waitForFileReady(context.Background(), path))
	assert.Error(t, fw.waitForFileReady(context.Background(), filepath.Join(dir, "missing.jar")))
}

func TestFileWatcher_MatchPattern(t *testing.T) {
	fw := &FileWatcher{opts: Options{Patterns: DefaultPatterns}}
	assert.True(t, fw.matchPattern("lib.jar"))
	assert.True(t, fw.matchPattern("LIB.ZIP"))
	assert.False(t, fw.matchPattern("lib.jar.tmp"))
	assert.False(t, fw.matchPattern("readme.md"))

	_, err := NewFileWatcher(t.TempDir(), Options{Patterns: []string{"[bad"}}, nil, testLogger())
	assert.Error(t, err)
}

func TestFileWatcher_StopTwice(t *testing.T) {
	fw, err := NewFileWatcher(t.TempDir(), fastOptions(), func(context.Context, string) error { return nil }, testLogger())
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))
	assert.NoError(t, fw.Stop())
	assert.NoError(t, fw.Stop())
}
