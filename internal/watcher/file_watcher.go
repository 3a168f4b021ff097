// Package watcher 监控投递目录，新出现的归档自动创建混淆任务
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultPatterns 默认匹配的归档类型
var DefaultPatterns = []string{"*.jar", "*.zip"}

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Options 监控参数
type Options struct {
	Patterns []string
	// Debounce 同一文件连续事件的合并窗口
	Debounce time.Duration
	// ReadyInterval 判断文件写入完成时两次检查的间隔
	ReadyInterval time.Duration
	// ScanExisting 启动时处理目录中已有的文件
	ScanExisting bool
	// ProcessedDir 处理成功后移入的子目录，为空时保留原文件
	ProcessedDir string
}

// FileWatcher 文件监控器
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	opts     Options
	handler  FileHandler
	logger   *logrus.Logger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewFileWatcher 创建文件监控器，目录不存在时创建
func NewFileWatcher(watchDir string, opts Options, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	if len(opts.Patterns) == 0 {
		opts.Patterns = DefaultPatterns
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = 500 * time.Millisecond
	}
	for _, p := range opts.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}

	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"patterns":  opts.Patterns,
	}).Info("File watcher created")

	return &FileWatcher{
		watcher:    watcher,
		watchDir:   watchDir,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}, nil
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.opts.ScanExisting {
		if err := fw.scanExistingFiles(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	fw.wg.Add(1)
	go fw.eventLoop(ctx)

	fw.logger.Info("File watcher started")
	return nil
}

// scanExistingFiles 处理目录中已有的文件
func (fw *FileWatcher) scanExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !fw.matchPattern(entry.Name()) {
			continue
		}
		fw.schedule(ctx, filepath.Join(fw.watchDir, entry.Name()))
	}
	return nil
}

// eventLoop 事件循环
func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			// 只处理创建、写入与移入事件
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fw.matchPattern(filepath.Base(event.Name)) {
				continue
			}
			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")
			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：同一文件在窗口内多次触发只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if timer, exists := fw.timers[path]; exists {
		timer.Stop()
	}
	fw.timers[path] = time.AfterFunc(fw.opts.Debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, path)
		fw.mu.Unlock()
		fw.handleFile(ctx, path)
	})
}

// handleFile 处理文件
func (fw *FileWatcher) handleFile(ctx context.Context, path string) {
	fw.mu.Lock()
	if fw.processing[path] {
		fw.mu.Unlock()
		return
	}
	fw.processing[path] = true
	fw.mu.Unlock()
	defer func() {
		fw.mu.Lock()
		delete(fw.processing, path)
		fw.mu.Unlock()
	}()

	entry := fw.logger.WithField("file", path)
	if err := fw.waitForFileReady(ctx, path); err != nil {
		entry.WithError(err).Warn("File not ready")
		return
	}
	if err := fw.handler(ctx, path); err != nil {
		entry.WithError(err).Error("Failed to process file")
		return
	}
	entry.Info("File submitted")

	if fw.opts.ProcessedDir != "" {
		dir := filepath.Join(fw.watchDir, fw.opts.ProcessedDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			entry.WithError(err).Warn("Failed to create processed directory")
			return
		}
		if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil {
			entry.WithError(err).Warn("Failed to move processed file")
		}
	}
}

// waitForFileReady 文件大小在两次检查之间保持不变时视为写入完成
func (fw *FileWatcher) waitForFileReady(ctx context.Context, path string) error {
	const maxAttempts = 10
	var last int64 = -1
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			return err
		}
		if info.Size() > 0 && info.Size() == last {
			return nil
		}
		last = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fw.stopChan:
			return fmt.Errorf("watcher stopped")
		case <-time.After(fw.opts.ReadyInterval):
		}
	}
	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

// matchPattern 文件名是否匹配任一模式（不区分大小写）
func (fw *FileWatcher) matchPattern(fileName string) bool {
	name := strings.ToLower(fileName)
	for _, p := range fw.opts.Patterns {
		if ok, _ := filepath.Match(strings.ToLower(p), name); ok {
			return true
		}
	}
	return false
}

// Stop 停止文件监控
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.stopChan)
		fw.mu.Lock()
		for path, t := range fw.timers {
			t.Stop()
			delete(fw.timers, path)
		}
		fw.mu.Unlock()
		err = fw.watcher.Close()
		fw.wg.Wait()
		fw.logger.Info("File watcher stopped")
	})
	return err
}

// GetWatchDir 获取监控目录
func (fw *FileWatcher) GetWatchDir() string {
	return fw.watchDir
}
