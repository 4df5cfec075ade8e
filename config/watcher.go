// 文件与目录变更监听器实现。
//
// 轮询 mtime 触发回调，用于工作流定义目录热重载和配置文件监听。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileOp represents the kind of change a poll detected.
type FileOp int

const (
	// FileOpCreate 新文件出现
	FileOpCreate FileOp = iota + 1
	// FileOpWrite 已有文件被修改
	FileOpWrite
	// FileOpRemove 文件消失
	FileOpRemove
)

// String returns the operation name.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent represents a single detected file change.
type FileEvent struct {
	// Path 变更文件的路径
	Path string `json:"path"`

	// Op 操作类型
	Op FileOp `json:"op"`

	// Timestamp 检测到变更的时间
	Timestamp time.Time `json:"timestamp"`
}

// FileWatcher polls a set of files and directories for changes.
//
// 注册目录时按扩展名过滤其下的普通文件（默认 .yaml / .yml），
// 每次轮询重新展开，目录里新出现的文件同样会触发事件；
// 显式注册的单个文件不做扩展名过滤。
type FileWatcher struct {
	mu sync.RWMutex

	// 配置
	paths         []string
	exts          map[string]bool
	pollInterval  time.Duration
	debounceDelay time.Duration

	// 状态
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	// 事件通道（pollLoop → dispatchLoop）
	eventChan chan FileEvent

	// 回调
	callbacks []func(event FileEvent)

	// 记录器
	logger *zap.Logger

	// 每个被跟踪文件的最后修改时间
	lastModTimes map[string]time.Time
}

// WatcherOption configures a FileWatcher.
type WatcherOption func(*FileWatcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDebounceDelay 设置事件去抖窗口
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.debounceDelay = d
		}
	}
}

// WithExtensions 设置目录扫描时匹配的扩展名（例如 ".yaml", ".json"）
func WithExtensions(exts ...string) WatcherOption {
	return func(w *FileWatcher) {
		w.exts = make(map[string]bool, len(exts))
		for _, ext := range exts {
			ext = strings.ToLower(ext)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			w.exts[ext] = true
		}
	}
}

// WithWatcherLogger 设置记录器
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewFileWatcher creates a watcher over the given files or directories.
// 路径暂不存在只记警告，之后出现时自动纳入监听。
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         make([]string, 0, len(paths)),
		exts:          map[string]bool{".yaml": true, ".yml": true},
		pollInterval:  1 * time.Second,
		debounceDelay: 100 * time.Millisecond,
		eventChan:     make(chan FileEvent, 64),
		logger:        zap.NewNop(),
		lastModTimes:  make(map[string]time.Time),
	}

	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "file_watcher"))

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve path %s: %w", p, err)
		}
		if _, err := os.Stat(abs); err != nil {
			w.logger.Warn("watched path does not exist yet", zap.String("path", abs))
		}
		w.paths = append(w.paths, abs)
	}

	return w, nil
}

// --- 路径管理 ---

// Paths returns the registered files and directories.
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.paths))
	copy(out, w.paths)
	return out
}

// AddPath registers an additional file or directory.
func (w *FileWatcher) AddPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.paths {
		if p == abs {
			return nil
		}
	}
	w.paths = append(w.paths, abs)

	// 立即记录基线，避免下一次轮询把存量文件当成新增
	for file, mod := range w.scan([]string{abs}) {
		w.lastModTimes[file] = mod
	}
	return nil
}

// RemovePath drops a registered file or directory.
func (w *FileWatcher) RemovePath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, p := range w.paths {
		if p != abs {
			continue
		}
		w.paths = append(w.paths[:i], w.paths[i+1:]...)
		for file := range w.lastModTimes {
			if file == abs || strings.HasPrefix(file, abs+string(filepath.Separator)) {
				delete(w.lastModTimes, file)
			}
		}
		return nil
	}
	return fmt.Errorf("path not found: %s", path)
}

// OnChange registers a callback invoked for every dispatched event.
func (w *FileWatcher) OnChange(fn func(event FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// --- 生命周期 ---

// Start begins polling. 重复调用返回错误。
//
// ctx 取消会停止内部循环，但 IsRunning 直到显式 Stop 才翻转。
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})

	// 启动基线：当前存在的文件不触发 CREATE
	w.lastModTimes = w.scan(w.paths)
	w.mu.Unlock()

	w.wg.Add(2)
	go w.pollLoop(ctx)
	go w.dispatchLoop(ctx)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.Paths()),
		zap.Duration("poll_interval", w.pollInterval),
	)
	return nil
}

// Stop halts polling and waits for the internal goroutines to exit.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("file watcher stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// --- 轮询与分发 ---

func (w *FileWatcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkOnce()
		}
	}
}

// checkOnce 扫描当前状态并与上次快照比对，产出 CREATE / WRITE / REMOVE 事件。
// 扫描与比对在同一次持锁内完成，避免与 AddPath / RemovePath 交错时
// 把刚注册的基线误判成删除。
func (w *FileWatcher) checkOnce() {
	now := time.Now()

	var events []FileEvent

	w.mu.Lock()
	current := w.scan(w.paths)
	for file, mod := range current {
		prev, known := w.lastModTimes[file]
		switch {
		case !known:
			events = append(events, FileEvent{Path: file, Op: FileOpCreate, Timestamp: now})
		case mod.After(prev):
			events = append(events, FileEvent{Path: file, Op: FileOpWrite, Timestamp: now})
		}
	}
	for file := range w.lastModTimes {
		if _, ok := current[file]; !ok {
			events = append(events, FileEvent{Path: file, Op: FileOpRemove, Timestamp: now})
		}
	}
	w.lastModTimes = current
	w.mu.Unlock()

	for _, evt := range events {
		select {
		case w.eventChan <- evt:
		default:
			w.logger.Warn("event channel full, dropping file event",
				zap.String("path", evt.Path),
				zap.String("op", evt.Op.String()),
			)
		}
	}
}

// scan 展开给定路径为「文件 → 修改时间」快照。
// 只读文件系统，不触碰可变共享状态，持锁与否均可调用。
func (w *FileWatcher) scan(paths []string) map[string]time.Time {
	snapshot := make(map[string]time.Time)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			// 显式注册的文件不做扩展名过滤
			snapshot[p] = info.ModTime()
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			w.logger.Debug("failed to read watched directory", zap.String("path", p), zap.Error(err))
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if !w.exts[strings.ToLower(filepath.Ext(entry.Name()))] {
				continue
			}
			entryInfo, err := entry.Info()
			if err != nil {
				continue
			}
			snapshot[filepath.Join(p, entry.Name())] = entryInfo.ModTime()
		}
	}
	return snapshot
}

// dispatchLoop 去抖后分发事件。
//
// pending 只被本循环读写，同路径的连发事件在去抖窗口内合并为一次回调。
func (w *FileWatcher) dispatchLoop(ctx context.Context) {
	defer w.wg.Done()

	pending := make(map[string]FileEvent)
	timer := time.NewTimer(w.debounceDelay)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case evt := <-w.eventChan:
			// 同一路径后到的操作覆盖先到的
			pending[evt.Path] = evt
			if !armed {
				timer.Reset(w.debounceDelay)
				armed = true
			}
		case <-timer.C:
			armed = false
			for _, evt := range pending {
				w.dispatch(evt)
			}
			clear(pending)
		}
	}
}

func (w *FileWatcher) dispatch(evt FileEvent) {
	w.mu.RLock()
	callbacks := make([]func(FileEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	w.logger.Debug("dispatching file event",
		zap.String("path", evt.Path),
		zap.String("op", evt.Op.String()),
	)
	for _, fn := range callbacks {
		fn(evt)
	}
}
