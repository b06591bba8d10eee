// 工作流定义目录监听器实现。
//
// 以轮询方式比较目录内定义文件的修改时间，产生创建、修改、删除事件。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 事件类型定义 ---

// FileOp 文件操作类型
type FileOp int

const (
	// FileOpCreate 文件新出现
	FileOpCreate FileOp = iota
	// FileOpWrite 文件修改时间前进
	FileOpWrite
	// FileOpRemove 文件消失
	FileOpRemove
)

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

// FileEvent 单个文件的变更
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// --- 监听器选项 ---

// WatcherOption 配置 DirWatcher
type WatcherOption func(*DirWatcher)

// WithPollInterval 轮询间隔，默认 2s
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *DirWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounceDelay 最后一次变更后静默多久才派发，默认 0（当轮派发）
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *DirWatcher) {
		w.debounce = d
	}
}

// WithExtensions 只关注这些扩展名，默认 .yaml 与 .yml
func WithExtensions(exts ...string) WatcherOption {
	return func(w *DirWatcher) {
		w.exts = exts
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *DirWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 监听器实现 ---

// DirWatcher 监听一个目录（不递归）下的定义文件
type DirWatcher struct {
	mu sync.Mutex

	dir      string
	exts     []string
	interval time.Duration
	debounce time.Duration
	logger   *zap.Logger

	callbacks []func(FileEvent)
	modTimes  map[string]time.Time

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewDirWatcher 目录必须已存在
func NewDirWatcher(dir string, opts ...WatcherOption) (*DirWatcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat definitions dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("definitions path %s is not a directory", dir)
	}

	w := &DirWatcher{
		dir:      dir,
		exts:     []string{".yaml", ".yml"},
		interval: 2 * time.Second,
		logger:   zap.NewNop(),
		modTimes: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir 被监听的目录
func (w *DirWatcher) Dir() string { return w.dir }

// OnChange 注册回调；回调在轮询 goroutine 中按路径顺序串行调用
func (w *DirWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Files 返回当前匹配的文件（按路径排序）
func (w *DirWatcher) Files() ([]string, error) {
	snap, err := w.snapshot()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(snap))
	for p := range snap {
		files = append(files, p)
	}
	sort.Strings(files)
	return files, nil
}

// Start 记录当前快照后开始轮询；快照内已有的文件不会产生事件
func (w *DirWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	snap, err := w.snapshot()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.modTimes = snap
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.pollLoop(ctx)

	w.logger.Info("definitions watcher started",
		zap.String("dir", w.dir),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop 停止轮询并等待 goroutine 退出
func (w *DirWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("definitions watcher stopped", zap.String("dir", w.dir))
}

// IsRunning 是否在轮询
func (w *DirWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *DirWatcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	pending := make(map[string]FileEvent)
	var lastChange time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			events := w.scan(now)
			for _, ev := range events {
				pending[ev.Path] = ev
				lastChange = now
			}
			if len(pending) > 0 && now.Sub(lastChange) >= w.debounce {
				w.dispatch(pending)
				pending = make(map[string]FileEvent)
			}
		}
	}
}

// scan 比较快照并更新 modTimes
func (w *DirWatcher) scan(now time.Time) []FileEvent {
	snap, err := w.snapshot()
	if err != nil {
		w.logger.Warn("definitions dir scan failed", zap.String("dir", w.dir), zap.Error(err))
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var events []FileEvent
	for path, mod := range snap {
		prev, seen := w.modTimes[path]
		switch {
		case !seen:
			events = append(events, FileEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case mod.After(prev):
			events = append(events, FileEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		}
	}
	for path := range w.modTimes {
		if _, ok := snap[path]; !ok {
			events = append(events, FileEvent{Path: path, Op: FileOpRemove, Timestamp: now})
		}
	}
	w.modTimes = snap
	return events
}

func (w *DirWatcher) dispatch(pending map[string]FileEvent) {
	w.mu.Lock()
	callbacks := make([]func(FileEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		ev := pending[p]
		w.logger.Debug("dispatching definition change",
			zap.String("path", p),
			zap.String("op", ev.Op.String()))
		for _, cb := range callbacks {
			cb(ev)
		}
	}
}

func (w *DirWatcher) snapshot() (map[string]time.Time, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions dir: %w", err)
	}
	snap := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		if e.IsDir() || !w.matches(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// 读目录与 stat 之间被删除
			continue
		}
		snap[filepath.Join(w.dir, e.Name())] = info.ModTime()
	}
	return snap, nil
}

func (w *DirWatcher) matches(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range w.exts {
		if ext == e {
			return true
		}
	}
	return false
}
