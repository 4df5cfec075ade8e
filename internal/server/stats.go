package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标同步循环
// =============================================================================

// SyncFunc 将一次统计快照（连接池、Agent 缓存等）写入指标收集器
type SyncFunc func()

// StatsLoop 周期性执行注册的同步函数，把各子系统维护的计数快照
// 转换为可抓取的指标。子系统之间通过闭包解耦，本包不感知指标实现。
type StatsLoop struct {
	interval  time.Duration
	fns       []SyncFunc
	logger    *zap.Logger
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewStatsLoop 创建指标同步循环；interval 非正时使用 30 秒
func NewStatsLoop(interval time.Duration, logger *zap.Logger, fns ...SyncFunc) *StatsLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatsLoop{
		interval: interval,
		fns:      fns,
		logger:   logger.With(zap.String("component", "stats_loop")),
		done:     make(chan struct{}),
	}
}

// Start 启动后台同步（非阻塞），重复调用只生效一次
func (l *StatsLoop) Start() {
	l.startOnce.Do(func() {
		l.logger.Debug("starting stats sync loop", zap.Duration("interval", l.interval))
		l.wg.Add(1)
		go l.run()
	})
}

// Stop 停止同步并等待后台协程退出，可重复调用
func (l *StatsLoop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}

func (l *StatsLoop) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	// 启动时先同步一次
	l.sync()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sync()
		}
	}
}

func (l *StatsLoop) sync() {
	for _, fn := range l.fns {
		fn()
	}
}
