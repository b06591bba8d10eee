package workflow

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Notifier 把运行快照分发给按 execution_id 订阅的监听者（WebSocket 推送用）。
// 发送不阻塞：监听者跟不上时丢弃该次快照，终态快照除外。
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan *Run
	nextID atomic.Uint64
	logger *zap.Logger
}

// NewNotifier 创建分发器
func NewNotifier(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		subs:   make(map[string]map[uint64]chan *Run),
		logger: logger.With(zap.String("component", "run_notifier")),
	}
}

// Subscribe 订阅某次运行；返回的 cancel 关闭通道，可重复调用
func (n *Notifier) Subscribe(executionID string, buffer int) (<-chan *Run, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *Run, buffer)
	id := n.nextID.Add(1)

	n.mu.Lock()
	if n.subs[executionID] == nil {
		n.subs[executionID] = make(map[uint64]chan *Run)
	}
	n.subs[executionID][id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if set, ok := n.subs[executionID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(n.subs, executionID)
				}
			}
			close(ch)
		})
	}
}

// OnRunUpdate 实现 RunObserver
func (n *Notifier) OnRunUpdate(run *Run) {
	n.Publish(run)
}

// Publish 分发快照
func (n *Notifier) Publish(run *Run) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for id, ch := range n.subs[run.ExecutionID] {
		select {
		case ch <- run:
		default:
			if !run.Status.IsTerminal() {
				n.logger.Debug("subscriber lagging, dropping snapshot",
					zap.String("execution_id", run.ExecutionID),
					zap.Uint64("subscriber", id),
				)
				continue
			}
			// 终态快照：腾出一个位置保证送达
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- run:
			default:
			}
		}
	}
}

// Subscribers 当前订阅某次运行的监听者数量
func (n *Notifier) Subscribers(executionID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[executionID])
}
