package workflow

import (
	"sync"

	"github.com/BaSui01/nodeflow/agent/bus"
)

// correlationTable 消息 ID -> 单次投递通道。
// 收到回复或等待超时后条目立即移除，不会泄漏。
type correlationTable struct {
	mu      sync.Mutex
	pending map[string]chan *bus.AgentMessage
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{pending: make(map[string]chan *bus.AgentMessage)}
}

// register 在发布请求之前登记，返回只会收到一次回复的通道
func (t *correlationTable) register(id string) <-chan *bus.AgentMessage {
	ch := make(chan *bus.AgentMessage, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	return ch
}

// resolve 投递回复；未登记（已超时或重复回复）时返回 false
func (t *correlationTable) resolve(id string, msg *bus.AgentMessage) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// remove 放弃等待
func (t *correlationTable) remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *correlationTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
