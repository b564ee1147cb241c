// Package notify 在任务状态变更时唤醒正在等待该任务的 SSE 连接。
// 通知只携带任务ID，订阅方收到后自行回查数据库。
package notify

import (
	"context"
	"sync"
)

// Notifier 任务变更通知
type Notifier interface {
	// Publish 通知某个任务发生了变更，失败只记录日志
	Publish(ctx context.Context, taskID string)
	// Subscribe 订阅某个任务的变更，返回的函数用于取消订阅，可重复调用
	Subscribe(taskID string) (<-chan struct{}, func())
	Close() error
}

// Hub 进程内的通知中心
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewHub 创建进程内通知中心
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan struct{}]struct{})}
}

func (h *Hub) Publish(_ context.Context, taskID string) {
	h.broadcast(taskID)
}

// broadcast 非阻塞地唤醒所有订阅者，缓冲区已满说明对方还没消费，合并即可
func (h *Hub) broadcast(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[taskID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) Subscribe(taskID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[chan struct{}]struct{})
	}
	h.subs[taskID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[taskID], ch)
			if len(h.subs[taskID]) == 0 {
				delete(h.subs, taskID)
			}
		})
	}
}

// Subscribers 当前某任务的订阅数
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}

func (h *Hub) Close() error {
	return nil
}
