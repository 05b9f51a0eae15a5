package consensus

import (
	"sync"

	"gitbft/types"
)

// ============================================
// 事件系统
// ============================================

type SimpleEventBus struct {
	mu       sync.RWMutex
	handlers map[types.EventType][]EventHandler
}

func NewEventBus() EventBus {
	return &SimpleEventBus{
		handlers: make(map[types.EventType][]EventHandler),
	}
}

func (eb *SimpleEventBus) Subscribe(topic types.EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[topic] = append(eb.handlers[topic], handler)
}

func (eb *SimpleEventBus) Publish(event Event) {
	eb.mu.RLock()
	handlers := eb.handlers[event.Type()]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (eb *SimpleEventBus) PublishAsync(event Event) {
	go eb.Publish(event)
}
