package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/clawrun/internal/logger"
	"go.uber.org/zap"
)

// RunEvent 运行生命周期事件
type RunEvent struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	SessionID string    `json:"sessionId"`
	Status    string    `json:"status"`
	Mode      string    `json:"mode,omitempty"`
	Source    string    `json:"source,omitempty"`
	Position  int       `json:"position"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageBus 生命周期事件总线
type MessageBus struct {
	events  chan *RunEvent
	subs    map[string]chan *RunEvent
	subsMu  sync.RWMutex
	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
}

// NewMessageBus 创建消息总线
func NewMessageBus(bufferSize int) *MessageBus {
	b := &MessageBus{
		events:  make(chan *RunEvent, bufferSize),
		subs:    make(map[string]chan *RunEvent),
		stopped: make(chan struct{}),
	}
	// 启动广播 goroutine
	go b.broadcast()
	return b
}

// Publish 发布事件
func (b *MessageBus) Publish(ctx context.Context, ev *RunEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify publishes without blocking the caller; the event is dropped when the
// buffer is full. The scheduler uses it from inside a session critical section.
func (b *MessageBus) Notify(ev RunEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.events <- &ev:
	default:
		logger.Warn("Lifecycle bus full, event dropped",
			zap.String("run_id", ev.RunID),
			zap.String("status", ev.Status))
	}
}

// Close 关闭消息总线
func (b *MessageBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()

	// 等待广播结束后再关闭订阅者
	<-b.stopped

	b.subsMu.Lock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.subsMu.Unlock()

	return nil
}

// IsClosed 检查是否已关闭
func (b *MessageBus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Subscription 事件订阅
type Subscription struct {
	ID      string
	Channel <-chan *RunEvent
	bus     *MessageBus
}

// Unsubscribe 取消订阅
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.ID)
}

// Subscribe 订阅事件（支持多个消费者）
func (b *MessageBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 100
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	subID := uuid.New().String()
	ch := make(chan *RunEvent, buffer)
	b.subs[subID] = ch

	logger.Debug("New lifecycle subscriber",
		zap.String("subscription_id", subID),
		zap.Int("total_subscribers", len(b.subs)))

	return &Subscription{
		ID:      subID,
		Channel: ch,
		bus:     b,
	}
}

func (b *MessageBus) unsubscribe(subID string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	ch, ok := b.subs[subID]
	if ok {
		delete(b.subs, subID)
		close(ch)
	}
}

// SubscriberCount 订阅者数量
func (b *MessageBus) SubscriberCount() int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.subs)
}

// broadcast 广播事件到所有订阅者
func (b *MessageBus) broadcast() {
	defer close(b.stopped)

	for ev := range b.events {
		b.subsMu.RLock()
		for subID, ch := range b.subs {
			// 非阻塞发送，避免一个慢订阅者阻塞其他订阅者
			select {
			case ch <- ev:
			default:
				logger.Warn("Subscriber channel full, event dropped",
					zap.String("subscription_id", subID),
					zap.Int("queue_len", len(ch)))
			}
		}
		b.subsMu.RUnlock()
	}
}

// Errors
var (
	ErrBusClosed = &BusError{Message: "message bus is closed"}
)

// BusError 总线错误
type BusError struct {
	Message string
}

func (e *BusError) Error() string {
	return e.Message
}
