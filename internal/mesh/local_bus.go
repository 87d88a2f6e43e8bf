package mesh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalBus delivers events in-process. Handlers run synchronously in
// subscription order; a panicking handler is logged and skipped.
type LocalBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string][]subscription
}

type subscription struct {
	id int
	h  Handler
}

func NewLocalBus() *LocalBus { return &LocalBus{handlers: map[string][]subscription{}} }

func (b *LocalBus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[e.Topic]...)
	b.mu.RUnlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, s := range subs {
		deliver(ctx, s.h, e)
	}
	return nil
}

func deliver(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("mesh handler panicked", zap.String("topic", e.Topic), zap.Any("panic", r))
		}
	}()
	h(ctx, e)
}

func (b *LocalBus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], subscription{id: id, h: h})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i, s := range subs {
			if s.id == id {
				b.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}, nil
}

func (b *LocalBus) Close() error { return nil }
