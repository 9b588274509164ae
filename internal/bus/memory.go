package bus

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryBus is the in-process Bus. Emit delivers synchronously to every
// subscriber of the topic, isolating panics and logging handler errors.
// EmitAsync queues the event on a bounded buffer drained by a worker pool.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	logger      *slog.Logger

	asyncBuffer chan asyncEvent
	wg          sync.WaitGroup
	closed      bool
	closeMu     sync.RWMutex
}

type asyncEvent struct {
	ctx   context.Context
	event Event
}

// MemoryConfig holds configuration for the in-process bus.
type MemoryConfig struct {
	AsyncBufferSize int
	WorkerPoolSize  int
}

// DefaultMemoryConfig returns a default configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		AsyncBufferSize: 1000,
		WorkerPoolSize:  10,
	}
}

// NewMemoryBus creates an in-process bus with the default configuration.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return NewMemoryBusWithConfig(logger, DefaultMemoryConfig())
}

// NewMemoryBusWithConfig creates an in-process bus with the given configuration.
func NewMemoryBusWithConfig(logger *slog.Logger, cfg MemoryConfig) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}

	b := &MemoryBus{
		subscribers: make(map[string][]Handler),
		logger:      logger,
		asyncBuffer: make(chan asyncEvent, cfg.AsyncBufferSize),
	}

	for i := 0; i < cfg.WorkerPoolSize; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	return b
}

func (b *MemoryBus) worker() {
	defer b.wg.Done()
	for ae := range b.asyncBuffer {
		_ = b.Emit(ae.ctx, ae.event)
	}
}

// Subscribe adds a handler for the given topic.
func (b *MemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[topic] = append(b.subscribers[topic], handler)
	b.logger.Debug("subscriber added", "topic", topic)
}

// Emit delivers an event to all subscribers of its topic. Handler errors
// are logged and do not affect other subscribers.
func (b *MemoryBus) Emit(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subscribers[event.Topic]))
	copy(handlers, b.subscribers[event.Topic])
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no subscribers for topic", "topic", event.Topic, "eventId", event.ID)
		return nil
	}

	for _, h := range handlers {
		if err := b.deliver(ctx, h, event); err != nil {
			b.logger.Error("handler error",
				"topic", event.Topic,
				"eventId", event.ID,
				"error", err,
			)
		}
	}
	return nil
}

// deliver calls a handler with panic recovery.
func (b *MemoryBus) deliver(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "topic", event.Topic, "eventId", event.ID, "panic", r)
		}
	}()
	return h.Handle(ctx, event)
}

// EmitAsync queues an event for asynchronous delivery. The event is dropped
// with a warning when the buffer is full or the bus is closed.
func (b *MemoryBus) EmitAsync(ctx context.Context, event Event) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	if b.closed {
		b.logger.Warn("emit on closed bus", "topic", event.Topic, "eventId", event.ID)
		return
	}

	select {
	case b.asyncBuffer <- asyncEvent{ctx: ctx, event: event}:
	default:
		b.logger.Warn("async buffer full, dropping event", "topic", event.Topic, "eventId", event.ID)
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Close drains the async buffer and stops the worker pool.
func (b *MemoryBus) Close() {
	b.closeMu.Lock()
	b.closed = true
	b.closeMu.Unlock()

	close(b.asyncBuffer)
	b.wg.Wait()
}
