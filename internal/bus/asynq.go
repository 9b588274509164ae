package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// AsynqBus is the distributed Bus backend. Every topic maps to an asynq
// task type, so events survive process crashes and are delivered
// at-least-once to workers by Redis.
type AsynqBus struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	config AsynqConfig
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string][]Handler
	running  bool
}

// AsynqConfig holds configuration for the distributed bus.
type AsynqConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Queue is the asynq queue name all events are routed through.
	Queue string

	// Concurrency is the worker count of the served mux.
	Concurrency int

	// MaxRetry bounds redelivery attempts for a failing handler.
	MaxRetry int

	ShutdownTimeout time.Duration
}

// DefaultAsynqConfig returns a default configuration.
func DefaultAsynqConfig() AsynqConfig {
	return AsynqConfig{
		RedisAddr:       "localhost:6379",
		Queue:           "flowforge",
		Concurrency:     10,
		MaxRetry:        5,
		ShutdownTimeout: 30 * time.Second,
	}
}

// NewAsynqBus creates a distributed bus backed by asynq.
func NewAsynqBus(cfg AsynqConfig, logger *slog.Logger) *AsynqBus {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Queue == "" {
		cfg.Queue = "flowforge"
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          map[string]int{cfg.Queue: 1},
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	return &AsynqBus{
		client:   asynq.NewClient(redisOpt),
		server:   server,
		mux:      asynq.NewServeMux(),
		config:   cfg,
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// Emit enqueues the event as a task typed by its topic.
func (b *AsynqBus) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	task := asynq.NewTask(event.Topic, payload)
	opts := []asynq.Option{
		asynq.Queue(b.config.Queue),
		asynq.MaxRetry(b.config.MaxRetry),
	}

	if _, err := b.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", event.Topic, err)
	}
	return nil
}

// Subscribe registers a handler for the topic. The first subscription of a
// topic installs the mux route; later ones fan out from it.
func (b *AsynqBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	first := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], handler)

	if first {
		b.mux.HandleFunc(topic, b.dispatch)
	}
	b.logger.Debug("subscriber added", "topic", topic)
}

// dispatch decodes a task back into an event and fans it out. Returning an
// error makes asynq redeliver; the persistence guards make redelivery of
// terminal outcomes harmless.
func (b *AsynqBus) dispatch(ctx context.Context, task *asynq.Task) error {
	var event Event
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		return fmt.Errorf("decoding %s task: %w", task.Type(), err)
	}

	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers[event.Topic]))
	copy(handlers, b.handlers[event.Topic])
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			b.logger.Error("handler error", "topic", event.Topic, "eventId", event.ID, "error", err)
			return err
		}
	}
	return nil
}

// Start begins serving subscribed topics. Call after all Subscribe calls.
func (b *AsynqBus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	if err := b.server.Start(b.mux); err != nil {
		return fmt.Errorf("starting asynq server: %w", err)
	}
	b.running = true
	return nil
}

// Stop gracefully shuts down the server and closes the client.
func (b *AsynqBus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		b.server.Shutdown()
		b.running = false
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("closing asynq client: %w", err)
	}
	return nil
}
