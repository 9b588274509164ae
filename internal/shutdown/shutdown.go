// Package shutdown coordinates graceful teardown: components register
// hooks with a priority, and on SIGINT/SIGTERM (or an explicit call) the
// hooks run highest priority first with per-hook timeouts and panic
// recovery. The HTTP server drains before the bus stops, and the bus
// stops before the store closes.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Priorities used by the server wiring. Higher runs first.
const (
	PriorityHTTP  = 100
	PriorityBus   = 50
	PriorityStore = 10
)

// HookFunc tears one component down.
type HookFunc func(ctx context.Context) error

// Hook is a named teardown step.
type Hook struct {
	Name     string
	Priority int
	Fn       HookFunc
}

// Config bounds the teardown.
type Config struct {
	// OverallTimeout caps the whole shutdown.
	OverallTimeout time.Duration

	// PerHookTimeout caps each individual hook.
	PerHookTimeout time.Duration
}

// DefaultConfig returns a 30s overall / 10s per-hook configuration.
func DefaultConfig() Config {
	return Config{
		OverallTimeout: 30 * time.Second,
		PerHookTimeout: 10 * time.Second,
	}
}

// Manager runs registered hooks exactly once on shutdown.
type Manager struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	hooks []Hook

	once    sync.Once
	done    chan struct{}
	errs    []error
	errsMu  sync.Mutex
	sigStop chan struct{}
}

// NewManager creates a shutdown manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = DefaultConfig().OverallTimeout
	}
	if cfg.PerHookTimeout <= 0 {
		cfg.PerHookTimeout = DefaultConfig().PerHookTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		logger:  logger.With("component", "shutdown"),
		done:    make(chan struct{}),
		sigStop: make(chan struct{}),
	}
}

// Register adds a hook. Higher priorities run first; hooks with equal
// priority run in reverse registration order, so later components come
// down before what they depend on.
func (m *Manager) Register(name string, priority int, fn HookFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Priority: priority, Fn: fn})
	m.logger.Debug("shutdown hook registered", "name", name, "priority", priority)
}

// ListenForSignals triggers shutdown on SIGINT or SIGTERM. The returned
// channel closes when shutdown finishes.
func (m *Manager) ListenForSignals() <-chan struct{} {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			m.logger.Info("received shutdown signal", "signal", sig.String())
			signal.Stop(sigCh)
			m.Shutdown()
		case <-m.sigStop:
			signal.Stop(sigCh)
		}
	}()
	return m.done
}

// Shutdown runs every hook once. Later calls are no-ops.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.OverallTimeout)
		defer cancel()

		m.mu.Lock()
		hooks := make([]Hook, len(m.hooks))
		copy(hooks, m.hooks)
		m.mu.Unlock()

		// Stable sort keeps reverse registration order inside a priority.
		for i, j := 0, len(hooks)-1; i < j; i, j = i+1, j-1 {
			hooks[i], hooks[j] = hooks[j], hooks[i]
		}
		sort.SliceStable(hooks, func(i, j int) bool {
			return hooks[i].Priority > hooks[j].Priority
		})

		m.logger.Info("starting graceful shutdown", "hooks", len(hooks), "timeout", m.config.OverallTimeout)

		for _, hook := range hooks {
			if ctx.Err() != nil {
				m.addErr(fmt.Errorf("shutdown timeout exceeded, skipping %s", hook.Name))
				m.logger.Warn("shutdown timeout exceeded", "skipped", hook.Name)
				continue
			}
			m.runHook(ctx, hook)
		}

		m.logger.Info("graceful shutdown complete", "errors", len(m.Errors()))
		close(m.sigStop)
		close(m.done)
	})
}

func (m *Manager) runHook(ctx context.Context, hook Hook) {
	hookCtx, cancel := context.WithTimeout(ctx, m.config.PerHookTimeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("hook panicked: %v", r)
			}
		}()
		errCh <- hook.Fn(hookCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-hookCtx.Done():
		err = fmt.Errorf("hook timed out after %s", m.config.PerHookTimeout)
	}

	if err != nil {
		m.logger.Error("shutdown hook failed", "name", hook.Name, "error", err, "duration", time.Since(start))
		m.addErr(fmt.Errorf("hook %s: %w", hook.Name, err))
		return
	}
	m.logger.Info("shutdown hook completed", "name", hook.Name, "duration", time.Since(start))
}

func (m *Manager) addErr(err error) {
	m.errsMu.Lock()
	defer m.errsMu.Unlock()
	m.errs = append(m.errs, err)
}

// Errors returns the errors collected during shutdown.
func (m *Manager) Errors() []error {
	m.errsMu.Lock()
	defer m.errsMu.Unlock()
	out := make([]error, len(m.errs))
	copy(out, m.errs)
	return out
}

// Done closes when shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until shutdown has finished.
func (m *Manager) Wait() {
	<-m.done
}
