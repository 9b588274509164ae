// Package health provides health check functionality for the service.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Severity represents the severity level of a health check.
type Severity string

const (
	// SeverityCritical affects readiness.
	SeverityCritical Severity = "critical"
	// SeverityWarning is reported but does not affect readiness.
	SeverityWarning Severity = "warning"
)

// CheckResult is the result of one health check.
type CheckResult struct {
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Response is the aggregate health report.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one component's health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	Severity() Severity
}

// Registry holds the registered checkers and runs them.
type Registry struct {
	mu        sync.RWMutex
	checkers  []Checker
	startTime time.Time
	version   string
}

// NewRegistry creates a registry reporting the given version string.
func NewRegistry(version string) *Registry {
	return &Registry{
		startTime: time.Now(),
		version:   version,
	}
}

// Register adds a checker.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, checker)
}

// Liveness reports that the process is alive. It never runs checkers.
func (r *Registry) Liveness(ctx context.Context) Response {
	return Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Version:   r.version,
		Uptime:    time.Since(r.startTime).String(),
	}
}

// Readiness runs the critical checkers only.
func (r *Registry) Readiness(ctx context.Context) Response {
	return r.run(ctx, true)
}

// Health runs every registered checker.
func (r *Registry) Health(ctx context.Context) Response {
	return r.run(ctx, false)
}

func (r *Registry) run(ctx context.Context, criticalOnly bool) Response {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	checks := make(map[string]CheckResult)
	overall := StatusHealthy

	for _, checker := range checkers {
		if criticalOnly && checker.Severity() != SeverityCritical {
			continue
		}
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			start := time.Now()
			result := c.Check(ctx)
			result.Duration = time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			checks[c.Name()] = result

			switch {
			case result.Status == StatusUnhealthy && c.Severity() == SeverityCritical:
				overall = StatusUnhealthy
			case result.Status != StatusHealthy && overall == StatusHealthy:
				overall = StatusDegraded
			}
		}(checker)
	}
	wg.Wait()

	return Response{
		Status:    overall,
		Timestamp: time.Now(),
		Version:   r.version,
		Uptime:    time.Since(r.startTime).String(),
		Checks:    checks,
	}
}
