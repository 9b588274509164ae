package health

import (
	"context"

	"github.com/flowforge/flowforge/internal/store"
)

// StoreChecker verifies the workflow state store is reachable. The store
// is the one dependency the engine cannot run without, so the check is
// critical.
type StoreChecker struct {
	store store.Store
}

// NewStoreChecker creates a checker for the given store.
func NewStoreChecker(st store.Store) *StoreChecker {
	return &StoreChecker{store: st}
}

func (c *StoreChecker) Name() string { return "store" }

func (c *StoreChecker) Severity() Severity { return SeverityCritical }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	if err := c.store.Health(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// CheckerFunc adapts a function to the Checker interface with a fixed
// name and severity.
type CheckerFunc struct {
	CheckName     string
	CheckSeverity Severity
	Fn            func(ctx context.Context) CheckResult
}

func (c CheckerFunc) Name() string { return c.CheckName }

func (c CheckerFunc) Severity() Severity { return c.CheckSeverity }

func (c CheckerFunc) Check(ctx context.Context) CheckResult { return c.Fn(ctx) }
