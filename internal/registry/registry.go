// Package registry provides the process-local catalog of workflow types
// and their ordered step definitions.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/flowforge/flowforge/internal/workflow"
)

var (
	// ErrUnknownWorkflowType is returned when a workflow type is not registered.
	ErrUnknownWorkflowType = errors.New("unknown workflow type")

	// ErrDuplicateWorkflowType is returned when registering a type twice.
	ErrDuplicateWorkflowType = errors.New("duplicate workflow type")

	// ErrEmptyWorkflowDefinition is returned for a definition without steps.
	ErrEmptyWorkflowDefinition = errors.New("workflow definition has no steps")

	// ErrUnknownStep is returned when a step name is not in the definition.
	ErrUnknownStep = errors.New("unknown step")
)

// Registry maps workflow types to their definitions. It is populated during
// startup and treated as read-only afterward.
type Registry struct {
	mu    sync.RWMutex
	types map[string]workflow.Definition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		types: make(map[string]workflow.Definition),
	}
}

// Register stores an immutable copy of the definition. It fails on a
// duplicate type, an empty type name, a definition without steps, or a
// duplicate step name within the definition.
func (r *Registry) Register(def workflow.Definition) error {
	if def.Type == "" {
		return fmt.Errorf("%w: empty type name", ErrEmptyWorkflowDefinition)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyWorkflowDefinition, def.Type)
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if step.Name == "" || step.Topic == "" {
			return fmt.Errorf("%w: step in %s missing name or topic", ErrEmptyWorkflowDefinition, def.Type)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("%w: step %s duplicated in %s", ErrDuplicateWorkflowType, step.Name, def.Type)
		}
		seen[step.Name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[def.Type]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflowType, def.Type)
	}

	steps := make([]workflow.StepDefinition, len(def.Steps))
	copy(steps, def.Steps)
	r.types[def.Type] = workflow.Definition{Type: def.Type, Steps: steps}
	return nil
}

// Get returns the definition for a workflow type.
func (r *Registry) Get(workflowType string) (workflow.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.types[workflowType]
	if !ok {
		return workflow.Definition{}, fmt.Errorf("%w: %s", ErrUnknownWorkflowType, workflowType)
	}
	return def, nil
}

// GetStep returns the named step of a workflow type.
func (r *Registry) GetStep(workflowType, stepName string) (workflow.StepDefinition, error) {
	def, err := r.Get(workflowType)
	if err != nil {
		return workflow.StepDefinition{}, err
	}
	for _, step := range def.Steps {
		if step.Name == stepName {
			return step, nil
		}
	}
	return workflow.StepDefinition{}, fmt.Errorf("%w: %s in %s", ErrUnknownStep, stepName, workflowType)
}

// StepIndex returns the position of the named step in the definition.
func (r *Registry) StepIndex(workflowType, stepName string) (int, error) {
	def, err := r.Get(workflowType)
	if err != nil {
		return 0, err
	}
	for i, step := range def.Steps {
		if step.Name == stepName {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s in %s", ErrUnknownStep, stepName, workflowType)
}

// FirstStep returns the first step of a workflow type.
func (r *Registry) FirstStep(workflowType string) (workflow.StepDefinition, error) {
	def, err := r.Get(workflowType)
	if err != nil {
		return workflow.StepDefinition{}, err
	}
	return def.Steps[0], nil
}

// NextStep returns the step after the named one. The boolean is false when
// the named step is the last.
func (r *Registry) NextStep(workflowType, stepName string) (workflow.StepDefinition, bool, error) {
	def, err := r.Get(workflowType)
	if err != nil {
		return workflow.StepDefinition{}, false, err
	}
	for i, step := range def.Steps {
		if step.Name == stepName {
			if i+1 >= len(def.Steps) {
				return workflow.StepDefinition{}, false, nil
			}
			return def.Steps[i+1], true, nil
		}
	}
	return workflow.StepDefinition{}, false, fmt.Errorf("%w: %s in %s", ErrUnknownStep, stepName, workflowType)
}

// IsLastStep reports whether the named step is the definition's last.
func (r *Registry) IsLastStep(workflowType, stepName string) (bool, error) {
	def, err := r.Get(workflowType)
	if err != nil {
		return false, err
	}
	for i, step := range def.Steps {
		if step.Name == stepName {
			return i == len(def.Steps)-1, nil
		}
	}
	return false, fmt.Errorf("%w: %s in %s", ErrUnknownStep, stepName, workflowType)
}

// CompensableStepsUpTo returns, most recent first, the compensable steps of
// the prefix ending at the named step. The compensator itself works from
// persisted compensation records; this view exists for debugging and
// operator tooling.
func (r *Registry) CompensableStepsUpTo(workflowType, stepName string) ([]workflow.StepDefinition, error) {
	def, err := r.Get(workflowType)
	if err != nil {
		return nil, err
	}

	end := -1
	for i, step := range def.Steps {
		if step.Name == stepName {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownStep, stepName, workflowType)
	}

	var compensable []workflow.StepDefinition
	for i := end; i >= 0; i-- {
		if def.Steps[i].Compensable() {
			compensable = append(compensable, def.Steps[i])
		}
	}
	return compensable, nil
}

// Types returns the registered workflow type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}
