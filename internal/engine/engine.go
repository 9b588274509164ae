// Package engine drives the forward path of a workflow: it dispatches
// steps, reacts to their terminal outcomes, and advances or finishes the
// instance. All progress is made through persisted state and emitted
// events; the engine holds nothing in memory between events, so a crashed
// process resumes wherever the store says it left off.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowforge/flowforge/internal/bus"
	"github.com/flowforge/flowforge/internal/persistence"
	"github.com/flowforge/flowforge/internal/registry"
	"github.com/flowforge/flowforge/internal/workflow"
)

// Engine coordinates workflow instances across the registry, the
// persistence layer, and the event bus.
type Engine struct {
	registry *registry.Registry
	repo     *persistence.Repository
	bus      bus.Bus
	logger   *slog.Logger
}

// New creates an engine. Call Register to attach it to a bus before
// emitting events.
func New(reg *registry.Registry, repo *persistence.Repository, b bus.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: reg,
		repo:     repo,
		bus:      b,
		logger:   logger.With("component", "engine"),
	}
}

// Register subscribes the engine to its internal topics.
func (e *Engine) Register(b bus.Bus) {
	b.Subscribe(bus.TopicExecuteStep, bus.HandlerFunc(func(ctx context.Context, event bus.Event) error {
		var p bus.ExecuteStepPayload
		if err := bus.DecodePayload(event, &p); err != nil {
			e.logger.Error("malformed execute-step event", "eventId", event.ID, "error", err)
			return nil
		}
		return e.ExecuteStep(ctx, p.WorkflowID, p.StepName)
	}))

	b.Subscribe(bus.TopicStepCompleted, bus.HandlerFunc(func(ctx context.Context, event bus.Event) error {
		var p bus.StepCompletedPayload
		if err := bus.DecodePayload(event, &p); err != nil {
			e.logger.Error("malformed step-completed event", "eventId", event.ID, "error", err)
			return nil
		}
		return e.HandleStepCompleted(ctx, p)
	}))

	b.Subscribe(bus.TopicStepFailed, bus.HandlerFunc(func(ctx context.Context, event bus.Event) error {
		var p bus.StepFailedPayload
		if err := bus.DecodePayload(event, &p); err != nil {
			e.logger.Error("malformed step-failed event", "eventId", event.ID, "error", err)
			return nil
		}
		return e.HandleStepFailed(ctx, p)
	}))
}

// StartWorkflow creates a new instance of the given type with a generated
// ID and dispatches its first step.
func (e *Engine) StartWorkflow(ctx context.Context, workflowType string, input workflow.Context) (*workflow.Instance, error) {
	return e.StartWorkflowWithID(ctx, workflow.NewID(), workflowType, input)
}

// StartWorkflowWithID starts a workflow under a caller-chosen ID. Starting
// an ID that already exists returns the existing instance without emitting
// anything, which makes redelivered start requests harmless.
func (e *Engine) StartWorkflowWithID(ctx context.Context, id, workflowType string, input workflow.Context) (*workflow.Instance, error) {
	first, err := e.registry.FirstStep(workflowType)
	if err != nil {
		return nil, err
	}

	instance, err := e.repo.CreateWorkflow(ctx, id, workflowType, first.Name, input)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowExists) {
			e.logger.Info("workflow already started", "workflowId", id)
			return e.repo.GetWorkflow(ctx, id)
		}
		return nil, err
	}

	e.logger.Info("workflow started",
		"workflowId", instance.ID, "type", workflowType, "firstStep", first.Name)

	if err := e.bus.Emit(ctx, bus.NewEvent(bus.TopicExecuteStep, bus.Payload(bus.ExecuteStepPayload{
		WorkflowID: instance.ID,
		StepName:   first.Name,
	}))); err != nil {
		return nil, fmt.Errorf("dispatching first step: %w", err)
	}
	return instance, nil
}

// ExecuteStep records a step start and dispatches it on the step's forward
// topic. When a record for the step already exists the outcome decides:
// a terminal record re-emits its stored outcome instead of re-running the
// handler, a running record is dispatched again so an interrupted delivery
// is retried.
func (e *Engine) ExecuteStep(ctx context.Context, workflowID, stepName string) error {
	instance, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			e.logger.Error("execute-step for unknown workflow", "workflowId", workflowID, "step", stepName)
			return nil
		}
		return err
	}

	if instance.Status != workflow.StatusRunning {
		e.logger.Warn("skipping step dispatch on non-running workflow",
			"workflowId", workflowID, "step", stepName, "status", instance.Status)
		return nil
	}

	step, err := e.registry.GetStep(instance.Type, stepName)
	if err != nil {
		e.logger.Error("execute-step for unknown step",
			"workflowId", workflowID, "type", instance.Type, "step", stepName)
		return nil
	}

	exec, isNew, err := e.repo.RecordStepStart(ctx, workflowID, stepName, instance.Context, 1)
	if err != nil {
		return err
	}

	if !isNew {
		switch exec.Status {
		case workflow.StepCompleted:
			e.logger.Info("replaying stored step completion", "workflowId", workflowID, "step", stepName)
			return e.bus.Emit(ctx, bus.NewEvent(bus.TopicStepCompleted, bus.Payload(bus.StepCompletedPayload{
				WorkflowID: workflowID,
				StepName:   stepName,
				Output:     exec.Output,
			})))
		case workflow.StepFailed:
			e.logger.Info("replaying stored step failure", "workflowId", workflowID, "step", stepName)
			failure := workflow.StepError{Message: "step failed"}
			if exec.Error != nil {
				failure = *exec.Error
			}
			return e.bus.Emit(ctx, bus.NewEvent(bus.TopicStepFailed, bus.Payload(bus.StepFailedPayload{
				WorkflowID: workflowID,
				StepName:   stepName,
				Error:      failure,
			})))
		}
		// Still running: the previous dispatch may have been lost, send again.
		e.logger.Info("re-dispatching in-flight step", "workflowId", workflowID, "step", stepName)
	}

	e.logger.Info("dispatching step", "workflowId", workflowID, "step", stepName, "topic", step.Topic)
	return e.bus.Emit(ctx, bus.NewEvent(step.Topic, bus.Payload(bus.StepDispatchPayload{
		WorkflowID: workflowID,
		StepName:   stepName,
		Context:    instance.Context,
	})))
}

// HandleStepCompleted records a successful outcome, registers the step's
// compensation if it has one, merges the output into the workflow context,
// and either finishes the workflow or dispatches the next step.
func (e *Engine) HandleStepCompleted(ctx context.Context, p bus.StepCompletedPayload) error {
	if _, err := e.repo.RecordStepComplete(ctx, p.WorkflowID, p.StepName, p.Output); err != nil {
		if errors.Is(err, persistence.ErrStepNotFound) {
			e.logger.Error("completion for unrecorded step", "workflowId", p.WorkflowID, "step", p.StepName)
			return nil
		}
		return err
	}

	instance, err := e.repo.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return err
	}

	if instance.Status != workflow.StatusRunning {
		e.logger.Warn("ignoring step completion on non-running workflow",
			"workflowId", p.WorkflowID, "step", p.StepName, "status", instance.Status)
		return nil
	}

	step, err := e.registry.GetStep(instance.Type, p.StepName)
	if err != nil {
		e.logger.Error("completion for unknown step",
			"workflowId", p.WorkflowID, "type", instance.Type, "step", p.StepName)
		return nil
	}

	if step.Compensable() {
		index, err := e.registry.StepIndex(instance.Type, p.StepName)
		if err != nil {
			return err
		}
		if _, err := e.repo.RegisterCompensation(ctx, p.WorkflowID, p.StepName, step.CompensationName, index); err != nil {
			return err
		}
	}

	next, ok, err := e.registry.NextStep(instance.Type, p.StepName)
	if err != nil {
		return err
	}

	if !ok {
		if _, err := e.repo.UpdateWorkflowStatus(ctx, p.WorkflowID, workflow.StatusCompleted, persistence.StatusUpdate{
			Context: p.Output,
		}); err != nil {
			return err
		}
		e.logger.Info("workflow completed", "workflowId", p.WorkflowID, "type", instance.Type)
		return e.bus.Emit(ctx, bus.NewEvent(bus.TopicWorkflowCompleted, bus.Payload(bus.WorkflowCompletedPayload{
			WorkflowID: p.WorkflowID,
			Type:       instance.Type,
		})))
	}

	if _, err := e.repo.AdvanceToStep(ctx, p.WorkflowID, next.Name, p.Output); err != nil {
		return err
	}
	e.logger.Info("advancing workflow",
		"workflowId", p.WorkflowID, "completedStep", p.StepName, "nextStep", next.Name)
	return e.bus.Emit(ctx, bus.NewEvent(bus.TopicExecuteStep, bus.Payload(bus.ExecuteStepPayload{
		WorkflowID: p.WorkflowID,
		StepName:   next.Name,
	})))
}

// HandleStepFailed records a failed outcome, moves the workflow to failed,
// and hands it to the compensator.
func (e *Engine) HandleStepFailed(ctx context.Context, p bus.StepFailedPayload) error {
	if _, err := e.repo.RecordStepFailure(ctx, p.WorkflowID, p.StepName, &p.Error); err != nil {
		if errors.Is(err, persistence.ErrStepNotFound) {
			e.logger.Error("failure for unrecorded step", "workflowId", p.WorkflowID, "step", p.StepName)
			return nil
		}
		return err
	}

	instance, err := e.repo.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return err
	}

	if instance.Status != workflow.StatusRunning {
		e.logger.Warn("ignoring step failure on non-running workflow",
			"workflowId", p.WorkflowID, "step", p.StepName, "status", instance.Status)
		return nil
	}

	if _, err := e.repo.UpdateWorkflowStatus(ctx, p.WorkflowID, workflow.StatusFailed, persistence.StatusUpdate{
		FailedStep: p.StepName,
		Error:      p.Error.Error(),
	}); err != nil {
		return err
	}

	e.logger.Warn("workflow failed",
		"workflowId", p.WorkflowID, "failedStep", p.StepName, "error", p.Error.Error())

	if err := e.bus.Emit(ctx, bus.NewEvent(bus.TopicCompensate, bus.Payload(bus.CompensatePayload{
		WorkflowID: p.WorkflowID,
	}))); err != nil {
		return err
	}
	return e.bus.Emit(ctx, bus.NewEvent(bus.TopicWorkflowFailed, bus.Payload(bus.WorkflowFailedPayload{
		WorkflowID: p.WorkflowID,
		FailedStep: p.StepName,
		Error:      p.Error.Error(),
	})))
}

// PauseWorkflow moves a running workflow to waiting. Step dispatch is
// suppressed while the workflow waits; ResumeWorkflow picks it back up.
func (e *Engine) PauseWorkflow(ctx context.Context, workflowID string) (*workflow.Instance, error) {
	instance, err := e.repo.UpdateWorkflowStatus(ctx, workflowID, workflow.StatusWaiting, persistence.StatusUpdate{})
	if err != nil {
		return nil, err
	}
	if instance.Status == workflow.StatusWaiting {
		e.logger.Info("workflow paused", "workflowId", workflowID, "currentStep", instance.CurrentStep)
	}
	return instance, nil
}

// ResumeWorkflow moves a waiting workflow back to running, merges the
// signal payload into its context, and re-dispatches the current step.
// Resuming a workflow in any other status is a no-op: the instance is
// returned unchanged with a warning logged.
func (e *Engine) ResumeWorkflow(ctx context.Context, workflowID string, signal workflow.Context) (*workflow.Instance, error) {
	instance, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if instance.Status != workflow.StatusWaiting {
		e.logger.Warn("resume signal for non-waiting workflow",
			"workflowId", workflowID, "status", instance.Status)
		return instance, nil
	}

	instance, err = e.repo.UpdateWorkflowStatus(ctx, workflowID, workflow.StatusRunning, persistence.StatusUpdate{
		Context: signal,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("workflow resumed", "workflowId", workflowID, "currentStep", instance.CurrentStep)

	if instance.CurrentStep == "" {
		return instance, nil
	}
	if err := e.bus.Emit(ctx, bus.NewEvent(bus.TopicExecuteStep, bus.Payload(bus.ExecuteStepPayload{
		WorkflowID: workflowID,
		StepName:   instance.CurrentStep,
	}))); err != nil {
		return nil, err
	}
	return instance, nil
}
