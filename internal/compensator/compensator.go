// Package compensator drives the reverse path of a failed workflow: it
// executes the registered compensations one at a time in reverse
// registration order, chained through events so the rollback survives
// process crashes the same way the forward path does. A failing
// compensation is recorded and the chain moves on; rollback never stalls
// on one broken handler. Only a successful compensation marks its step
// compensated; after a failed one the step keeps its completed status so
// operators can find the unsettled resource.
package compensator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/flowforge/flowforge/internal/bus"
	"github.com/flowforge/flowforge/internal/persistence"
	"github.com/flowforge/flowforge/internal/workflow"
)

// Compensator coordinates the rollback of failed workflows.
type Compensator struct {
	repo   *persistence.Repository
	bus    bus.Bus
	logger *slog.Logger
}

// New creates a compensator. Call Register to attach it to a bus.
func New(repo *persistence.Repository, b bus.Bus, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compensator{
		repo:   repo,
		bus:    b,
		logger: logger.With("component", "compensator"),
	}
}

// Register subscribes the compensator to its internal topics.
func (c *Compensator) Register(b bus.Bus) {
	b.Subscribe(bus.TopicCompensate, bus.HandlerFunc(func(ctx context.Context, event bus.Event) error {
		var p bus.CompensatePayload
		if err := bus.DecodePayload(event, &p); err != nil {
			c.logger.Error("malformed compensate event", "eventId", event.ID, "error", err)
			return nil
		}
		return c.StartCompensation(ctx, p.WorkflowID)
	}))

	b.Subscribe(bus.TopicExecuteCompensation, bus.HandlerFunc(func(ctx context.Context, event bus.Event) error {
		var p bus.ExecuteCompensationPayload
		if err := bus.DecodePayload(event, &p); err != nil {
			c.logger.Error("malformed execute-compensation event", "eventId", event.ID, "error", err)
			return nil
		}
		return c.ExecuteCompensation(ctx, p)
	}))

	b.Subscribe(bus.TopicCompensationCompleted, bus.HandlerFunc(func(ctx context.Context, event bus.Event) error {
		var p bus.CompensationCompletedPayload
		if err := bus.DecodePayload(event, &p); err != nil {
			c.logger.Error("malformed compensation-completed event", "eventId", event.ID, "error", err)
			return nil
		}
		return c.HandleCompensationCompleted(ctx, p)
	}))
}

// StartCompensation moves a failed workflow into compensating and kicks
// off the most recently registered pending compensation. Receiving it
// again for a workflow already compensating resumes from the current
// pending list, so a redelivered or replayed trigger is harmless.
func (c *Compensator) StartCompensation(ctx context.Context, workflowID string) error {
	instance, err := c.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			c.logger.Error("compensate for unknown workflow", "workflowId", workflowID)
			return nil
		}
		return err
	}

	switch instance.Status {
	case workflow.StatusFailed:
		if _, err := c.repo.UpdateWorkflowStatus(ctx, workflowID, workflow.StatusCompensating, persistence.StatusUpdate{}); err != nil {
			return err
		}
		c.logger.Info("compensation started", "workflowId", workflowID, "failedStep", instance.FailedStep)
	case workflow.StatusCompensating:
		c.logger.Info("resuming compensation", "workflowId", workflowID)
	default:
		c.logger.Warn("ignoring compensate trigger", "workflowId", workflowID, "status", instance.Status)
		return nil
	}

	return c.dispatchNext(ctx, workflowID)
}

// dispatchNext emits the execute-compensation event for the most recently
// registered pending compensation, or finishes the workflow when none
// remain.
func (c *Compensator) dispatchNext(ctx context.Context, workflowID string) error {
	pending, err := c.repo.GetPendingCompensations(ctx, workflowID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return c.FinishCompensation(ctx, workflowID)
	}

	next := pending[0]
	c.logger.Info("dispatching compensation",
		"workflowId", workflowID, "step", next.StepName, "compensation", next.CompensationName,
		"remaining", len(pending))
	return c.bus.Emit(ctx, bus.NewEvent(bus.TopicExecuteCompensation, bus.Payload(bus.ExecuteCompensationPayload{
		WorkflowID:       workflowID,
		StepName:         next.StepName,
		CompensationName: next.CompensationName,
	})))
}

// ExecuteCompensation dispatches one compensation to its handler topic,
// carrying the workflow context and the original step's recorded output.
func (c *Compensator) ExecuteCompensation(ctx context.Context, p bus.ExecuteCompensationPayload) error {
	instance, err := c.repo.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			c.logger.Error("execute-compensation for unknown workflow", "workflowId", p.WorkflowID)
			return nil
		}
		return err
	}

	var output workflow.Context
	if step, err := c.repo.GetStep(ctx, p.WorkflowID, p.StepName); err == nil {
		output = step.Output
	} else if !errors.Is(err, persistence.ErrStepNotFound) {
		return err
	}

	topic := bus.CompensationTopic(p.CompensationName)
	c.logger.Info("executing compensation",
		"workflowId", p.WorkflowID, "originalStep", p.StepName, "topic", topic)
	return c.bus.Emit(ctx, bus.NewEvent(topic, bus.Payload(bus.CompensationDispatchPayload{
		WorkflowID:       p.WorkflowID,
		OriginalStep:     p.StepName,
		CompensationStep: p.CompensationName,
		Context:          instance.Context,
		OriginalOutput:   output,
	})))
}

// HandleCompensationCompleted records one compensation outcome and chains
// to the next pending compensation. A failed compensation is recorded with
// its error but does not stop the chain.
func (c *Compensator) HandleCompensationCompleted(ctx context.Context, p bus.CompensationCompletedPayload) error {
	result := workflow.CompensationSuccess
	if !p.Success {
		result = workflow.CompensationFailed
	}

	rec, err := c.repo.MarkCompensationExecuted(ctx, p.WorkflowID, p.StepName, result, p.Error)
	if err != nil {
		if errors.Is(err, persistence.ErrCompensationNotFound) {
			c.logger.Error("outcome for unregistered compensation",
				"workflowId", p.WorkflowID, "step", p.StepName)
			return nil
		}
		return err
	}

	if rec.Result == workflow.CompensationSuccess {
		if _, err := c.repo.MarkStepCompensated(ctx, p.WorkflowID, p.StepName); err != nil &&
			!errors.Is(err, persistence.ErrStepNotFound) {
			return err
		}
	} else {
		c.logger.Warn("compensation failed, continuing chain",
			"workflowId", p.WorkflowID, "step", p.StepName, "error", rec.Error)
	}

	return c.dispatchNext(ctx, p.WorkflowID)
}

// FinishCompensation moves the workflow to compensated and announces the
// end of the reverse path. Already compensated workflows are left alone.
func (c *Compensator) FinishCompensation(ctx context.Context, workflowID string) error {
	instance, err := c.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if instance.Status == workflow.StatusCompensated {
		return nil
	}

	if _, err := c.repo.UpdateWorkflowStatus(ctx, workflowID, workflow.StatusCompensated, persistence.StatusUpdate{}); err != nil {
		return err
	}

	c.logger.Info("compensation finished", "workflowId", workflowID)
	return c.bus.Emit(ctx, bus.NewEvent(bus.TopicCompensationFinished, bus.Payload(bus.CompensationFinishedPayload{
		WorkflowID: workflowID,
	})))
}
