// Package persistence provides guarded, idempotent operations over workflow
// instances, step executions, and compensation records. Every operation is
// a read-modify-write against a single (group, key) pair; state-transition
// guards make replayed events after crash recovery harmless.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/flowforge/flowforge/internal/store"
	"github.com/flowforge/flowforge/internal/workflow"
)

// Store groups used by the core. Step and compensation groups are scoped
// per workflow so a group scan returns exactly one workflow's records.
const GroupWorkflows = "flowforge:workflows"

// StepsGroup returns the store group holding a workflow's step executions.
func StepsGroup(workflowID string) string {
	return "flowforge:steps:" + workflowID
}

// CompensationsGroup returns the store group holding a workflow's
// compensation records.
func CompensationsGroup(workflowID string) string {
	return "flowforge:compensations:" + workflowID
}

var (
	// ErrWorkflowExists is returned when creating a workflow whose ID is taken.
	ErrWorkflowExists = errors.New("workflow already exists")

	// ErrWorkflowNotFound is returned when a workflow instance is missing.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrStepNotFound is returned when a step execution record is missing.
	ErrStepNotFound = errors.New("step execution not found")

	// ErrCompensationNotFound is returned when a compensation record is missing.
	ErrCompensationNotFound = errors.New("compensation record not found")
)

// StatusUpdate carries the optional fields of UpdateWorkflowStatus.
type StatusUpdate struct {
	// CurrentStep overrides the instance's current step when non-nil.
	CurrentStep *string

	// Context is merged into the instance context.
	Context workflow.Context

	FailedStep string
	Error      string
}

// History aggregates everything persisted for one workflow.
type History struct {
	Workflow      *workflow.Instance             `json:"workflow"`
	Steps         []*workflow.StepExecution      `json:"steps"`
	Compensations []*workflow.CompensationRecord `json:"compensations"`
}

// Repository implements the persistence operations on a grouped
// key-value store.
type Repository struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a repository on the given store.
func New(st store.Store, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		store:  st,
		logger: logger.With("component", "persistence"),
		now:    time.Now,
	}
}

func (r *Repository) getJSON(ctx context.Context, group, key string, v any) error {
	data, err := r.store.Get(ctx, group, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", group, key, err)
	}
	return nil
}

func (r *Repository) putJSON(ctx context.Context, group, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", group, key, err)
	}
	return r.store.Set(ctx, group, key, data)
}

// CreateWorkflow inserts a new instance in status running pointed at the
// first step. It fails with ErrWorkflowExists when the ID is taken.
func (r *Repository) CreateWorkflow(ctx context.Context, id, workflowType, firstStep string, input workflow.Context) (*workflow.Instance, error) {
	if _, err := r.store.Get(ctx, GroupWorkflows, id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowExists, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := r.now()
	instance := &workflow.Instance{
		ID:          id,
		Type:        workflowType,
		Status:      workflow.StatusRunning,
		CurrentStep: firstStep,
		Context:     workflow.Context{}.Merge(input),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.putJSON(ctx, GroupWorkflows, id, instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// GetWorkflow returns the instance or ErrWorkflowNotFound.
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*workflow.Instance, error) {
	var instance workflow.Instance
	if err := r.getJSON(ctx, GroupWorkflows, id, &instance); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return nil, err
	}
	return &instance, nil
}

// ListWorkflows returns all instances sorted by creation time, newest first.
func (r *Repository) ListWorkflows(ctx context.Context) ([]*workflow.Instance, error) {
	values, err := r.store.GetGroup(ctx, GroupWorkflows)
	if err != nil {
		return nil, err
	}

	instances := make([]*workflow.Instance, 0, len(values))
	for _, data := range values {
		var instance workflow.Instance
		if err := json.Unmarshal(data, &instance); err != nil {
			return nil, fmt.Errorf("decoding workflow: %w", err)
		}
		instances = append(instances, &instance)
	}

	sort.SliceStable(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID > instances[j].ID
		}
		return instances[i].CreatedAt.After(instances[j].CreatedAt)
	})
	return instances, nil
}

// UpdateWorkflowStatus applies a status transition with optional field
// updates. A transition outside the allowed graph is refused silently: the
// unchanged record is returned and a warning logged. When the new status is
// terminal and no explicit current step is provided, the current step is
// cleared.
func (r *Repository) UpdateWorkflowStatus(ctx context.Context, id string, newStatus workflow.Status, upd StatusUpdate) (*workflow.Instance, error) {
	instance, err := r.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	if !workflow.CanTransition(instance.Status, newStatus) {
		r.logger.Warn("refusing workflow status transition",
			"workflowId", id, "from", instance.Status, "to", newStatus)
		return instance, nil
	}

	if upd.Context != nil {
		instance.Context = instance.Context.Merge(upd.Context)
	}
	if upd.FailedStep != "" {
		instance.FailedStep = upd.FailedStep
	}
	if upd.Error != "" {
		instance.Error = upd.Error
	}

	switch {
	case upd.CurrentStep != nil:
		instance.CurrentStep = *upd.CurrentStep
	case newStatus.Terminal():
		instance.CurrentStep = ""
	}

	instance.Status = newStatus
	instance.UpdatedAt = r.now()

	if err := r.putJSON(ctx, GroupWorkflows, id, instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// UpdateWorkflowContext merges delta into the instance context. Terminal
// workflows are left untouched.
func (r *Repository) UpdateWorkflowContext(ctx context.Context, id string, delta workflow.Context) (*workflow.Instance, error) {
	instance, err := r.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	if instance.Status.Terminal() {
		r.logger.Warn("refusing context update on terminal workflow",
			"workflowId", id, "status", instance.Status)
		return instance, nil
	}

	instance.Context = instance.Context.Merge(delta)
	instance.UpdatedAt = r.now()

	if err := r.putJSON(ctx, GroupWorkflows, id, instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// AdvanceToStep moves a running workflow to its next step, merging the
// optional context delta. Non-running workflows are left untouched.
func (r *Repository) AdvanceToStep(ctx context.Context, id, nextStep string, delta workflow.Context) (*workflow.Instance, error) {
	instance, err := r.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	if instance.Status != workflow.StatusRunning {
		r.logger.Warn("refusing advance on non-running workflow",
			"workflowId", id, "status", instance.Status)
		return instance, nil
	}

	if delta != nil {
		instance.Context = instance.Context.Merge(delta)
	}
	instance.CurrentStep = nextStep
	instance.UpdatedAt = r.now()

	if err := r.putJSON(ctx, GroupWorkflows, id, instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// RecordStepStart creates a running step execution. The create is
// idempotent: an existing record is returned unchanged with isNew=false.
func (r *Repository) RecordStepStart(ctx context.Context, workflowID, stepName string, input workflow.Context, attempt int) (*workflow.StepExecution, bool, error) {
	group := StepsGroup(workflowID)

	var existing workflow.StepExecution
	err := r.getJSON(ctx, group, stepName, &existing)
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	if attempt < 1 {
		attempt = 1
	}
	exec := &workflow.StepExecution{
		WorkflowID: workflowID,
		StepName:   stepName,
		Status:     workflow.StepRunning,
		Input:      input.Clone(),
		StartedAt:  r.now(),
		Attempt:    attempt,
	}
	if err := r.putJSON(ctx, group, stepName, exec); err != nil {
		return nil, false, err
	}
	return exec, true, nil
}

// RecordStepComplete transitions a step to completed. A record already in
// a terminal status is returned unchanged; the first terminal outcome is
// the one of record.
func (r *Repository) RecordStepComplete(ctx context.Context, workflowID, stepName string, output workflow.Context) (*workflow.StepExecution, error) {
	return r.finishStep(ctx, workflowID, stepName, func(exec *workflow.StepExecution) {
		exec.Status = workflow.StepCompleted
		exec.Output = output.Clone()
	})
}

// RecordStepFailure transitions a step to failed. Terminal records are
// returned unchanged.
func (r *Repository) RecordStepFailure(ctx context.Context, workflowID, stepName string, stepErr *workflow.StepError) (*workflow.StepExecution, error) {
	return r.finishStep(ctx, workflowID, stepName, func(exec *workflow.StepExecution) {
		exec.Status = workflow.StepFailed
		exec.Error = stepErr
	})
}

func (r *Repository) finishStep(ctx context.Context, workflowID, stepName string, apply func(*workflow.StepExecution)) (*workflow.StepExecution, error) {
	group := StepsGroup(workflowID)

	var exec workflow.StepExecution
	if err := r.getJSON(ctx, group, stepName, &exec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrStepNotFound, workflowID, stepName)
		}
		return nil, err
	}

	if exec.Status.Terminal() {
		r.logger.Warn("refusing overwrite of terminal step",
			"workflowId", workflowID, "step", stepName, "status", exec.Status)
		return &exec, nil
	}

	apply(&exec)
	completedAt := r.now()
	exec.CompletedAt = &completedAt

	if err := r.putJSON(ctx, group, stepName, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// MarkStepCompensated transitions a step to compensated. Completed is the
// expected prior status; an already compensated record is returned unchanged.
func (r *Repository) MarkStepCompensated(ctx context.Context, workflowID, stepName string) (*workflow.StepExecution, error) {
	group := StepsGroup(workflowID)

	var exec workflow.StepExecution
	if err := r.getJSON(ctx, group, stepName, &exec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrStepNotFound, workflowID, stepName)
		}
		return nil, err
	}

	if exec.Status == workflow.StepCompensated {
		return &exec, nil
	}

	exec.Status = workflow.StepCompensated
	completedAt := r.now()
	exec.CompletedAt = &completedAt

	if err := r.putJSON(ctx, group, stepName, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetStep returns a single step execution or ErrStepNotFound.
func (r *Repository) GetStep(ctx context.Context, workflowID, stepName string) (*workflow.StepExecution, error) {
	var exec workflow.StepExecution
	if err := r.getJSON(ctx, StepsGroup(workflowID), stepName, &exec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrStepNotFound, workflowID, stepName)
		}
		return nil, err
	}
	return &exec, nil
}

// ListSteps returns a workflow's step executions sorted by start time
// ascending.
func (r *Repository) ListSteps(ctx context.Context, workflowID string) ([]*workflow.StepExecution, error) {
	values, err := r.store.GetGroup(ctx, StepsGroup(workflowID))
	if err != nil {
		return nil, err
	}

	steps := make([]*workflow.StepExecution, 0, len(values))
	for _, data := range values {
		var exec workflow.StepExecution
		if err := json.Unmarshal(data, &exec); err != nil {
			return nil, fmt.Errorf("decoding step execution: %w", err)
		}
		steps = append(steps, &exec)
	}

	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].StartedAt.Equal(steps[j].StartedAt) {
			return steps[i].StepName < steps[j].StepName
		}
		return steps[i].StartedAt.Before(steps[j].StartedAt)
	})
	return steps, nil
}

// RegisterCompensation records that a compensable step completed and is
// awaiting rollback. The create is idempotent: an existing record is
// returned unchanged.
func (r *Repository) RegisterCompensation(ctx context.Context, workflowID, stepName, compensationName string, stepIndex int) (*workflow.CompensationRecord, error) {
	group := CompensationsGroup(workflowID)

	var existing workflow.CompensationRecord
	err := r.getJSON(ctx, group, stepName, &existing)
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	record := &workflow.CompensationRecord{
		WorkflowID:       workflowID,
		StepName:         stepName,
		CompensationName: compensationName,
		StepIndex:        stepIndex,
		RegisteredAt:     r.now(),
		Executed:         false,
	}
	if err := r.putJSON(ctx, group, stepName, record); err != nil {
		return nil, err
	}
	return record, nil
}

// GetPendingCompensations returns the unexecuted compensation records in
// reverse registration order. Same-instant registrations are tie-broken by
// step index so the order is strictly LIFO.
func (r *Repository) GetPendingCompensations(ctx context.Context, workflowID string) ([]*workflow.CompensationRecord, error) {
	records, err := r.ListCompensations(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	pending := make([]*workflow.CompensationRecord, 0, len(records))
	for _, rec := range records {
		if !rec.Executed {
			pending = append(pending, rec)
		}
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].RegisteredAt.Equal(pending[j].RegisteredAt) {
			return pending[i].StepIndex > pending[j].StepIndex
		}
		return pending[i].RegisteredAt.After(pending[j].RegisteredAt)
	})
	return pending, nil
}

// ListCompensations returns all compensation records for a workflow in
// step-definition order.
func (r *Repository) ListCompensations(ctx context.Context, workflowID string) ([]*workflow.CompensationRecord, error) {
	values, err := r.store.GetGroup(ctx, CompensationsGroup(workflowID))
	if err != nil {
		return nil, err
	}

	records := make([]*workflow.CompensationRecord, 0, len(values))
	for _, data := range values {
		var rec workflow.CompensationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decoding compensation record: %w", err)
		}
		records = append(records, &rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StepIndex < records[j].StepIndex
	})
	return records, nil
}

// MarkCompensationExecuted records a compensation outcome exactly once; a
// record already marked executed is returned unchanged.
func (r *Repository) MarkCompensationExecuted(ctx context.Context, workflowID, stepName string, result workflow.CompensationResult, errMsg string) (*workflow.CompensationRecord, error) {
	group := CompensationsGroup(workflowID)

	var rec workflow.CompensationRecord
	if err := r.getJSON(ctx, group, stepName, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrCompensationNotFound, workflowID, stepName)
		}
		return nil, err
	}

	if rec.Executed {
		return &rec, nil
	}

	executedAt := r.now()
	rec.Executed = true
	rec.ExecutedAt = &executedAt
	rec.Result = result
	rec.Error = errMsg

	if err := r.putJSON(ctx, group, stepName, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetWorkflowHistory returns the instance with all of its step executions
// and compensation records.
func (r *Repository) GetWorkflowHistory(ctx context.Context, id string) (*History, error) {
	instance, err := r.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := r.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	compensations, err := r.ListCompensations(ctx, id)
	if err != nil {
		return nil, err
	}
	return &History{Workflow: instance, Steps: steps, Compensations: compensations}, nil
}
