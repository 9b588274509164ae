// Package workflow defines the domain model shared by the engine,
// compensator, and persistence layers: workflow type definitions, runtime
// instances, step executions, and compensation records.
package workflow

import (
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Status represents the status of a workflow instance.
type Status string

const (
	StatusRunning      Status = "running"
	StatusWaiting      Status = "waiting"
	StatusFailed       Status = "failed"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether the status permits no further forward progress.
// A failed workflow is terminal for the forward path; the compensator moves
// it through compensating to compensated.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// transitions is the allowed workflow status transition graph. Anything not
// listed here is refused by the persistence layer.
var transitions = map[Status][]Status{
	StatusRunning:      {StatusRunning, StatusWaiting, StatusCompleted, StatusFailed},
	StatusWaiting:      {StatusRunning},
	StatusFailed:       {StatusCompensating},
	StatusCompensating: {StatusCompensated},
}

// CanTransition reports whether moving from one workflow status to another
// is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepStatus represents the status of a single step execution.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepCompensated StepStatus = "compensated"
)

// Terminal reports whether the step status must never be overwritten by a
// completion or failure record.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCompensated:
		return true
	}
	return false
}

// StepDefinition is the static description of one step in a workflow type.
type StepDefinition struct {
	Name             string `json:"name"`
	Topic            string `json:"topic"`
	CompensationName string `json:"compensationName,omitempty"`
}

// Compensable reports whether the step has a registered rollback handler.
func (s StepDefinition) Compensable() bool {
	return s.CompensationName != ""
}

// Definition is a workflow type: a unique name and its ordered steps.
type Definition struct {
	Type  string           `json:"type"`
	Steps []StepDefinition `json:"steps"`
}

// Context is the opaque string-keyed bag shared across the steps of a
// workflow instance. Step handlers read and write it; the core never
// interprets its values.
type Context map[string]any

// Merge returns a new Context containing the receiver's entries overlaid
// with delta. Neither input is modified.
func (c Context) Merge(delta Context) Context {
	merged := make(Context, len(c)+len(delta))
	for k, v := range c {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}
	return merged
}

// Clone returns a shallow copy of the context.
func (c Context) Clone() Context {
	return Context{}.Merge(c)
}

// Instance is the persistent record of a running or finished workflow.
type Instance struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Status      Status    `json:"status"`
	CurrentStep string    `json:"currentStep,omitempty"`
	Context     Context   `json:"context"`
	FailedStep  string    `json:"failedStep,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StepError carries the business-level failure reported by a step handler.
type StepError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func (e *StepError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// StepExecution is the persistent record of one step on one workflow
// instance, keyed by (WorkflowID, StepName).
type StepExecution struct {
	WorkflowID  string     `json:"workflowId"`
	StepName    string     `json:"stepName"`
	Status      StepStatus `json:"status"`
	Input       Context    `json:"input,omitempty"`
	Output      Context    `json:"output,omitempty"`
	Error       *StepError `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Attempt     int        `json:"attempt"`
}

// CompensationResult is the outcome reported by a compensation handler.
type CompensationResult string

const (
	CompensationSuccess CompensationResult = "success"
	CompensationFailed  CompensationResult = "failed"
)

// CompensationRecord marks that a compensable step completed and is
// awaiting (or has finished) rollback. StepIndex is the step's position in
// the workflow definition and breaks registration-time ties so that the
// reverse order stays strictly LIFO.
type CompensationRecord struct {
	WorkflowID       string             `json:"workflowId"`
	StepName         string             `json:"stepName"`
	CompensationName string             `json:"compensationName"`
	StepIndex        int                `json:"stepIndex"`
	RegisteredAt     time.Time          `json:"registeredAt"`
	Executed         bool               `json:"executed"`
	ExecutedAt       *time.Time         `json:"executedAt,omitempty"`
	Result           CompensationResult `json:"result,omitempty"`
	Error            string             `json:"error,omitempty"`
}

const idCharset = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID generates a workflow identifier of the form
// wf_<base36-timestamp>_<base36-random8>.
func NewID() string {
	var b strings.Builder
	b.WriteString("wf_")
	b.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 36))
	b.WriteByte('_')
	for i := 0; i < 8; i++ {
		b.WriteByte(idCharset[rand.Intn(len(idCharset))])
	}
	return b.String()
}
