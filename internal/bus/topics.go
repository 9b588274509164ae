package bus

import "github.com/flowforge/flowforge/internal/workflow"

// Engine-internal topics.
const (
	TopicExecuteStep       = "flowforge.execute-step"
	TopicStepCompleted     = "flowforge.step-completed"
	TopicStepFailed        = "flowforge.step-failed"
	TopicCompensate        = "flowforge.compensate"
	TopicWorkflowCompleted = "flowforge.workflow-completed"
	TopicWorkflowFailed    = "flowforge.workflow-failed"
)

// Compensator-internal topics.
const (
	TopicExecuteCompensation   = "flowforge.execute-compensation"
	TopicCompensationCompleted = "flowforge.compensation-completed"
	TopicCompensationFinished  = "flowforge.compensation-finished"
)

// CompensationTopic returns the dispatch topic for a compensation handler.
func CompensationTopic(compensationName string) string {
	return "compensate." + compensationName
}

// ExecuteStepPayload instructs the engine to dispatch a step.
type ExecuteStepPayload struct {
	WorkflowID string `json:"workflowId"`
	StepName   string `json:"stepName"`
}

// StepDispatchPayload is emitted on a step definition's forward topic.
type StepDispatchPayload struct {
	WorkflowID string           `json:"workflowId"`
	StepName   string           `json:"stepName"`
	Context    workflow.Context `json:"context"`
}

// StepCompletedPayload reports a step's successful terminal outcome.
type StepCompletedPayload struct {
	WorkflowID string           `json:"workflowId"`
	StepName   string           `json:"stepName"`
	Output     workflow.Context `json:"output,omitempty"`
}

// StepFailedPayload reports a step's failed terminal outcome.
type StepFailedPayload struct {
	WorkflowID string             `json:"workflowId"`
	StepName   string             `json:"stepName"`
	Error      workflow.StepError `json:"error"`
}

// CompensatePayload asks the compensator to start the reverse path.
type CompensatePayload struct {
	WorkflowID string `json:"workflowId"`
}

// WorkflowCompletedPayload announces forward-path completion.
type WorkflowCompletedPayload struct {
	WorkflowID string `json:"workflowId"`
	Type       string `json:"type"`
}

// WorkflowFailedPayload announces that a workflow entered the failed state.
type WorkflowFailedPayload struct {
	WorkflowID string `json:"workflowId"`
	FailedStep string `json:"failedStep"`
	Error      string `json:"error"`
}

// ExecuteCompensationPayload instructs the compensator to dispatch one
// compensation.
type ExecuteCompensationPayload struct {
	WorkflowID       string `json:"workflowId"`
	StepName         string `json:"stepName"`
	CompensationName string `json:"compensationName"`
}

// CompensationDispatchPayload is emitted on compensate.<name> for the
// rollback handler. OriginalOutput carries the completed step's output,
// which most handlers need to undo the side effect.
type CompensationDispatchPayload struct {
	WorkflowID       string           `json:"workflowId"`
	OriginalStep     string           `json:"originalStep"`
	CompensationStep string           `json:"compensationStep"`
	Context          workflow.Context `json:"context"`
	OriginalOutput   workflow.Context `json:"originalOutput,omitempty"`
}

// CompensationCompletedPayload reports a compensation handler's outcome.
type CompensationCompletedPayload struct {
	WorkflowID string `json:"workflowId"`
	StepName   string `json:"stepName"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// CompensationFinishedPayload announces that the reverse path is done.
type CompensationFinishedPayload struct {
	WorkflowID string `json:"workflowId"`
}
