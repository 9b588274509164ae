package api

import (
	"github.com/flowforge/flowforge/internal/workflow"
)

// StartWorkflowRequest is the body of POST /workflows/start.
type StartWorkflowRequest struct {
	Type  string           `json:"type" validate:"required"`
	Input workflow.Context `json:"input"`
}

// SignalRequest is the body of POST /workflows/{id}/signal.
type SignalRequest struct {
	Signal  string           `json:"signal" validate:"required,oneof=pause resume"`
	Payload workflow.Context `json:"payload"`
}

// StartWorkflowResponse is returned on a successful start.
type StartWorkflowResponse struct {
	WorkflowID string          `json:"workflowId"`
	Type       string          `json:"type"`
	Status     workflow.Status `json:"status"`
	Message    string          `json:"message"`
}

// SignalResponse is returned after a pause or resume signal.
type SignalResponse struct {
	Workflow *workflow.Instance `json:"workflow"`
}

// ListWorkflowsResponse is returned by GET /workflows.
type ListWorkflowsResponse struct {
	Workflows []*workflow.Instance `json:"workflows"`
	Count     int                  `json:"count"`
}

// WorkflowDetailResponse is returned by GET /workflows/{id}.
type WorkflowDetailResponse struct {
	Workflow      *workflow.Instance             `json:"workflow"`
	Steps         []*workflow.StepExecution      `json:"steps"`
	Compensations []*workflow.CompensationRecord `json:"compensations"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}
