// Package api provides the HTTP surface of the orchestrator: starting
// workflows, inspecting their state, and signalling pause/resume.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/flowforge/flowforge/internal/engine"
	"github.com/flowforge/flowforge/internal/persistence"
	"github.com/flowforge/flowforge/internal/registry"
	"github.com/flowforge/flowforge/pkg/metrics"
)

// Handler serves the workflow endpoints.
type Handler struct {
	engine   *engine.Engine
	repo     *persistence.Repository
	metrics  *metrics.Subscriber
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a handler. The metrics subscriber may be nil.
func NewHandler(eng *engine.Engine, repo *persistence.Repository, sub *metrics.Subscriber, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:   eng,
		repo:     repo,
		metrics:  sub,
		validate: validator.New(),
		logger:   logger.With("component", "api"),
	}
}

// StartWorkflow handles POST /workflows/start.
func (h *Handler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.respondValidationError(w, err)
		return
	}

	instance, err := h.engine.StartWorkflow(r.Context(), req.Type, req.Input)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownWorkflowType) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("starting workflow", "type", req.Type, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to start workflow")
		return
	}

	if h.metrics != nil {
		h.metrics.CountStart(req.Type)
	}
	h.respondJSON(w, http.StatusCreated, StartWorkflowResponse{
		WorkflowID: instance.ID,
		Type:       instance.Type,
		Status:     instance.Status,
		Message:    "workflow started",
	})
}

// ListWorkflows handles GET /workflows.
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	instances, err := h.repo.ListWorkflows(r.Context())
	if err != nil {
		h.logger.Error("listing workflows", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	h.respondJSON(w, http.StatusOK, ListWorkflowsResponse{Workflows: instances, Count: len(instances)})
}

// GetWorkflow handles GET /workflows/{id}.
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	history, err := h.repo.GetWorkflowHistory(r.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			h.respondError(w, http.StatusNotFound, "workflow not found")
			return
		}
		h.logger.Error("loading workflow", "workflowId", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}

	h.respondJSON(w, http.StatusOK, WorkflowDetailResponse{
		Workflow:      history.Workflow,
		Steps:         history.Steps,
		Compensations: history.Compensations,
	})
}

// SignalWorkflow handles POST /workflows/{id}/signal with pause or resume.
func (h *Handler) SignalWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SignalRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.respondValidationError(w, err)
		return
	}

	var err error
	switch req.Signal {
	case "pause":
		_, err = h.engine.PauseWorkflow(r.Context(), id)
	case "resume":
		_, err = h.engine.ResumeWorkflow(r.Context(), id, req.Payload)
	}
	if err != nil {
		switch {
		case errors.Is(err, persistence.ErrWorkflowNotFound):
			h.respondError(w, http.StatusNotFound, "workflow not found")
		default:
			h.logger.Error("signalling workflow", "workflowId", id, "signal", req.Signal, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to signal workflow")
		}
		return
	}

	instance, err := h.repo.GetWorkflow(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}
	h.respondJSON(w, http.StatusOK, SignalResponse{Workflow: instance})
}

func (h *Handler) decodeAndValidate(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message string) {
	h.respondJSON(w, code, ErrorResponse{Error: message})
}

func (h *Handler) respondValidationError(w http.ResponseWriter, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		details := make(map[string]string)
		for _, e := range validationErrs {
			details[e.Field()] = formatValidationError(e)
		}
		h.respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Details: details})
		return
	}
	h.respondError(w, http.StatusBadRequest, "invalid request body")
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + e.Param()
	default:
		return "is invalid"
	}
}
