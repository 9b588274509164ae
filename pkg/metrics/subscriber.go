package metrics

import (
	"context"

	"github.com/flowforge/flowforge/internal/bus"
)

// Subscriber feeds the registry from the engine's event stream. It only
// observes; a decode failure is counted and dropped, never propagated, so
// metrics can never stall a workflow.
type Subscriber struct {
	registry *Registry
}

// NewSubscriber creates a subscriber over the registry.
func NewSubscriber(registry *Registry) *Subscriber {
	return &Subscriber{registry: registry}
}

// Register attaches the subscriber to every engine topic.
func (s *Subscriber) Register(b bus.Bus) {
	topics := map[string]func(context.Context, bus.Event){
		bus.TopicExecuteStep:           s.onExecuteStep,
		bus.TopicStepCompleted:         s.onStepCompleted,
		bus.TopicStepFailed:            s.onStepFailed,
		bus.TopicWorkflowCompleted:     s.onWorkflowCompleted,
		bus.TopicWorkflowFailed:        s.onWorkflowFailed,
		bus.TopicCompensationCompleted: s.onCompensationCompleted,
		bus.TopicCompensationFinished:  s.onCompensationFinished,
	}
	for topic, observe := range topics {
		observe := observe
		b.Subscribe(topic, bus.HandlerFunc(func(ctx context.Context, e bus.Event) error {
			s.registry.EventsTotal.WithLabelValues(e.Topic).Inc()
			observe(ctx, e)
			return nil
		}))
	}
}

// CountStart records a started workflow. Start happens through the API,
// not an event, so the server calls this directly.
func (s *Subscriber) CountStart(workflowType string) {
	s.registry.WorkflowsStarted.WithLabelValues(workflowType).Inc()
}

func (s *Subscriber) onExecuteStep(ctx context.Context, e bus.Event) {
	var p bus.ExecuteStepPayload
	if bus.DecodePayload(e, &p) == nil {
		s.registry.StepsDispatched.WithLabelValues(p.StepName).Inc()
	}
}

func (s *Subscriber) onStepCompleted(ctx context.Context, e bus.Event) {
	var p bus.StepCompletedPayload
	if bus.DecodePayload(e, &p) == nil {
		s.registry.StepsCompleted.WithLabelValues(p.StepName).Inc()
	}
}

func (s *Subscriber) onStepFailed(ctx context.Context, e bus.Event) {
	var p bus.StepFailedPayload
	if bus.DecodePayload(e, &p) == nil {
		s.registry.StepsFailed.WithLabelValues(p.StepName, p.Error.Code).Inc()
	}
}

func (s *Subscriber) onWorkflowCompleted(ctx context.Context, e bus.Event) {
	var p bus.WorkflowCompletedPayload
	if bus.DecodePayload(e, &p) == nil {
		s.registry.WorkflowsCompleted.WithLabelValues(p.Type).Inc()
	}
}

func (s *Subscriber) onWorkflowFailed(ctx context.Context, e bus.Event) {
	var p bus.WorkflowFailedPayload
	if bus.DecodePayload(e, &p) == nil {
		s.registry.WorkflowsFailed.WithLabelValues(p.FailedStep).Inc()
	}
}

func (s *Subscriber) onCompensationCompleted(ctx context.Context, e bus.Event) {
	var p bus.CompensationCompletedPayload
	if bus.DecodePayload(e, &p) == nil {
		result := "success"
		if !p.Success {
			result = "failed"
		}
		s.registry.CompensationsExecuted.WithLabelValues(p.StepName, result).Inc()
	}
}

func (s *Subscriber) onCompensationFinished(ctx context.Context, e bus.Event) {
	s.registry.WorkflowsCompensated.Inc()
}
