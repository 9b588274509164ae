package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/internal/bus"
	"github.com/flowforge/flowforge/internal/persistence"
	"github.com/flowforge/flowforge/internal/registry"
	"github.com/flowforge/flowforge/internal/store"
	"github.com/flowforge/flowforge/internal/workflow"
)

func orderDef() workflow.Definition {
	return workflow.Definition{
		Type: "order-fulfillment",
		Steps: []workflow.StepDefinition{
			{Name: "ValidateOrder", Topic: "order.validate"},
			{Name: "ChargePayment", Topic: "order.charge", CompensationName: "RefundPayment"},
			{Name: "ReserveInventory", Topic: "order.reserve", CompensationName: "ReleaseInventory"},
			{Name: "CreateShipment", Topic: "order.ship", CompensationName: "CancelShipment"},
			{Name: "NotifyUser", Topic: "order.notify"},
			{Name: "Complete", Topic: "order.complete"},
		},
	}
}

type fixture struct {
	engine *Engine
	repo   *persistence.Repository
	bus    *bus.MemoryBus
	events map[string][]bus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.Register(orderDef()))

	repo := persistence.New(store.NewMemoryStore(), nil)
	b := bus.NewMemoryBus(nil)
	t.Cleanup(func() { b.Close() })

	f := &fixture{
		engine: New(reg, repo, b, nil),
		repo:   repo,
		bus:    b,
		events: make(map[string][]bus.Event),
	}
	return f
}

// capture records every event on a topic for later assertions.
func (f *fixture) capture(topics ...string) {
	for _, topic := range topics {
		topic := topic
		f.bus.Subscribe(topic, bus.HandlerFunc(func(ctx context.Context, e bus.Event) error {
			f.events[topic] = append(f.events[topic], e)
			return nil
		}))
	}
}

// autoComplete makes a step topic report success with the given output.
func (f *fixture) autoComplete(topic string, output workflow.Context) {
	f.bus.Subscribe(topic, bus.HandlerFunc(func(ctx context.Context, e bus.Event) error {
		var p bus.StepDispatchPayload
		if err := bus.DecodePayload(e, &p); err != nil {
			return err
		}
		return f.bus.Emit(ctx, bus.NewEvent(bus.TopicStepCompleted, bus.Payload(bus.StepCompletedPayload{
			WorkflowID: p.WorkflowID,
			StepName:   p.StepName,
			Output:     output,
		})))
	}))
}

// autoFail makes a step topic report failure.
func (f *fixture) autoFail(topic string, stepErr workflow.StepError) {
	f.bus.Subscribe(topic, bus.HandlerFunc(func(ctx context.Context, e bus.Event) error {
		var p bus.StepDispatchPayload
		if err := bus.DecodePayload(e, &p); err != nil {
			return err
		}
		return f.bus.Emit(ctx, bus.NewEvent(bus.TopicStepFailed, bus.Payload(bus.StepFailedPayload{
			WorkflowID: p.WorkflowID,
			StepName:   p.StepName,
			Error:      stepErr,
		})))
	}))
}

func TestStartWorkflow(t *testing.T) {
	f := newFixture(t)
	f.engine.Register(f.bus)
	f.capture("order.validate")

	instance, err := f.engine.StartWorkflow(context.Background(), "order-fulfillment", workflow.Context{"orderId": "o_1"})
	require.NoError(t, err)

	assert.Contains(t, instance.ID, "wf_")
	assert.Equal(t, workflow.StatusRunning, instance.Status)
	assert.Equal(t, "ValidateOrder", instance.CurrentStep)

	require.Len(t, f.events["order.validate"], 1)
	var dispatched bus.StepDispatchPayload
	require.NoError(t, bus.DecodePayload(f.events["order.validate"][0], &dispatched))
	assert.Equal(t, instance.ID, dispatched.WorkflowID)
	assert.Equal(t, "o_1", dispatched.Context["orderId"])
}

func TestStartWorkflowUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.StartWorkflow(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, registry.ErrUnknownWorkflowType)
}

func TestStartWorkflowWithIDIdempotent(t *testing.T) {
	f := newFixture(t)
	f.engine.Register(f.bus)
	f.capture("order.validate")
	ctx := context.Background()

	first, err := f.engine.StartWorkflowWithID(ctx, "wf_fixed", "order-fulfillment", workflow.Context{"orderId": "o_1"})
	require.NoError(t, err)

	again, err := f.engine.StartWorkflowWithID(ctx, "wf_fixed", "order-fulfillment", workflow.Context{"orderId": "o_other"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "o_1", again.Context["orderId"], "duplicate start must not change the instance")
	assert.Len(t, f.events["order.validate"], 1, "duplicate start must not re-dispatch")
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	f.engine.Register(f.bus)
	f.capture(bus.TopicWorkflowCompleted, bus.TopicCompensate)

	f.autoComplete("order.validate", workflow.Context{"validated": true})
	f.autoComplete("order.charge", workflow.Context{"transactionId": "tx_1"})
	f.autoComplete("order.reserve", workflow.Context{"reservationId": "r_1"})
	f.autoComplete("order.ship", workflow.Context{"shipmentId": "s_1"})
	f.autoComplete("order.notify", workflow.Context{"notified": true})
	f.autoComplete("order.complete", nil)

	ctx := context.Background()
	instance, err := f.engine.StartWorkflow(ctx, "order-fulfillment", workflow.Context{"orderId": "o_1"})
	require.NoError(t, err)

	final, err := f.repo.GetWorkflow(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	assert.Empty(t, final.CurrentStep)
	assert.Equal(t, "tx_1", final.Context["transactionId"])
	assert.Equal(t, "s_1", final.Context["shipmentId"])

	steps, err := f.repo.ListSteps(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, steps, 6)
	for _, s := range steps {
		assert.Equal(t, workflow.StepCompleted, s.Status, s.StepName)
	}

	// Compensations were registered for the three compensable steps but
	// never executed: the forward path finished.
	pending, err := f.repo.GetPendingCompensations(ctx, instance.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	assert.Len(t, f.events[bus.TopicWorkflowCompleted], 1)
	assert.Empty(t, f.events[bus.TopicCompensate])
}

func TestStepFailureMovesWorkflowToFailed(t *testing.T) {
	f := newFixture(t)
	f.engine.Register(f.bus)
	f.capture(bus.TopicCompensate, bus.TopicWorkflowFailed, bus.TopicWorkflowCompleted)

	f.autoComplete("order.validate", nil)
	f.autoFail("order.charge", workflow.StepError{Message: "card declined", Code: "PAYMENT_DECLINED"})

	ctx := context.Background()
	instance, err := f.engine.StartWorkflow(ctx, "order-fulfillment", workflow.Context{"orderId": "o_1"})
	require.NoError(t, err)

	final, err := f.repo.GetWorkflow(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, final.Status)
	assert.Equal(t, "ChargePayment", final.FailedStep)
	assert.Contains(t, final.Error, "card declined")

	step, err := f.repo.GetStep(ctx, instance.ID, "ChargePayment")
	require.NoError(t, err)
	assert.Equal(t, workflow.StepFailed, step.Status)
	require.NotNil(t, step.Error)
	assert.Equal(t, "PAYMENT_DECLINED", step.Error.Code)

	require.Len(t, f.events[bus.TopicCompensate], 1)
	require.Len(t, f.events[bus.TopicWorkflowFailed], 1)
	assert.Empty(t, f.events[bus.TopicWorkflowCompleted])

	var failed bus.WorkflowFailedPayload
	require.NoError(t, bus.DecodePayload(f.events[bus.TopicWorkflowFailed][0], &failed))
	assert.Equal(t, "ChargePayment", failed.FailedStep)
}

func TestFailureRegistersPriorCompensationsOnly(t *testing.T) {
	f := newFixture(t)
	f.engine.Register(f.bus)

	f.autoComplete("order.validate", nil)
	f.autoComplete("order.charge", workflow.Context{"transactionId": "tx_1"})
	f.autoFail("order.reserve", workflow.StepError{Message: "out of stock", Code: "INSUFFICIENT_INVENTORY"})

	ctx := context.Background()
	instance, err := f.engine.StartWorkflow(ctx, "order-fulfillment", nil)
	require.NoError(t, err)

	pending, err := f.repo.GetPendingCompensations(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1, "only completed compensable steps are registered")
	assert.Equal(t, "ChargePayment", pending[0].StepName)
	assert.Equal(t, "RefundPayment", pending[0].CompensationName)
}

func TestExecuteStepReplaysStoredCompletion(t *testing.T) {
	f := newFixture(t)
	f.capture(bus.TopicStepCompleted, "order.charge")
	ctx := context.Background()

	_, err := f.repo.CreateWorkflow(ctx, "wf_1", "order-fulfillment", "ChargePayment", nil)
	require.NoError(t, err)
	_, _, err = f.repo.RecordStepStart(ctx, "wf_1", "ChargePayment", nil, 1)
	require.NoError(t, err)
	_, err = f.repo.RecordStepComplete(ctx, "wf_1", "ChargePayment", workflow.Context{"transactionId": "tx_1"})
	require.NoError(t, err)

	require.NoError(t, f.engine.ExecuteStep(ctx, "wf_1", "ChargePayment"))

	assert.Empty(t, f.events["order.charge"], "completed step must not be re-run")
	require.Len(t, f.events[bus.TopicStepCompleted], 1)
	var p bus.StepCompletedPayload
	require.NoError(t, bus.DecodePayload(f.events[bus.TopicStepCompleted][0], &p))
	assert.Equal(t, "tx_1", p.Output["transactionId"])
}

func TestExecuteStepRedispatchesInFlightStep(t *testing.T) {
	f := newFixture(t)
	f.capture("order.charge")
	ctx := context.Background()

	_, err := f.repo.CreateWorkflow(ctx, "wf_1", "order-fulfillment", "ChargePayment", nil)
	require.NoError(t, err)
	_, _, err = f.repo.RecordStepStart(ctx, "wf_1", "ChargePayment", nil, 1)
	require.NoError(t, err)

	require.NoError(t, f.engine.ExecuteStep(ctx, "wf_1", "ChargePayment"))
	assert.Len(t, f.events["order.charge"], 1, "a lost dispatch is retried")
}

func TestExecuteStepUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	f.capture("order.validate")

	require.NoError(t, f.engine.ExecuteStep(context.Background(), "wf_missing", "ValidateOrder"))
	assert.Empty(t, f.events["order.validate"])
}

func TestExecuteStepSkipsNonRunningWorkflow(t *testing.T) {
	f := newFixture(t)
	f.capture("order.validate")
	ctx := context.Background()

	_, err := f.repo.CreateWorkflow(ctx, "wf_1", "order-fulfillment", "ValidateOrder", nil)
	require.NoError(t, err)
	_, err = f.repo.UpdateWorkflowStatus(ctx, "wf_1", workflow.StatusWaiting, persistence.StatusUpdate{})
	require.NoError(t, err)

	require.NoError(t, f.engine.ExecuteStep(ctx, "wf_1", "ValidateOrder"))
	assert.Empty(t, f.events["order.validate"])
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	f.engine.Register(f.bus)
	f.capture("order.validate")
	ctx := context.Background()

	instance, err := f.engine.StartWorkflow(ctx, "order-fulfillment", workflow.Context{"orderId": "o_1"})
	require.NoError(t, err)
	require.Len(t, f.events["order.validate"], 1)

	paused, err := f.engine.PauseWorkflow(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusWaiting, paused.Status)
	assert.Equal(t, "ValidateOrder", paused.CurrentStep)

	resumed, err := f.engine.ResumeWorkflow(ctx, instance.ID, workflow.Context{"approval": "granted"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, resumed.Status)
	assert.Equal(t, "granted", resumed.Context["approval"])
	assert.Len(t, f.events["order.validate"], 2, "resume re-dispatches the current step")
}

func TestResumeNonWaitingWorkflowIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.capture(bus.TopicExecuteStep)
	ctx := context.Background()

	_, err := f.repo.CreateWorkflow(ctx, "wf_1", "order-fulfillment", "ValidateOrder", nil)
	require.NoError(t, err)

	instance, err := f.engine.ResumeWorkflow(ctx, "wf_1", workflow.Context{"approval": "granted"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, instance.Status)
	assert.NotContains(t, instance.Context, "approval", "signal payload not merged on a no-op")
	assert.Empty(t, f.events[bus.TopicExecuteStep], "no re-dispatch on a no-op")
}

func TestLateCompletionAfterFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.engine.Register(f.bus)
	f.capture(bus.TopicWorkflowCompleted)
	ctx := context.Background()

	f.autoComplete("order.validate", nil)
	f.autoFail("order.charge", workflow.StepError{Message: "card declined"})

	instance, err := f.engine.StartWorkflow(ctx, "order-fulfillment", nil)
	require.NoError(t, err)

	// A duplicate, out-of-order success for the failed step arrives late.
	err = f.engine.HandleStepCompleted(ctx, bus.StepCompletedPayload{
		WorkflowID: instance.ID,
		StepName:   "ChargePayment",
		Output:     workflow.Context{"transactionId": "tx_dup"},
	})
	require.NoError(t, err)

	final, err := f.repo.GetWorkflow(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, final.Status)
	assert.NotContains(t, final.Context, "transactionId")
	assert.Empty(t, f.events[bus.TopicWorkflowCompleted])
}
