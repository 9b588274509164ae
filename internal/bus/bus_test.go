package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/internal/workflow"
)

func TestNewEvent(t *testing.T) {
	e := NewEvent(TopicExecuteStep, map[string]any{"workflowId": "wf_1"})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, TopicExecuteStep, e.Topic)
	assert.Equal(t, "wf_1", e.Data["workflowId"])
	assert.False(t, e.Timestamp.IsZero())
}

func TestPayloadRoundTrip(t *testing.T) {
	in := StepCompletedPayload{
		WorkflowID: "wf_1",
		StepName:   "ChargePayment",
		Output:     workflow.Context{"transactionId": "tx_9"},
	}

	e := NewEvent(TopicStepCompleted, Payload(in))

	var out StepCompletedPayload
	require.NoError(t, DecodePayload(e, &out))
	assert.Equal(t, in.WorkflowID, out.WorkflowID)
	assert.Equal(t, in.StepName, out.StepName)
	assert.Equal(t, "tx_9", out.Output["transactionId"])
}

func TestMemoryBusEmit(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var got []Event
	b.Subscribe("order.validate", HandlerFunc(func(ctx context.Context, e Event) error {
		got = append(got, e)
		return nil
	}))

	err := b.Emit(context.Background(), NewEvent("order.validate", map[string]any{"k": "v"}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v", got[0].Data["k"])
}

func TestMemoryBusNoSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	assert.NoError(t, b.Emit(context.Background(), NewEvent("nobody.home", nil)))
}

func TestMemoryBusFanOut(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var count int
	for i := 0; i < 3; i++ {
		b.Subscribe("topic", HandlerFunc(func(ctx context.Context, e Event) error {
			count++
			return nil
		}))
	}

	require.NoError(t, b.Emit(context.Background(), NewEvent("topic", nil)))
	assert.Equal(t, 3, count)
	assert.Equal(t, 3, b.SubscriberCount("topic"))
}

func TestMemoryBusHandlerErrorIsolation(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var reached bool
	b.Subscribe("topic", HandlerFunc(func(ctx context.Context, e Event) error {
		return errors.New("boom")
	}))
	b.Subscribe("topic", HandlerFunc(func(ctx context.Context, e Event) error {
		reached = true
		return nil
	}))

	require.NoError(t, b.Emit(context.Background(), NewEvent("topic", nil)))
	assert.True(t, reached, "error in one handler must not stop the others")
}

func TestMemoryBusPanicRecovery(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var reached bool
	b.Subscribe("topic", HandlerFunc(func(ctx context.Context, e Event) error {
		panic("handler bug")
	}))
	b.Subscribe("topic", HandlerFunc(func(ctx context.Context, e Event) error {
		reached = true
		return nil
	}))

	require.NotPanics(t, func() {
		_ = b.Emit(context.Background(), NewEvent("topic", nil))
	})
	assert.True(t, reached)
}

func TestMemoryBusEmitAsync(t *testing.T) {
	b := NewMemoryBus(nil)

	var mu sync.Mutex
	var got int
	done := make(chan struct{})
	b.Subscribe("topic", HandlerFunc(func(ctx context.Context, e Event) error {
		mu.Lock()
		got++
		n := got
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		return nil
	}))

	for i := 0; i < 5; i++ {
		b.EmitAsync(context.Background(), NewEvent("topic", nil))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async events not delivered")
	}
	b.Close()
}

func TestMemoryBusEmitAsyncAfterClose(t *testing.T) {
	b := NewMemoryBus(nil)
	b.Close()

	require.NotPanics(t, func() {
		b.EmitAsync(context.Background(), NewEvent("topic", nil))
	})
}

func TestCompensationTopic(t *testing.T) {
	assert.Equal(t, "compensate.RefundPayment", CompensationTopic("RefundPayment"))
}
