package steps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/internal/store"
)

func newRefundProcessor(t *testing.T) (*RefundProcessor, *PaymentGateway) {
	t.Helper()
	gateway := NewPaymentGateway()
	p := NewRefundProcessor(gateway, store.NewMemoryStore(), nil)
	p.backoff = time.Millisecond
	return p, gateway
}

func TestRefundProcess(t *testing.T) {
	p, gateway := newRefundProcessor(t)
	ctx := context.Background()

	txID, err := gateway.Charge(ctx, "o_1", 100)
	require.NoError(t, err)

	refundID, err := p.Process(ctx, "wf_1", StepChargePayment, txID)
	require.NoError(t, err)
	assert.Contains(t, refundID, "rf_")
	assert.False(t, gateway.Charged(txID))
}

func TestRefundProcessIdempotent(t *testing.T) {
	p, gateway := newRefundProcessor(t)
	ctx := context.Background()

	txID, err := gateway.Charge(ctx, "o_1", 100)
	require.NoError(t, err)

	first, err := p.Process(ctx, "wf_1", StepChargePayment, txID)
	require.NoError(t, err)

	// A redelivered compensation must replay the stored record, not hit
	// the gateway again. A gateway that would fail proves it.
	gateway.FailRefunds(5)
	again, err := p.Process(ctx, "wf_1", StepChargePayment, txID)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestRefundProcessRetries(t *testing.T) {
	p, gateway := newRefundProcessor(t)
	ctx := context.Background()

	txID, err := gateway.Charge(ctx, "o_1", 100)
	require.NoError(t, err)

	// Two transient failures, success on the third attempt.
	gateway.FailRefunds(2)
	refundID, err := p.Process(ctx, "wf_1", StepChargePayment, txID)
	require.NoError(t, err)
	assert.NotEmpty(t, refundID)
}

func TestRefundProcessExhaustsAttempts(t *testing.T) {
	p, gateway := newRefundProcessor(t)
	ctx := context.Background()

	txID, err := gateway.Charge(ctx, "o_1", 100)
	require.NoError(t, err)

	gateway.FailRefunds(3)
	_, err = p.Process(ctx, "wf_1", StepChargePayment, txID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefundUnavailable)

	// No idempotency record was written for the failed refund, so a later
	// retry goes back to the gateway.
	refundID, perr := p.Process(ctx, "wf_1", StepChargePayment, txID)
	require.NoError(t, perr)
	assert.NotEmpty(t, refundID)
}
