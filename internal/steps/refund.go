package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/flowforge/flowforge/internal/store"
)

// GroupRefunds is the store group the refund processor owns. Keys are
// workflowID:stepName, so one refund per compensated charge.
const GroupRefunds = "flowforge:refunds"

// refundRecord is what the processor persists once a refund went through.
type refundRecord struct {
	RefundID      string    `json:"refundId"`
	TransactionID string    `json:"transactionId"`
	WorkflowID    string    `json:"workflowId"`
	RefundedAt    time.Time `json:"refundedAt"`
}

// RefundProcessor issues payment refunds with the protections a real money
// movement needs: an idempotency record so a redelivered compensation never
// refunds twice, bounded retries with backoff, a per-call timeout, and a
// circuit breaker in front of the gateway.
type RefundProcessor struct {
	gateway *PaymentGateway
	store   store.Store
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration
}

// NewRefundProcessor creates a processor with production defaults:
// 3 attempts, 100ms linear backoff, 5s per-call timeout.
func NewRefundProcessor(gateway *PaymentGateway, st store.Store, logger *slog.Logger) *RefundProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "refunds")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-refunds",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &RefundProcessor{
		gateway:     gateway,
		store:       st,
		breaker:     breaker,
		logger:      logger,
		maxAttempts: 3,
		backoff:     100 * time.Millisecond,
		timeout:     5 * time.Second,
	}
}

// Process refunds the transaction charged for one workflow step. A refund
// already recorded under the workflowID:stepName idempotency key is
// returned as-is without touching the gateway.
func (p *RefundProcessor) Process(ctx context.Context, workflowID, stepName, transactionID string) (string, error) {
	key := workflowID + ":" + stepName

	if data, err := p.store.Get(ctx, GroupRefunds, key); err == nil {
		var rec refundRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return "", fmt.Errorf("decoding refund record %s: %w", key, err)
		}
		p.logger.Info("refund already issued", "workflowId", workflowID, "refundId", rec.RefundID)
		return rec.RefundID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		result, err := p.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			return p.gateway.Refund(callCtx, transactionID)
		})
		if err == nil {
			refundID := result.(string)
			rec := refundRecord{
				RefundID:      refundID,
				TransactionID: transactionID,
				WorkflowID:    workflowID,
				RefundedAt:    time.Now(),
			}
			data, merr := json.Marshal(rec)
			if merr != nil {
				return "", fmt.Errorf("encoding refund record: %w", merr)
			}
			if serr := p.store.Set(ctx, GroupRefunds, key, data); serr != nil {
				return "", serr
			}
			p.logger.Info("refund issued",
				"workflowId", workflowID, "transactionId", transactionID, "refundId", refundID, "attempt", attempt)
			return refundID, nil
		}

		lastErr = err
		p.logger.Warn("refund attempt failed",
			"workflowId", workflowID, "transactionId", transactionID, "attempt", attempt, "error", err)

		if attempt < p.maxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * p.backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("refunding %s after %d attempts: %w", transactionID, p.maxAttempts, lastErr)
}
