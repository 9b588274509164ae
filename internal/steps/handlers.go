package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowforge/flowforge/internal/bus"
	"github.com/flowforge/flowforge/internal/store"
	"github.com/flowforge/flowforge/internal/workflow"
)

// Handlers bundles the order workflow's step and compensation handlers
// with the external services they call. Every forward handler emits
// exactly one terminal event per delivery, either step-completed or
// step-failed; every compensation handler emits one
// compensation-completed event.
type Handlers struct {
	bus    bus.Bus
	logger *slog.Logger

	Payments  *PaymentGateway
	Inventory *InventoryService
	Shipping  *ShippingProvider
	Notifier  *Notifier
	Refunds   *RefundProcessor
}

// NewHandlers creates the handler set with fresh fake services. The store
// backs the refund processor's idempotency records.
func NewHandlers(b bus.Bus, st store.Store, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	gateway := NewPaymentGateway()
	return &Handlers{
		bus:       b,
		logger:    logger.With("component", "order-steps"),
		Payments:  gateway,
		Inventory: NewInventoryService(),
		Shipping:  NewShippingProvider(),
		Notifier:  NewNotifier(),
		Refunds:   NewRefundProcessor(gateway, st, logger),
	}
}

// Register subscribes every step and compensation handler to its topic.
func (h *Handlers) Register(b bus.Bus) {
	b.Subscribe(TopicValidateOrder, h.forward(h.validateOrder))
	b.Subscribe(TopicChargePayment, h.forward(h.chargePayment))
	b.Subscribe(TopicReserveInventory, h.forward(h.reserveInventory))
	b.Subscribe(TopicCreateShipment, h.forward(h.createShipment))
	b.Subscribe(TopicNotifyUser, h.forward(h.notifyUser))
	b.Subscribe(TopicComplete, h.forward(h.complete))

	b.Subscribe(bus.CompensationTopic(CompRefundPayment), h.compensation(h.refundPayment))
	b.Subscribe(bus.CompensationTopic(CompReleaseInventory), h.compensation(h.releaseInventory))
	b.Subscribe(bus.CompensationTopic(CompCancelShipment), h.compensation(h.cancelShipment))
}

type stepFunc func(ctx context.Context, p bus.StepDispatchPayload) (workflow.Context, error)

// forward adapts a step function to the dispatch contract: decode, run,
// report the one terminal outcome.
func (h *Handlers) forward(fn stepFunc) bus.Handler {
	return bus.HandlerFunc(func(ctx context.Context, event bus.Event) error {
		var p bus.StepDispatchPayload
		if err := bus.DecodePayload(event, &p); err != nil {
			h.logger.Error("malformed step dispatch", "topic", event.Topic, "error", err)
			return nil
		}

		output, err := fn(ctx, p)
		if err != nil {
			stepErr := classify(err)
			h.logger.Warn("step failed",
				"workflowId", p.WorkflowID, "step", p.StepName, "code", stepErr.Code, "error", stepErr.Message)
			return h.bus.Emit(ctx, bus.NewEvent(bus.TopicStepFailed, bus.Payload(bus.StepFailedPayload{
				WorkflowID: p.WorkflowID,
				StepName:   p.StepName,
				Error:      *stepErr,
			})))
		}

		return h.bus.Emit(ctx, bus.NewEvent(bus.TopicStepCompleted, bus.Payload(bus.StepCompletedPayload{
			WorkflowID: p.WorkflowID,
			StepName:   p.StepName,
			Output:     output,
		})))
	})
}

type compensationFunc func(ctx context.Context, p bus.CompensationDispatchPayload) error

// compensation adapts a rollback function to the dispatch contract.
func (h *Handlers) compensation(fn compensationFunc) bus.Handler {
	return bus.HandlerFunc(func(ctx context.Context, event bus.Event) error {
		var p bus.CompensationDispatchPayload
		if err := bus.DecodePayload(event, &p); err != nil {
			h.logger.Error("malformed compensation dispatch", "topic", event.Topic, "error", err)
			return nil
		}

		outcome := bus.CompensationCompletedPayload{
			WorkflowID: p.WorkflowID,
			StepName:   p.OriginalStep,
			Success:    true,
		}
		if err := fn(ctx, p); err != nil {
			h.logger.Warn("compensation failed",
				"workflowId", p.WorkflowID, "compensation", p.CompensationStep, "error", err)
			outcome.Success = false
			outcome.Error = err.Error()
		}
		return h.bus.Emit(ctx, bus.NewEvent(bus.TopicCompensationCompleted, bus.Payload(outcome)))
	})
}

// classify maps service errors onto step error codes.
func classify(err error) *workflow.StepError {
	var stepErr *workflow.StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}

	code := "STEP_FAILED"
	switch {
	case errors.Is(err, ErrPaymentDeclined):
		code = "PAYMENT_DECLINED"
	case errors.Is(err, ErrInsufficientInventory):
		code = "INSUFFICIENT_INVENTORY"
	case errors.Is(err, ErrShipmentRejected):
		code = "SHIPMENT_REJECTED"
	}
	return &workflow.StepError{Message: err.Error(), Code: code}
}

func (h *Handlers) validateOrder(ctx context.Context, p bus.StepDispatchPayload) (workflow.Context, error) {
	orderID := ctxString(p.Context, "orderId")
	if orderID == "" {
		return nil, &workflow.StepError{Message: "order has no orderId", Code: "INVALID_ORDER"}
	}
	if amount := ctxFloat(p.Context, "amount"); amount <= 0 {
		return nil, &workflow.StepError{Message: fmt.Sprintf("order %s has non-positive amount", orderID), Code: "INVALID_ORDER"}
	}
	if quantity := ctxInt(p.Context, "quantity"); quantity <= 0 {
		return nil, &workflow.StepError{Message: fmt.Sprintf("order %s has non-positive quantity", orderID), Code: "INVALID_ORDER"}
	}
	return workflow.Context{"validated": true}, nil
}

func (h *Handlers) chargePayment(ctx context.Context, p bus.StepDispatchPayload) (workflow.Context, error) {
	orderID := ctxString(p.Context, "orderId")
	amount := ctxFloat(p.Context, "amount")

	txID, err := h.Payments.Charge(ctx, orderID, amount)
	if err != nil {
		return nil, err
	}
	return workflow.Context{"transactionId": txID, "amountCharged": amount}, nil
}

func (h *Handlers) reserveInventory(ctx context.Context, p bus.StepDispatchPayload) (workflow.Context, error) {
	orderID := ctxString(p.Context, "orderId")
	quantity := ctxInt(p.Context, "quantity")

	resID, err := h.Inventory.Reserve(ctx, orderID, quantity)
	if err != nil {
		return nil, err
	}
	return workflow.Context{"reservationId": resID}, nil
}

func (h *Handlers) createShipment(ctx context.Context, p bus.StepDispatchPayload) (workflow.Context, error) {
	orderID := ctxString(p.Context, "orderId")
	weight := ctxFloat(p.Context, "weight")

	shipID, err := h.Shipping.CreateShipment(ctx, orderID, weight)
	if err != nil {
		return nil, err
	}
	return workflow.Context{"shipmentId": shipID}, nil
}

func (h *Handlers) notifyUser(ctx context.Context, p bus.StepDispatchPayload) (workflow.Context, error) {
	orderID := ctxString(p.Context, "orderId")
	if err := h.Notifier.Notify(ctx, orderID, "your order is on its way"); err != nil {
		return nil, err
	}
	return workflow.Context{"notified": true}, nil
}

func (h *Handlers) complete(ctx context.Context, p bus.StepDispatchPayload) (workflow.Context, error) {
	return workflow.Context{"completedAt": time.Now().UTC().Format(time.RFC3339)}, nil
}

func (h *Handlers) refundPayment(ctx context.Context, p bus.CompensationDispatchPayload) error {
	txID := ctxString(p.OriginalOutput, "transactionId")
	if txID == "" {
		return fmt.Errorf("no transactionId recorded for %s", p.WorkflowID)
	}
	_, err := h.Refunds.Process(ctx, p.WorkflowID, p.OriginalStep, txID)
	return err
}

func (h *Handlers) releaseInventory(ctx context.Context, p bus.CompensationDispatchPayload) error {
	resID := ctxString(p.OriginalOutput, "reservationId")
	if resID == "" {
		return fmt.Errorf("no reservationId recorded for %s", p.WorkflowID)
	}
	return h.Inventory.Release(ctx, resID)
}

func (h *Handlers) cancelShipment(ctx context.Context, p bus.CompensationDispatchPayload) error {
	shipID := ctxString(p.OriginalOutput, "shipmentId")
	if shipID == "" {
		return fmt.Errorf("no shipmentId recorded for %s", p.WorkflowID)
	}
	return h.Shipping.Cancel(ctx, shipID)
}

// Context values arrive through JSON, so numbers come back as float64.
func ctxString(c workflow.Context, key string) string {
	if s, ok := c[key].(string); ok {
		return s
	}
	return ""
}

func ctxFloat(c workflow.Context, key string) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func ctxInt(c workflow.Context, key string) int {
	switch v := c[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
