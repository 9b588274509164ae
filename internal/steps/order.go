// Package steps ships the built-in order fulfillment workflow: its
// definition, the forward step handlers, and the compensation handlers,
// backed by deterministic in-process stand-ins for the external payment,
// inventory, and shipping services.
package steps

import (
	"github.com/flowforge/flowforge/internal/registry"
	"github.com/flowforge/flowforge/internal/workflow"
)

// OrderWorkflowType is the registered type name of the order workflow.
const OrderWorkflowType = "order-fulfillment"

// Forward dispatch topics of the order workflow.
const (
	TopicValidateOrder    = "order.validate"
	TopicChargePayment    = "order.charge"
	TopicReserveInventory = "order.reserve"
	TopicCreateShipment   = "order.ship"
	TopicNotifyUser       = "order.notify"
	TopicComplete         = "order.complete"
)

// Step and compensation names of the order workflow.
const (
	StepValidateOrder    = "ValidateOrder"
	StepChargePayment    = "ChargePayment"
	StepReserveInventory = "ReserveInventory"
	StepCreateShipment   = "CreateShipment"
	StepNotifyUser       = "NotifyUser"
	StepComplete         = "Complete"

	CompRefundPayment    = "RefundPayment"
	CompReleaseInventory = "ReleaseInventory"
	CompCancelShipment   = "CancelShipment"
)

// OrderDefinition returns the order fulfillment workflow definition.
func OrderDefinition() workflow.Definition {
	return workflow.Definition{
		Type: OrderWorkflowType,
		Steps: []workflow.StepDefinition{
			{Name: StepValidateOrder, Topic: TopicValidateOrder},
			{Name: StepChargePayment, Topic: TopicChargePayment, CompensationName: CompRefundPayment},
			{Name: StepReserveInventory, Topic: TopicReserveInventory, CompensationName: CompReleaseInventory},
			{Name: StepCreateShipment, Topic: TopicCreateShipment, CompensationName: CompCancelShipment},
			{Name: StepNotifyUser, Topic: TopicNotifyUser},
			{Name: StepComplete, Topic: TopicComplete},
		},
	}
}

// RegisterDefinition adds the order workflow to the registry.
func RegisterDefinition(reg *registry.Registry) error {
	return reg.Register(OrderDefinition())
}
