package steps

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Failure thresholds of the fake external services. Inputs at or above a
// threshold fail deterministically, which makes every rollback scenario
// reproducible from plain order data.
const (
	DeclineAmountThreshold  = 500.0
	InventoryLimitThreshold = 10
	ShipmentWeightThreshold = 50.0
)

var (
	ErrPaymentDeclined       = errors.New("payment declined")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrShipmentRejected      = errors.New("shipment rejected")
	ErrRefundUnavailable     = errors.New("refund gateway unavailable")
)

// PaymentGateway is the in-process stand-in for a payment provider.
// Charges of DeclineAmountThreshold or more are declined.
type PaymentGateway struct {
	mu      sync.Mutex
	charges map[string]float64 // transactionID -> amount

	// refundFailures fails that many Refund calls before succeeding,
	// for exercising the retry and breaker path.
	refundFailures int
}

// NewPaymentGateway creates a gateway with no recorded charges.
func NewPaymentGateway() *PaymentGateway {
	return &PaymentGateway{charges: make(map[string]float64)}
}

// FailRefunds makes the next n Refund calls fail.
func (g *PaymentGateway) FailRefunds(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundFailures = n
}

// Charge authorizes a payment and returns a transaction ID.
func (g *PaymentGateway) Charge(ctx context.Context, orderID string, amount float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount >= DeclineAmountThreshold {
		return "", fmt.Errorf("%w: order %s amount %.2f", ErrPaymentDeclined, orderID, amount)
	}

	txID := "tx_" + uuid.NewString()
	g.mu.Lock()
	g.charges[txID] = amount
	g.mu.Unlock()
	return txID, nil
}

// Refund reverses a charge and returns a refund ID.
func (g *PaymentGateway) Refund(ctx context.Context, transactionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refundFailures > 0 {
		g.refundFailures--
		return "", ErrRefundUnavailable
	}
	if _, ok := g.charges[transactionID]; !ok {
		return "", fmt.Errorf("unknown transaction %s", transactionID)
	}
	delete(g.charges, transactionID)
	return "rf_" + uuid.NewString(), nil
}

// Charged reports whether a transaction is still held.
func (g *PaymentGateway) Charged(transactionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.charges[transactionID]
	return ok
}

// InventoryService is the in-process stand-in for a stock system.
// Reservations of InventoryLimitThreshold units or more fail.
type InventoryService struct {
	mu           sync.Mutex
	reservations map[string]int // reservationID -> quantity
}

// NewInventoryService creates a service with no reservations.
func NewInventoryService() *InventoryService {
	return &InventoryService{reservations: make(map[string]int)}
}

// Reserve holds stock for an order and returns a reservation ID.
func (s *InventoryService) Reserve(ctx context.Context, orderID string, quantity int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if quantity >= InventoryLimitThreshold {
		return "", fmt.Errorf("%w: order %s wants %d units", ErrInsufficientInventory, orderID, quantity)
	}

	resID := "rsv_" + uuid.NewString()
	s.mu.Lock()
	s.reservations[resID] = quantity
	s.mu.Unlock()
	return resID, nil
}

// Release frees a reservation. Releasing an unknown reservation is a
// no-op so repeated rollbacks stay safe.
func (s *InventoryService) Release(ctx context.Context, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.reservations, reservationID)
	s.mu.Unlock()
	return nil
}

// Reserved reports whether a reservation is still held.
func (s *InventoryService) Reserved(reservationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reservations[reservationID]
	return ok
}

// ShippingProvider is the in-process stand-in for a carrier. Shipments of
// ShipmentWeightThreshold kg or more are rejected.
type ShippingProvider struct {
	mu        sync.Mutex
	shipments map[string]string // shipmentID -> orderID
}

// NewShippingProvider creates a provider with no shipments.
func NewShippingProvider() *ShippingProvider {
	return &ShippingProvider{shipments: make(map[string]string)}
}

// CreateShipment books a shipment and returns its ID.
func (p *ShippingProvider) CreateShipment(ctx context.Context, orderID string, weight float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if weight >= ShipmentWeightThreshold {
		return "", fmt.Errorf("%w: order %s weighs %.1fkg", ErrShipmentRejected, orderID, weight)
	}

	shipID := "shp_" + uuid.NewString()
	p.mu.Lock()
	p.shipments[shipID] = orderID
	p.mu.Unlock()
	return shipID, nil
}

// Cancel voids a shipment. Unknown shipments are ignored.
func (p *ShippingProvider) Cancel(ctx context.Context, shipmentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.shipments, shipmentID)
	p.mu.Unlock()
	return nil
}

// Shipped reports whether a shipment is still booked.
func (p *ShippingProvider) Shipped(shipmentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.shipments[shipmentID]
	return ok
}

// Notifier is the in-process stand-in for a user notification channel.
type Notifier struct {
	mu   sync.Mutex
	sent []string
}

// NewNotifier creates a notifier with an empty outbox.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Notify records a message to the order's user.
func (n *Notifier) Notify(ctx context.Context, orderID, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	n.sent = append(n.sent, orderID+": "+message)
	n.mu.Unlock()
	return nil
}

// Sent returns the recorded messages.
func (n *Notifier) Sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	copy(out, n.sent)
	return out
}
