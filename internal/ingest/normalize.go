package ingest

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/order"
)

// The gateway normalizes each validated envelope into the state machine's
// event form: kind + status string + fingerprint, metadata forwarded
// uninterpreted.

func (g *Gateway) PaymentEvent(body []byte) (order.Event, error) {
	msg, err := g.DecodePaymentConfirmation(body)
	if err != nil {
		return order.Event{}, err
	}
	orderID, err := uuid.Parse(msg.OrderID)
	if err != nil {
		return order.Event{}, fmt.Errorf("%w: order id: %v", ErrValidation, err)
	}
	return order.Event{
		Fingerprint: Fingerprint(msg.EventID, body),
		OrderID:     orderID,
		Kind:        order.KindPayment,
		Status:      string(msg.Status),
		Metadata:    msg.Metadata,
	}, nil
}

func (g *Gateway) InventoryEvent(body []byte) (order.Event, error) {
	msg, err := g.DecodeInventoryUpdate(body)
	if err != nil {
		return order.Event{}, err
	}
	orderID, err := uuid.Parse(msg.OrderID)
	if err != nil {
		return order.Event{}, fmt.Errorf("%w: order id: %v", ErrValidation, err)
	}
	return order.Event{
		Fingerprint: Fingerprint(msg.EventID, body),
		OrderID:     orderID,
		Kind:        order.KindInventory,
		Status:      string(msg.Action),
		Metadata:    msg.Metadata,
	}, nil
}

func (g *Gateway) ShippingEvent(body []byte) (order.Event, error) {
	msg, err := g.DecodeShippingUpdate(body)
	if err != nil {
		return order.Event{}, err
	}
	orderID, err := uuid.Parse(msg.OrderID)
	if err != nil {
		return order.Event{}, fmt.Errorf("%w: order id: %v", ErrValidation, err)
	}
	meta := msg.Metadata
	if msg.TrackingNumber != "" {
		if meta == nil {
			meta = make(map[string]string, 2)
		}
		meta["tracking_number"] = msg.TrackingNumber
		meta["carrier"] = msg.Carrier
	}
	return order.Event{
		Fingerprint: Fingerprint(msg.EventID, body),
		OrderID:     orderID,
		Kind:        order.KindShipping,
		Status:      string(msg.Status),
		Metadata:    meta,
	}, nil
}
