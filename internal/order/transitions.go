package order

import (
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/contracts"
)

// decision classifies what an event does to an order in its current state.
type decision int

const (
	// decisionApply moves the order to a new status.
	decisionApply decision = iota
	// decisionAudit accepts the event without a status change; it bumps the
	// version and lands in the audit trail.
	decisionAudit
	// decisionHold parks the event until a prerequisite state is reached.
	decisionHold
	// decisionReject refuses the event as invalid.
	decisionReject
)

// evaluate applies the transition rules: given the current status and a
// normalized event it yields the target status, the decision kind and an
// audit note. Unknown status strings are rejected; they are malformed, not
// premature.
func evaluate(current Status, evt Event) (Status, decision, string) {
	switch evt.Kind {
	case KindPayment:
		return evaluatePayment(current, contracts.PaymentEventStatus(evt.Status))
	case KindInventory:
		return evaluateInventory(current, contracts.InventoryAction(evt.Status))
	case KindShipping:
		return evaluateShipping(current, contracts.ShippingEventStatus(evt.Status))
	default:
		return current, decisionReject, "unknown event kind"
	}
}

func evaluatePayment(current Status, status contracts.PaymentEventStatus) (Status, decision, string) {
	switch status {
	case contracts.PaymentAuthorized:
		if current == StatusCreated {
			return StatusPaymentPending, decisionApply, "payment authorized"
		}
		return current, decisionAudit, "authorization after " + string(current)
	case contracts.PaymentCaptured:
		switch current {
		case StatusCreated, StatusPaymentPending:
			return StatusPaymentConfirmed, decisionApply, "payment captured"
		default:
			return current, decisionAudit, "capture after " + string(current)
		}
	case contracts.PaymentFailed:
		switch current {
		case StatusCreated, StatusPaymentPending:
			return StatusCancelled, decisionApply, "payment failed"
		default:
			return current, decisionAudit, "payment failure after " + string(current)
		}
	case contracts.PaymentRefunded:
		switch current {
		case StatusShipped, StatusDelivered, StatusCancelled:
			return current, decisionAudit, "refund recorded"
		default:
			// Valid but premature: the capture it reverses has not landed yet.
			return current, decisionHold, ""
		}
	default:
		return current, decisionReject, "unknown payment status " + string(status)
	}
}

func evaluateInventory(current Status, action contracts.InventoryAction) (Status, decision, string) {
	switch action {
	case contracts.InventoryReserve:
		switch current {
		case StatusPaymentConfirmed:
			return StatusProcessing, decisionApply, "inventory reserved"
		case StatusCreated, StatusPaymentPending:
			return current, decisionHold, ""
		default:
			return current, decisionAudit, "reserve after " + string(current)
		}
	case contracts.InventoryRelease:
		if current == StatusCancelled {
			return current, decisionAudit, "compensating release"
		}
		return current, decisionAudit, "inventory released"
	default:
		return current, decisionReject, "unknown inventory action " + string(action)
	}
}

func evaluateShipping(current Status, status contracts.ShippingEventStatus) (Status, decision, string) {
	switch status {
	case contracts.ShippingShipped, contracts.ShippingOutForDelivery:
		switch current {
		// A confirmed payment is enough: the carrier can outrun the
		// inventory reservation event.
		case StatusPaymentConfirmed, StatusProcessing:
			return StatusShipped, decisionApply, "shipment " + string(status)
		case StatusShipped, StatusDelivered:
			return current, decisionAudit, "shipping update " + string(status)
		case StatusCancelled:
			return current, decisionAudit, "shipping update after cancel"
		default:
			return current, decisionHold, ""
		}
	case contracts.ShippingDelivered:
		switch current {
		case StatusShipped:
			return StatusDelivered, decisionApply, "delivered"
		case StatusDelivered:
			return current, decisionAudit, "duplicate delivery confirmation"
		case StatusCancelled:
			return current, decisionAudit, "delivery after cancel"
		default:
			return current, decisionHold, ""
		}
	default:
		return current, decisionReject, "unknown shipping status " + string(status)
	}
}

// notifyOn lists the target statuses whose transitions fan out customer
// notification and analytics tasks.
func notifyOn(s Status) bool {
	switch s {
	case StatusPaymentConfirmed, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}
