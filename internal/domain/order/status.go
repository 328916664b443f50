package order

import "fmt"

// Status is the order lifecycle state. Payment is manual, so orders start in
// PENDING_PAYMENT until an admin confirms payment out-of-band.
type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusShipped        Status = "SHIPPED"
	StatusCancelled      Status = "CANCELLED"
)

// validNext is the lifecycle transition table. SHIPPED and CANCELLED are
// terminal.
var validNext = map[Status]map[Status]bool{
	StatusPendingPayment: {StatusPaid: true, StatusCancelled: true},
	StatusPaid:           {StatusShipped: true, StatusCancelled: true},
	StatusShipped:        {},
	StatusCancelled:      {},
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
func (s Status) CanTransitionTo(next Status) bool {
	return validNext[s][next]
}

// InvalidTransitionError reports a disallowed lifecycle transition.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition order from %s to %s", e.From, e.To)
}

// ShipmentRequiredError reports a SHIPPED transition missing carrier or
// tracking details.
type ShipmentRequiredError struct{}

func (e *ShipmentRequiredError) Error() string {
	return "carrier and tracking number are required to mark an order shipped"
}

// TransitionTo applies a lifecycle transition. The SHIPPED transition
// requires carrier and tracking number together; supplying either without
// the other is rejected. shipment must be nil for every other transition.
func (o *Order) TransitionTo(next Status, shipment *Shipment) error {
	if !o.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{From: o.Status, To: next}
	}

	if next == StatusShipped {
		if shipment == nil || shipment.Carrier == "" || shipment.TrackingNumber == "" {
			return &ShipmentRequiredError{}
		}
		o.Shipment = shipment
	}

	o.Status = next
	return nil
}
