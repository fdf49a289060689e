package states

import (
	"github.com/restockd/restockd-backend/pkg/enums"
)

// allowedTransitions is the full edge set of the order lifecycle. Terminal
// statuses have no outgoing edges; vendor_rejected loops back through
// vendor_notified when the order is rebroadcast.
var allowedTransitions = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusCreated: {
		enums.OrderStatusValidated,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusValidated: {
		enums.OrderStatusCreditReserved,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusCreditReserved: {
		enums.OrderStatusVendorNotified,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusVendorNotified: {
		enums.OrderStatusVendorAccepted,
		enums.OrderStatusVendorRejected,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusVendorAccepted: {
		enums.OrderStatusFulfilled,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusVendorRejected: {
		enums.OrderStatusVendorNotified,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusFulfilled: {},
	enums.OrderStatusCancelled: {},
	enums.OrderStatusFailed:    {},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to enums.OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedNext returns the statuses reachable from the given one.
func AllowedNext(from enums.OrderStatus) []enums.OrderStatus {
	next := allowedTransitions[from]
	out := make([]enums.OrderStatus, len(next))
	copy(out, next)
	return out
}
