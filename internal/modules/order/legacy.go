package order

import "strings"

var legacyStatuses = map[string]Status{
	"PENDING_PAYMENT":  StatusCreated,
	"PENDING":          StatusCreated,
	"PAID":             StatusCreated,
	"CREATED":          StatusCreated,
	"STORE_ACCEPTED":   StatusAccepted,
	"ACCEPTED":         StatusAccepted,
	"PREPARING":        StatusPreparing,
	"READY":            StatusReady,
	"DRIVER_ASSIGNED":  StatusAssigned,
	"ASSIGNED":         StatusAssigned,
	"PICKED_UP":        StatusPickedUp,
	"OUT_FOR_DELIVERY": StatusPickedUp,
	"DELIVERED":        StatusDelivered,
	"COMPLETED":        StatusDelivered,
	"CANCELLED":        StatusCancelled,
	"REFUNDED":         StatusCancelled,
}

// MapLegacyStatus translates historical or free-text status values into the
// canonical set. Unknown and empty values map to CREATED.
func MapLegacyStatus(v string) Status {
	if s, ok := legacyStatuses[strings.ToUpper(strings.TrimSpace(v))]; ok {
		return s
	}
	return StatusCreated
}
