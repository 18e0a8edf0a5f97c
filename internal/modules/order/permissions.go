package order

import "errors"

var ErrForbidden = errors.New("forbidden for actor")

// authorize checks whether actor may move o to the target status. The graph
// itself is validated separately.
func authorize(o *Order, to Status, a Actor, cmd TransitionCommand) error {
	if to == StatusAssigned {
		if cmd.Dispatched || (a.Role == RoleAdmin && cmd.Override) {
			return nil
		}
		return ErrForbidden
	}

	switch a.Role {
	case RoleAdmin, RoleSystem:
		return nil
	case RoleCustomer:
		if o.UserID == a.ID && to == StatusCancelled && o.Status == StatusCreated {
			return nil
		}
	case RoleStore:
		if o.StoreID == nil || *o.StoreID != a.ID {
			return ErrForbidden
		}
		switch to {
		case StatusAccepted, StatusPreparing, StatusReady:
			return nil
		case StatusCancelled:
			if o.Status == StatusCreated || o.Status == StatusAccepted || o.Status == StatusPreparing {
				return nil
			}
		}
	case RoleDriver:
		if o.DriverID == nil || *o.DriverID != a.ID {
			return ErrForbidden
		}
		if to == StatusPickedUp || to == StatusDelivered {
			return nil
		}
	}
	return ErrForbidden
}

// CanView reports whether actor may read the order and its timeline.
func CanView(o *Order, a Actor) bool {
	switch a.Role {
	case RoleAdmin, RoleSystem:
		return true
	case RoleCustomer:
		return o.UserID == a.ID
	case RoleStore:
		return o.StoreID != nil && *o.StoreID == a.ID
	case RoleDriver:
		return o.DriverID != nil && *o.DriverID == a.ID
	}
	return false
}
