// README: Canonical order statuses and the legal transition graph.
package order

import (
	"errors"
	"fmt"
	"strings"
)

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusAccepted  Status = "ACCEPTED"
	StatusPreparing Status = "PREPARING"
	StatusReady     Status = "READY"
	StatusAssigned  Status = "ASSIGNED"
	StatusPickedUp  Status = "PICKED_UP"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists every canonical status in lifecycle order.
var Statuses = []Status{
	StatusCreated,
	StatusAccepted,
	StatusPreparing,
	StatusReady,
	StatusAssigned,
	StatusPickedUp,
	StatusDelivered,
	StatusCancelled,
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusCreated:   {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusPreparing, StatusCancelled},
	StatusPreparing: {StatusReady, StatusCancelled},
	StatusReady:     {StatusAssigned, StatusCancelled},
	StatusAssigned:  {StatusPickedUp, StatusCancelled},
	StatusPickedUp:  {StatusDelivered},
	StatusDelivered: {},
	StatusCancelled: {},
}

var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports an illegal status change together with the legal
// next statuses from From.
type TransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *TransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		names := make([]string, len(e.Allowed))
		for i, s := range e.Allowed {
			names[i] = string(s)
		}
		allowed = strings.Join(names, ", ")
	}
	return fmt.Sprintf("invalid transition from %s to %s; allowed: %s", e.From, e.To, allowed)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func (s Status) Valid() bool {
	_, ok := AllowedTransitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(AllowedTransitions[s]) == 0
}

// ParseStatus accepts canonical values only, case-insensitively.
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

// AllowedFrom returns a copy of the legal next statuses.
func AllowedFrom(from Status) []Status {
	next := AllowedTransitions[from]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns nil or a *TransitionError.
func ValidateTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: from, To: to, Allowed: AllowedFrom(from)}
}
