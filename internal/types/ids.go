// README: Shared identifier type for orders, users, stores and drivers.
package types

import (
	"errors"
	"strconv"
)

// ID is a numeric, database-assigned identifier. Zero means "unset".
type ID int64

var ErrInvalidID = errors.New("invalid id")

func ParseID(v string) (ID, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidID
	}
	return ID(n), nil
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Ptr returns a pointer to a copy of id, or nil for the zero ID.
func (id ID) Ptr() *ID {
	if id == 0 {
		return nil
	}
	v := id
	return &v
}

// Deref returns the pointed-to ID or zero.
func Deref(p *ID) ID {
	if p == nil {
		return 0
	}
	return *p
}
