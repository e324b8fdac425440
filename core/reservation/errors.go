package reservation

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Validation errors. Nothing is written when one of these is returned.
var (
	ErrEmptyItems      = errors.New("at least one item is required")
	ErrEmptyIDs        = errors.New("at least one reservation id is required")
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	ErrInvalidItem     = errors.New("product id is required")
	ErrSessionRequired = errors.New("session id is required")
)

// Availability errors.
var (
	ErrInsufficientStock = errors.New("some items are no longer available")
	ErrUnknownProduct    = errors.New("unknown product")
)

// State-conflict errors, raised by complete when a reservation is no longer completable.
var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExpired  = errors.New("reservation expired")
	ErrReservationReleased = errors.New("reservation released")
)

func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyItems) ||
		errors.Is(err, ErrEmptyIDs) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidItem) ||
		errors.Is(err, ErrSessionRequired)
}

func IsStateConflict(err error) bool {
	return errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrReservationExpired) ||
		errors.Is(err, ErrReservationReleased)
}

// LineFailure describes one line of a reserve batch that could not be satisfied.
type LineFailure struct {
	StockKey
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
	Reason    string `json:"reason"`
}

// InsufficientStockError rejects a whole reserve batch and names every line that failed.
type InsufficientStockError struct {
	Failures []LineFailure
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", f.StockKey, f.Requested, f.Available))
	}
	return "insufficient stock for " + strings.Join(parts, ", ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StateConflictError rejects a whole complete batch because of one reservation.
type StateConflictError struct {
	ID  string
	Err error
}

func (e *StateConflictError) Error() string {
	return e.Err.Error() + ": " + e.ID
}

func (e *StateConflictError) Unwrap() error {
	return e.Err
}
