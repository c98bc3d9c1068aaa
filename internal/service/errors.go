package service

import (
	"errors"
	"fmt"
)

// InsufficientStockError is returned when a reserve or upward adjust asks
// for more than the row's sellable quantity. Recoverable and user-facing:
// the caller should show the shopper Sellable and let them retry smaller,
// never retry automatically with the same quantity.
type InsufficientStockError struct {
	Sellable int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: %d sellable", e.Sellable)
}

// ReservationExpiredError is returned when an operation requires a live
// reservation but the line's claim is past expiry. The caller must re-run
// the availability check and re-reserve before retrying.
type ReservationExpiredError struct {
	LineItemID string
}

func (e *ReservationExpiredError) Error() string {
	return fmt.Sprintf("reservation expired for line item %s", e.LineItemID)
}

var (
	// ErrNotReserved is returned when adjust or convert targets a line that
	// holds no reservation.
	ErrNotReserved = errors.New("line item holds no reservation")
	// ErrAlreadyReserved is returned when reserve targets a line that already
	// holds a live claim; the caller should adjust instead.
	ErrAlreadyReserved = errors.New("line item already holds a reservation")
	// ErrAlreadyConverted is returned when a line was converted for a
	// different order.
	ErrAlreadyConverted = errors.New("line item already converted")
	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrLedgerInactive is returned when the target row is soft-deactivated.
	ErrLedgerInactive = errors.New("ledger row is inactive")
	// ErrInvalidRef is returned when a ProductRef violates the
	// exactly-one-of-product-or-variant rule.
	ErrInvalidRef = errors.New("ref must set exactly one of product or variant, plus a location")
)

// ConversionPolicy fixes what convert does to the ledger. Deployments
// differ on whether checkout or fulfillment consumes the stock, so it is an
// explicit configuration value.
type ConversionPolicy string

const (
	// DeductOnConvert: the converted quantity leaves both reserved and
	// available at checkout; the stock is consumed, not merely held.
	DeductOnConvert ConversionPolicy = "deduct_on_convert"
	// DeductOnFulfillment: reserved is left alone, the line is tagged with
	// the committed order id and keeps holding the stock until fulfillment.
	DeductOnFulfillment ConversionPolicy = "deduct_on_fulfillment"
)

// ParseConversionPolicy validates a configured policy value.
func ParseConversionPolicy(v string) (ConversionPolicy, error) {
	switch ConversionPolicy(v) {
	case DeductOnConvert, DeductOnFulfillment:
		return ConversionPolicy(v), nil
	default:
		return "", fmt.Errorf("invalid conversion policy: %q", v)
	}
}
