package models

import "errors"

// Ledger and order failures. Every operation boundary returns one of
// these (possibly wrapped with item/order context) so callers can map
// them to user-facing responses; nothing panics past this package.
var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidBom        = errors.New("bill of materials has no components")
	ErrUnknownComponent  = errors.New("bill of materials references unknown component")
	ErrItemInUse         = errors.New("item is referenced by a bill of materials or an open order")
	ErrItemNotFound      = errors.New("item not found")
	ErrOrderNotFound     = errors.New("production order not found")
	ErrOrderNotDraft     = errors.New("production order is not in draft status")
)
