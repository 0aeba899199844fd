package model

import "errors"

// Error taxonomy shared by every component. Call sites wrap these with
// fmt.Errorf("%w: ...") so callers can branch with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientShares   = errors.New("insufficient shares")
	ErrNoTradesRemaining    = errors.New("no live trades remaining")
	ErrTooManyPendingOrders = errors.New("too many pending limit orders")
	ErrUpstreamTimeout      = errors.New("upstream timeout")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
)
