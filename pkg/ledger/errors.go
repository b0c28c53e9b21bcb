package ledger

import "errors"

var (
	ErrInvalidPeriod       = errors.New("invalid billing period")
	ErrPaymentNotSettled   = errors.New("payment is not settled")
	ErrMissingPaymentID    = errors.New("provider payment id is required")
	ErrMissingSubscription = errors.New("subscription id is required")
)
