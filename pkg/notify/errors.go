package notify

import "errors"

var (
	ErrInvalidConfig     = errors.New("notify: invalid config")
	ErrInvalidEvent      = errors.New("notify: invalid event")
	ErrDeliveryFailed    = errors.New("notify: delivery failed")
	ErrDispatcherClosed  = errors.New("notify: dispatcher closed")
	ErrDispatcherBacklog = errors.New("notify: dispatcher backlog full")
)
