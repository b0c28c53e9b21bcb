package webhook

import "errors"

var (
	ErrMissingSecret    = errors.New("webhook secret is not configured")
	ErrMissingSignature = errors.New("webhook signature header is missing")
	ErrMalformedHeader  = errors.New("malformed webhook signature header")
	ErrSignatureInvalid = errors.New("webhook signature mismatch")
	ErrTimestampExpired = errors.New("webhook signature timestamp outside tolerance")
)
