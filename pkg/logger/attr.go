package logger

import (
	"log/slog"
	"time"
)

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// SubscriptionID records the local subscription identifier.
func SubscriptionID(id any) slog.Attr {
	return slog.Any("subscription_id", id)
}

func PaymentID(id string) slog.Attr {
	return slog.String("payment_id", id)
}

func ExternalReference(ref string) slog.Attr {
	return slog.String("external_reference", ref)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}
