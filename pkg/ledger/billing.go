package ledger

import (
	"fmt"
	"time"

	"github.com/dmitrymomot/billsync/pkg/subscription"
)

// ComputeNextBillingDate adds frequency units to from. Month and year steps
// clamp to the last day of the target month, so Jan 31 + 1 month is the last
// day of February rather than a date in March.
func ComputeNextBillingDate(frequency int, unit subscription.FrequencyUnit, from time.Time) (time.Time, error) {
	if frequency <= 0 {
		return time.Time{}, fmt.Errorf("%w: frequency must be positive, got %d", ErrInvalidPeriod, frequency)
	}

	switch unit {
	case subscription.Days:
		return from.AddDate(0, 0, frequency), nil
	case subscription.Weeks:
		return from.AddDate(0, 0, 7*frequency), nil
	case subscription.Months:
		return addMonthsClamped(from, frequency), nil
	case subscription.Years:
		return addMonthsClamped(from, 12*frequency), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unit %q", ErrInvalidPeriod, unit)
	}
}

func addMonthsClamped(from time.Time, months int) time.Time {
	y, m, d := from.Date()
	hh, mm, ss := from.Clock()

	total := int(m) - 1 + months
	ty := y + total/12
	tm := time.Month(total%12 + 1)

	if last := daysIn(ty, tm); d > last {
		d = last
	}
	return time.Date(ty, tm, d, hh, mm, ss, from.Nanosecond(), from.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
