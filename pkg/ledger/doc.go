// Package ledger records provider charges as immutable payment events.
//
// RecordPayment is idempotent on the provider payment ID: the store's unique
// constraint turns a replay into a read of the stored event, so counters are
// never incremented twice. A new payment updates the owning subscription in the
// same transaction (payment count, amount paid, last and next billing date) and
// is offered to the subscription state machine as evidence of an active
// subscription.
//
// ComputeNextBillingDate is the calendar arithmetic behind next_billing_date.
// Month and year periods clamp to month end:
//
//	ledger.ComputeNextBillingDate(1, subscription.Months, jan31) // Feb 29 in a leap year
package ledger
