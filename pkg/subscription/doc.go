// Package subscription holds the local subscription model and the rules that
// change it.
//
// # Model
//
// Record mirrors one provider subscription. It is created pending at checkout
// (see Checkout), correlated with the provider through an external reference of
// the form SUB-{userId}-{planId}-{random8}, and is never deleted: cancelled is
// terminal. PaymentEvent, WebhookEvent and KnownPaymentMapping are the ledger,
// dedup log and hand-resolved payment links that other packages persist.
//
// # State machine
//
// StateMachine is a pure decision function. Apply maps the provider's status
// vocabulary onto the local one through MapStatus, checks the transition table
//
//	pending -> active | cancelled
//	active  -> paused | cancelled
//	paused  -> active | cancelled
//
// and the stale-event guard, and returns a Decision listing the side effects the
// caller must run (record the payment, cancel duplicate siblings, notify). Commit
// writes a decision onto a Record; nothing else sets a subscription active.
//
//	d, err := machine.Apply(rec, subscription.Input{
//		Kind:           subscription.KindSubscription,
//		ProviderStatus: "authorized",
//		At:             eventTime,
//	})
//	if err == nil && d.Changed() {
//		subscription.Commit(rec, d)
//		err = store.Update(ctx, rec) // compare-and-set on Version
//	}
//
// # Duplicates
//
// DuplicateResolver keeps the most authoritative open subscription for a
// (user, product) pair (active over pending, then most recently paid, then most
// recently created) and cancels the others through the state machine.
package subscription
