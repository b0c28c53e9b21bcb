// Package reconcile brings local subscriptions in line with the payment provider.
//
// The Applier is shared by the webhook path and the scheduler. Given a payment
// or subscription ID it fetches the provider record, matches it to a local
// subscription, runs the state machine (directly or through the ledger) and
// executes the returned side effects: duplicate cleanup and downstream
// notifications. Unmatched and ambiguous events return ErrUnmatched and
// ErrAmbiguous without touching storage.
//
// The Scheduler runs idle -> running -> idle on an interval with a cooldown.
// Each run checks pending subscriptions between the grace period and the
// lookback against the provider, re-polls linked active and paused
// subscriptions not synced or checked within StaleAfter, then replays failed
// webhook events. Per-item errors are counted in the Summary and never abort
// the run. A Lease makes runs single-flight: LocalLease for one process,
// RedisLease across processes. A run stops with ErrLeaseLost when the lease
// can no longer be extended.
//
// ControlRouter exposes start, stop, status and run-now to operators behind a
// bearer token, together with the checkout endpoint that creates pending
// subscriptions.
package reconcile
