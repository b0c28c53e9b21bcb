// Package provider is the client for the payment provider's REST API.
//
// It fetches canonical payment and subscription records, searches subscriptions
// by correlation fields, and cancels subscriptions provider-side. Calls never
// return bare errors for control flow: each returns a Result tagged with an
// Outcome (OK, NotFound, InvalidRequest, Transient) so callers decide what to do
// from the tag.
//
// Transient failures (network errors, 5xx, 408/425/429) are retried with capped
// exponential backoff; definitive 4xx answers are returned after the first
// attempt. Each endpoint has a github.com/sony/gobreaker/v2 circuit breaker so a
// provider outage fails fast instead of stacking timeouts.
//
//	client, err := provider.New(cfg.BaseURL, cfg.Options()...)
//	res := client.FetchPayment(ctx, "123456")
//	switch res.Outcome {
//	case provider.OutcomeOK:
//		use(res.Value)
//	case provider.OutcomeNotFound:
//		// nothing to reconcile
//	}
package provider
