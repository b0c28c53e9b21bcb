// Package ingest receives provider webhooks.
//
// The Ingestor is an http.Handler for POST /webhooks/payment-provider. For each
// request it reads the body, verifies the signature, claims the event ID in the
// durable event log (the unique constraint decides which concurrent delivery
// wins), hands the event to a Processor under a timeout and records the
// outcome.
//
// Responses:
//   - 401 when the signature is invalid, or unverifiable without the escape hatch
//   - 400/413 for unreadable or oversized bodies
//   - 500 only when the receipt could not be logged
//   - 200 otherwise, including duplicates and events the Processor could not
//     resolve; those are stored as failed and replayed by the reconciliation
//     scheduler instead of relying on provider retries
//
// Events without a provider ID are keyed by Fingerprint, which hashes type,
// action, data.id and date_created (or the canonical body when the date is absent).
package ingest
