// Package matcher correlates provider events with local subscriptions.
//
// Strategies run in a fixed order and the first definitive answer wins:
//
//  1. exact external reference (only when it has the SUB-{user}-{plan}-{hash8} shape)
//  2. provider subscription ID already stored locally
//  3. known payment mapping, a hand-resolved payment to subscription link
//  4. the payer's user and product, with exactly one pending subscription
//     created within the recency window
//  5. payer email against pending subscriptions, same window
//
// Heuristic strategies never guess: two or more candidates give Ambiguous.
// Ambiguous and NotFound are logged with the full event context and must not
// lead to any state change.
package matcher
