// Package storage implements the subscription, ledger, webhook event log and
// known payment mapping stores.
//
// Postgres is the production implementation on pgx/v5; its unique constraints
// (webhook event ID, provider payment ID, external reference) arbitrate
// concurrent writers across processes, and subscription updates are
// compare-and-set on a version column. Memory enforces the same constraints
// in-process and backs tests and STORAGE_DRIVER=memory development runs.
package storage
