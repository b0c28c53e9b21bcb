package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dmitrymomot/billsync/pkg/subscription"
)

// EventLog is the durable webhook receipt log. Claim must be backed by a unique
// constraint on the event ID: exactly one concurrent caller gets true.
type EventLog interface {
	Claim(ctx context.Context, ev *subscription.WebhookEvent) (bool, error)
	Finish(ctx context.Context, eventID string, status subscription.EventStatus, errMsg string, at time.Time) error
	GetEvent(ctx context.Context, eventID string) (*subscription.WebhookEvent, error)
}

// Deduplicator decides which delivery of an event gets processed.
type Deduplicator struct {
	log EventLog
	now func() time.Time
}

// NewDeduplicator returns a Deduplicator backed by log.
func NewDeduplicator(log EventLog) *Deduplicator {
	return &Deduplicator{log: log, now: time.Now}
}

// Fingerprint derives a stable event ID for notifications that carry none.
// Redeliveries of one notification share a fingerprint; two notifications about
// the same resource differ by date_created or, when that is absent, by body.
func Fingerprint(n Notification, body []byte) string {
	marker := strings.TrimSpace(n.DateCreated)
	if marker == "" {
		marker = bodyDigest(body)
	}
	key := strings.Join([]string{
		strings.ToLower(n.Type),
		strings.ToLower(n.Action),
		strings.ToLower(n.ResourceID()),
		marker,
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return "fp_" + hex.EncodeToString(sum[:])
}

// bodyDigest hashes body with object keys sorted and whitespace dropped, so
// re-serialized redeliveries hash the same. Non-JSON bodies hash as sent.
func bodyDigest(body []byte) string {
	canonical := body
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Seen reports whether the event ID has already been received.
func (d *Deduplicator) Seen(ctx context.Context, eventID string) (bool, error) {
	_, err := d.log.GetEvent(ctx, eventID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, subscription.ErrEventNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Claim durably records receipt of ev. It returns false when another delivery
// of the same event already claimed it; that is not an error.
func (d *Deduplicator) Claim(ctx context.Context, ev *subscription.WebhookEvent) (bool, error) {
	if ev.EventID == "" {
		return false, ErrMissingEventID
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = d.now().UTC()
	}
	ev.Status = subscription.EventReceived
	return d.log.Claim(ctx, ev)
}

// Record stores the processing outcome of a claimed event. A nil procErr marks
// it processed; anything else marks it failed for the scheduler to replay.
func (d *Deduplicator) Record(ctx context.Context, eventID string, procErr error) error {
	status, msg := subscription.EventProcessed, ""
	if procErr != nil {
		status, msg = subscription.EventFailed, procErr.Error()
	}
	return d.log.Finish(ctx, eventID, status, msg, d.now().UTC())
}
