package ingest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrymomot/billsync/pkg/provider"
)

// Notification types the provider sends.
const (
	TypePayment      = "payment"
	TypeSubscription = "subscription_preapproval"
)

// Notification is the envelope of an inbound provider webhook. It only names
// the resource that changed; the resource itself is fetched from the provider.
type Notification struct {
	ID          provider.ID `json:"id"`
	Type        string      `json:"type"`
	Topic       string      `json:"topic"`
	Action      string      `json:"action"`
	DateCreated string      `json:"date_created"`
	Data        struct {
		ID provider.ID `json:"id"`
	} `json:"data"`
}

// ParseNotification decodes body. Query parameters data.id and type (or topic)
// fill in what the body omits.
func ParseNotification(body []byte, query url.Values) (Notification, error) {
	var n Notification
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &n); err != nil {
			return Notification{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
	}
	if n.Data.ID == "" {
		n.Data.ID = provider.ID(query.Get("data.id"))
	}
	if n.Type == "" {
		n.Type = n.Topic
	}
	if n.Type == "" {
		n.Type = query.Get("type")
	}
	if n.Type == "" {
		n.Type = query.Get("topic")
	}
	n.Type = strings.ToLower(strings.TrimSpace(n.Type))
	if n.Data.ID == "" {
		return Notification{}, ErrMissingResourceID
	}
	return n, nil
}

// ResourceID is the ID of the payment or subscription the notification is about.
func (n Notification) ResourceID() string { return n.Data.ID.String() }

// CreatedAt parses date_created, returning the zero time when absent or malformed.
func (n Notification) CreatedAt() time.Time {
	if n.DateCreated == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-07:00", "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, n.DateCreated); err == nil {
			return t
		}
	}
	return time.Time{}
}
