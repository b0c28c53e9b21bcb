package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ID is a provider identifier. The provider emits numeric IDs for payments and
// string IDs for subscriptions, sometimes both for the same field.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("provider id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Payment statuses reported by the provider.
const (
	PaymentApproved    = "approved"
	PaymentAuthorized  = "authorized"
	PaymentPending     = "pending"
	PaymentInProcess   = "in_process"
	PaymentInMediation = "in_mediation"
	PaymentRejected    = "rejected"
	PaymentCancelled   = "cancelled"
	PaymentRefunded    = "refunded"
	PaymentChargedBack = "charged_back"
)

// Subscription statuses reported by the provider.
const (
	SubscriptionPending    = "pending"
	SubscriptionAuthorized = "authorized"
	SubscriptionPaused     = "paused"
	SubscriptionCancelled  = "cancelled"
)

type Payer struct {
	ID    ID     `json:"id"`
	Email string `json:"email"`
}

// PaymentMetadata holds the keys the storefront attaches at checkout.
type PaymentMetadata struct {
	PreapprovalID ID `json:"preapproval_id"`
	UserID        ID `json:"user_id"`
	ProductID     ID `json:"product_id"`
}

// Payment is the provider's canonical charge record.
type Payment struct {
	ID                ID              `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount float64         `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	DateCreated       *time.Time      `json:"date_created"`
	DateApproved      *time.Time      `json:"date_approved"`
	ExternalReference string          `json:"external_reference"`
	Payer             Payer           `json:"payer"`
	Metadata          PaymentMetadata `json:"metadata"`
}

// PaidAt returns the approval time, falling back to creation time.
func (p Payment) PaidAt() time.Time {
	switch {
	case p.DateApproved != nil:
		return *p.DateApproved
	case p.DateCreated != nil:
		return *p.DateCreated
	default:
		return time.Time{}
	}
}

// AmountMinor returns the charged amount in minor currency units.
func (p Payment) AmountMinor() int64 { return ToMinorUnits(p.TransactionAmount) }

type AutoRecurring struct {
	Frequency         int     `json:"frequency"`
	FrequencyType     string  `json:"frequency_type"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
}

// Subscription is the provider's recurring billing agreement.
type Subscription struct {
	ID                ID            `json:"id"`
	Status            string        `json:"status"`
	Reason            string        `json:"reason"`
	ExternalReference string        `json:"external_reference"`
	PayerID           ID            `json:"payer_id"`
	PayerEmail        string        `json:"payer_email"`
	PlanID            string        `json:"preapproval_plan_id"`
	DateCreated       *time.Time    `json:"date_created"`
	LastModified      *time.Time    `json:"last_modified"`
	NextPaymentDate   *time.Time    `json:"next_payment_date"`
	AutoRecurring     AutoRecurring `json:"auto_recurring"`
}

// UpdatedAt returns the most recent provider-side modification time.
func (s Subscription) UpdatedAt() time.Time {
	switch {
	case s.LastModified != nil:
		return *s.LastModified
	case s.DateCreated != nil:
		return *s.DateCreated
	default:
		return time.Time{}
	}
}

// SearchCriteria filters subscription search. Empty fields are omitted.
type SearchCriteria struct {
	ExternalReference string
	PayerEmail        string
	PayerID           string
	Status            string
	Limit             int
}

func (c SearchCriteria) empty() bool {
	return c.ExternalReference == "" && c.PayerEmail == "" && c.PayerID == "" && c.Status == ""
}

func (c SearchCriteria) query() map[string]string {
	q := make(map[string]string, 5)
	if c.ExternalReference != "" {
		q["external_reference"] = c.ExternalReference
	}
	if c.PayerEmail != "" {
		q["payer_email"] = c.PayerEmail
	}
	if c.PayerID != "" {
		q["payer_id"] = c.PayerID
	}
	if c.Status != "" {
		q["status"] = c.Status
	}
	if c.Limit > 0 {
		q["limit"] = strconv.Itoa(c.Limit)
	}
	return q
}

type searchResponse struct {
	Results []Subscription `json:"results"`
}

// ToMinorUnits converts a decimal amount into minor units (cents), rounding half away from zero.
func ToMinorUnits(v float64) int64 {
	return int64(math.Round(v * 100))
}
