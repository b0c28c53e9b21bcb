package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names used by the payment provider.
const (
	HeaderSignature = "X-Signature"
	HeaderRequestID = "X-Request-Id"
)

// Verification is the outcome of checking an inbound notification.
type Verification string

const (
	Valid   Verification = "valid"
	Invalid Verification = "invalid"
	// Unverifiable means no secret is configured, so authenticity cannot be decided.
	Unverifiable Verification = "unverifiable"
)

// SignatureHeaders carries the parts of the provider signature needed to rebuild the manifest.
type SignatureHeaders struct {
	Timestamp int64  // value of ts= as sent by the provider
	Signature string // hex encoded v1= HMAC
	RequestID string // X-Request-Id
}

// ParseSignatureHeader splits "ts=1704908010,v1=abc..." into its parts.
// Unknown keys are ignored so new signature versions do not break parsing.
func ParseSignatureHeader(value string) (ts int64, v1 string, err error) {
	if strings.TrimSpace(value) == "" {
		return 0, "", ErrMissingSignature
	}

	for part := range strings.SplitSeq(value, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts, err = strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: invalid ts: %w", ErrMalformedHeader, err)
			}
		case "v1":
			v1 = strings.TrimSpace(val)
		}
	}

	if ts == 0 || v1 == "" {
		return 0, "", fmt.Errorf("%w: ts and v1 are required", ErrMalformedHeader)
	}
	return ts, v1, nil
}

// ExtractSignatureHeaders reads the provider signature headers from an HTTP request.
func ExtractSignatureHeaders(h http.Header) (SignatureHeaders, error) {
	ts, v1, err := ParseSignatureHeader(h.Get(HeaderSignature))
	if err != nil {
		return SignatureHeaders{}, err
	}
	return SignatureHeaders{
		Timestamp: ts,
		Signature: v1,
		RequestID: h.Get(HeaderRequestID),
	}, nil
}

// Manifest rebuilds the canonical string the provider signs.
// Alphanumeric resource IDs are signed lower-cased.
func Manifest(dataID, requestID string, ts int64) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:")
		b.WriteString(strings.ToLower(dataID))
		b.WriteString(";")
	}
	if requestID != "" {
		b.WriteString("request-id:")
		b.WriteString(requestID)
		b.WriteString(";")
	}
	b.WriteString("ts:")
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteString(";")
	return b.String()
}

// Sign computes the hex HMAC-SHA256 of the manifest. Used by tests and local tooling
// to produce notifications the Verifier accepts.
func Sign(secret, dataID, requestID string, ts int64) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(Manifest(dataID, requestID, ts)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verifier validates that a notification was produced by the provider.
// A zero-value secret makes every notification Unverifiable.
type Verifier struct {
	secret string
	maxAge time.Duration
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithMaxAge rejects signatures whose timestamp is older than d. Zero disables the check.
func WithMaxAge(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d >= 0 {
			v.maxAge = d
		}
	}
}

// WithClock overrides the time source used for the age check.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Configured reports whether a secret is present.
func (v *Verifier) Configured() bool {
	return v != nil && v.secret != ""
}

// Verify checks the signature for the notification about dataID.
// The returned error explains an Invalid or Unverifiable result.
func (v *Verifier) Verify(dataID string, headers SignatureHeaders) (Verification, error) {
	if !v.Configured() {
		return Unverifiable, ErrMissingSecret
	}
	if headers.Signature == "" {
		return Invalid, ErrMissingSignature
	}

	if v.maxAge > 0 {
		signedAt := timestampToTime(headers.Timestamp)
		age := v.now().Sub(signedAt)
		if age > v.maxAge || age < -time.Minute {
			return Invalid, fmt.Errorf("%w: age %v", ErrTimestampExpired, age)
		}
	}

	expected := Sign(v.secret, dataID, headers.RequestID, headers.Timestamp)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(headers.Signature))) {
		return Invalid, ErrSignatureInvalid
	}
	return Valid, nil
}

// timestampToTime accepts both second and millisecond precision timestamps.
func timestampToTime(ts int64) time.Time {
	if ts > 1e12 {
		return time.UnixMilli(ts)
	}
	return time.Unix(ts, 0)
}
