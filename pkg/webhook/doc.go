// Package webhook authenticates payment provider notifications.
//
// The provider signs every notification with HMAC-SHA256 over a manifest built
// from the notified resource ID, the X-Request-Id header and the signing
// timestamp:
//
//	id:{data.id};request-id:{x-request-id};ts:{ts};
//
// and sends it as "X-Signature: ts=<ts>,v1=<hex>". Verifier rebuilds the manifest
// and compares in constant time. Without a configured secret the result is
// Unverifiable; deciding whether that is acceptable is left to the caller,
// which knows the deployment environment.
//
//	v := webhook.NewVerifier(secret, webhook.WithMaxAge(10*time.Minute))
//	headers, err := webhook.ExtractSignatureHeaders(r.Header)
//	result, err := v.Verify(dataID, headers)
package webhook
