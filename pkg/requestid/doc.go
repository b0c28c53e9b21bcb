// Package requestid attaches a correlation ID to every inbound HTTP request.
//
// The ID is taken from the X-Request-Id header when it is well formed
// (alphanumerics, dash and underscore, at most 128 bytes) and generated
// otherwise. It is stored on the request context, picked up by the logger's
// context extractor as "request_id" and echoed back in the response header.
package requestid
