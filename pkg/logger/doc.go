// Package logger builds log/slog loggers for billsync.
//
// New applies environment presets (text/debug for development, JSON/info otherwise)
// and decorates the handler so that request and webhook event identifiers stored in
// the context via WithRequestID and WithEventID appear on every record:
//
//	log := logger.New(logger.WithEnvironment(cfg.Env, "billsync"))
//	ctx = logger.WithEventID(ctx, eventID)
//	log.InfoContext(ctx, "webhook received") // carries event_id
package logger
