// Package httpserver runs the service's HTTP listener with graceful shutdown
// and provides the health endpoint.
//
//	srv := httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log))
//	err := srv.Run(ctx, router) // returns after ctx is cancelled and requests drain
//
// HealthHandler reports liveness when given no checks and readiness otherwise:
//
//	r.Get("/healthz", httpserver.HealthHandler(log, 2*time.Second,
//		httpserver.Check{Name: "storage", Fn: store.Ping},
//	))
package httpserver
