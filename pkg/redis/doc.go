// Package redis wraps github.com/redis/go-redis/v9 with a retrying Connect,
// a health check closure and Lease, a token-owned SET NX lock with TTL used to
// keep a job single-flight across processes.
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	lease := redis.NewLease(client, "billsync:reconcile", 10*time.Minute)
//	token, ok, err := lease.Acquire(ctx)
//	if ok {
//		defer lease.Release(ctx, token)
//	}
package redis
