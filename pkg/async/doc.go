// Package async provides safe concurrent execution primitives for background
// work.
//
// SafeGo runs a detached task with a timeout and panic recovery:
//
//	async.SafeGo(ctx, logger, 30*time.Second, "permission sync", func(ctx context.Context) error {
//		return engine.Sync(ctx, change)
//	})
//
// WorkerPool is a fixed set of workers draining a task channel. Batch runs
// one function per item on a pool and returns the errors aligned with the
// items, so callers can tell exactly which items failed:
//
//	errs := async.Batch(ctx, users, 4, "permission sync", 10*time.Second, func(ctx context.Context, u *rbac.User) error {
//		return grant(ctx, u)
//	})
//
// Panics inside tasks are recovered and reported as errors; they never take
// down the process.
package async
