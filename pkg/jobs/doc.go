// Package jobs runs the periodic maintenance tasks of the access service on
// cron schedules: expiring lapsed trials and archiving audit history.
//
// Runs of the same job never overlap. A run that is still going when its
// next tick arrives causes that tick to be skipped. Panics are recovered and
// logged. Every run is timed and counted when metrics are configured.
//
//	scheduler := jobs.NewScheduler(logger, metrics)
//	scheduler.Add(jobs.TrialReconcile, "@every 15m", jobs.ReconcileTrials(store, logger))
//	scheduler.Start()
//	defer scheduler.Stop(ctx)
package jobs
