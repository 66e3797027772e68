// Package scheduler triggers periodic maintenance jobs (cron expressions or
// fixed intervals) on top of robfig/cron.
//
// Each job runs with its own timeout. A job whose previous run is still in
// flight is skipped rather than queued.
package scheduler
