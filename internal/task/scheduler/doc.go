// Package scheduler runs recurring and one-shot jobs.
//
// A single dispatch loop scans the job table and pushes due jobs into one
// queue per priority. A fixed pool of workers drains the queues, highest
// priority first, and records the outcome on the job: recurring jobs go back
// to Pending with an advanced NextRun, faulted jobs are retried with linear
// backoff until MaxRetries is exhausted and then end in Failed.
//
// All loops are hosted by a supervisor, so a panic in a loop is logged and
// the loop restarts. Job panics are recovered per run and treated as faults.
package scheduler
