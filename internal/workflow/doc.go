// Package workflow runs projects through the extraction, transcription, and
// synthesis stages.
//
// The Manager owns a small pool of workers. Each worker claims the oldest
// pending project from the queue store, stamps a run id, keeps a heartbeat
// alive while the stages run, and hands the outcome to a result callback that
// persists completed, failed, or interrupted status and writes the run log.
// A reclaimer returns projects whose heartbeat went stale to pending.
//
// Submit and Retry only touch the store and wake an idle worker, so callers
// return as soon as the work is scheduled. Stop interrupts in-flight runs and
// requeues them; Drain lets them finish first.
package workflow
