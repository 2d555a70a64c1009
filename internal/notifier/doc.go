// Package notifier delivers operator alerts.
//
// Scheduler events arrive through Publish, are rendered as a one-line
// "[EVENT] key=value" message with a priority tag, and go through a bounded
// queue to a small worker pool. Workers share a rate limiter and retry failed
// sends with jittered backoff. Identical messages inside the dedup window are
// suppressed; the window can be persisted so it survives restarts.
//
// A short in-memory history of sent messages is kept for the admin API.
package notifier
