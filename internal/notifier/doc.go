// Package notifier delivers operator alerts asynchronously.
//
// Alerts are queued, deduplicated within a window, rate limited and handed
// to a Sink by a small supervised worker pool. Failed sends are retried with
// jittered exponential backoff. The default sink writes alerts to the log;
// chat transports can be plugged in through the Sink interface.
package notifier
