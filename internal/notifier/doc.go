// Package notifier turns failure events from the scheduler and the execution
// service into short operator alerts.
//
// The service subscribes to the event bus and queues an alert for every
// failed execution, and for every dispatch that failed before an execution
// could start. A worker pool drains the queue through a rate limiter and
// retries transient send errors. Identical texts inside the dedup window are
// suppressed. The queue never blocks the publisher: a full queue drops.
//
// # Transport
//
// Delivery goes through a Sender. The Telegram sender posts to one chat (and
// optionally one forum topic) through the Bot API.
package notifier
