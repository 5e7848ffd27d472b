/*
Package events provides an in-process publish/subscribe broker for job,
worker, and node lifecycle events.

The broker fans events out to subscriber channels without blocking the
publisher: a slow subscriber loses events rather than stalling the control
plane. Consumers that need durability read job records from the store
instead; the broker exists for live observation (API event streams, log
taps, tests).
*/
package events
