/*
Package worker implements the two job-consuming process kinds and the
shared execution engine.

A PinnedWorker owns the serial queue for exactly one device host and a
persistent session to it. Jobs execute strictly in queue order; a dead
session or a stop request unwinds through teardown, which releases the
host binding so the next job can respawn elsewhere.

A FifoWorker is a per-machine singleton consuming the shared queue with N
executor goroutines, each running one job at a time over a throwaway
connection. Disconnect always runs, even on failure.

The Executor carries every claimed job through the same lifecycle
regardless of worker kind: TTL check at claim, queued->started, the driver
operation under the job deadline, the terminal transition, and fan-out of
events, webhooks, and metrics. Both workers ride out store outages with
exponential backoff rather than exiting.
*/
package worker
