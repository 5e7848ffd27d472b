/*
Package dispatcher is the control-plane entry point for jobs: it validates
requests, resolves each onto the FIFO or pinned path, secures workers, and
enqueues.

The pinned path is a negotiation. A live binding means a worker already
owns the host and the job simply joins its serial queue. Otherwise the
dispatcher schedules a node, asks its supervisor to spawn, and interprets
the reply: spawned and lost-race both mean a worker exists (the per-host
queue reaches it wherever it runs), per-node capacity prompts a retry with
a fresh snapshot, and a cluster with no free slot fails the job with
CapacityExhausted. Retries are bounded; exhausting them yields
WorkerUnavailable.

Bulk submissions make one batch scheduling pass over a single snapshot and
spawn in parallel. Cancellation claims the queued job by atomically
removing its id from the queue list, so a cancel and a worker claim can
never both win.
*/
package dispatcher
