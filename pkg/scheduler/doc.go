/*
Package scheduler selects nodes for pinned workers under per-node capacity
limits.

Schedulers are pure functions over a cluster snapshot: they never mutate
node records and hold no state between calls, so the dispatcher can retry a
placement with a fresh snapshot after losing a bind race. Implementations
register themselves by name at init time; config names one, defaulting to
load_weighted_random.

Batch selection works against a residual-capacity view of the snapshot so
that a bulk submission never over-commits a node within its own batch.
*/
package scheduler
