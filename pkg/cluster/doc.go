/*
Package cluster maintains the shared view of the worker fleet: node records
keyed by heartbeat, the host->node binding map, and per-node pinned worker
counts.

Bind is a compare-and-swap on the binding hash and is the cluster-wide
serialization point preventing two pinned workers for the same device host.
Counts are eventually consistent; each node's supervisor is authoritative
and reconciles them on every heartbeat.

The Reaper runs opportunistically on any controller under a store lease and
clears node records and bindings left behind by dead nodes.
*/
package cluster
