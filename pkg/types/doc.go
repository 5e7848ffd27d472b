/*
Package types defines the NetPulse data model shared by every process in the
cluster: requests, jobs and their lifecycle, node and worker metadata,
webhook specifications, control-plane messages, and the classified error
taxonomy surfaced to clients.

All records serialized into the shared store are JSON; the structs here carry
the canonical tags. Ownership rules:

  - Jobs are owned by the store; a claiming worker holds transient exclusive
    ownership for the duration of execution.
  - WorkerRecords are written only by their owning worker.
  - NodeInfo and host bindings are shared state mutated under the store's
    atomic primitives.
*/
package types
