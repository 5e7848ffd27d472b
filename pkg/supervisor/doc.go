/*
Package supervisor implements the per-machine node daemon of the control
plane.

The supervisor is the only process that forks pinned workers. Dispatchers
ask it to spawn over the node's control channel; the supervisor answers on
a per-request reply channel after the capacity check and the cluster-wide
bind CAS, so a dispatcher always learns whether it got a worker, lost the
race to another node, or hit capacity.

Exited children are reaped immediately and their binding and count released
if the child died without cleaning up. A periodic reconcile pass repairs
the two remaining divergence cases: a binding to this node with no child
behind it, and a child whose binding was taken over elsewhere.

Drain stops spawns, SIGTERMs every child, waits out the drain timeout,
SIGKILLs stragglers, and removes the node record.
*/
package supervisor
