package store

import "fmt"

// Key layout of the shared store. The namespace is flat under "netpulse:";
// clients read and write whole JSON records.
const (
	prefix = "netpulse:"

	// KeyHostToNodeMap is the hash mapping device host -> owning node id.
	KeyHostToNodeMap = prefix + "host_to_node_map"

	// KeyNodeInfoMap is the hash mapping node id -> serialized NodeInfo.
	KeyNodeInfoMap = prefix + "node_info_map"

	// KeyNodeCountMap is the hash mapping node id -> live pinned worker
	// count, maintained with atomic hash arithmetic.
	KeyNodeCountMap = prefix + "node_pinned_count"

	// QueueFIFO is the shared queue consumed by fifo workers.
	QueueFIFO = prefix + "queue:fifo"

	// KeyReaperLease serializes opportunistic stale-binding reaping across
	// controllers.
	KeyReaperLease = prefix + "reaper:lease"
)

// KeyJob is the record for a single job.
func KeyJob(id string) string {
	return prefix + "jobs:" + id
}

// KeyWorker is the record published by a worker process.
func KeyWorker(name string) string {
	return prefix + "workers:" + name
}

// QueuePinned is the per-host serial queue consumed by the pinned worker
// bound to host.
func QueuePinned(host string) string {
	return fmt.Sprintf("%squeue:pinned:%s", prefix, host)
}

// PinnedQueueName is the logical queue name recorded on jobs and worker
// records for a pinned host.
func PinnedQueueName(host string) string {
	return "pinned:" + host
}

// ChannelControl is the pub/sub channel a node supervisor listens on.
func ChannelControl(nodeID string) string {
	return prefix + "control:" + nodeID
}

// ChannelReply carries supervisor replies for a single control request.
func ChannelReply(requestID string) string {
	return prefix + "control:reply:" + requestID
}
