package types

// ControlKind identifies a control message sent to a node supervisor.
type ControlKind string

const (
	ControlSpawnPinned ControlKind = "spawn_pinned"
	ControlKillPinned  ControlKind = "kill_pinned"
	ControlKillAll     ControlKind = "kill_all"
	ControlDrain       ControlKind = "drain"
)

// ControlMessage is published on a node's control channel.
type ControlMessage struct {
	Kind        ControlKind `json:"kind"`
	RequestID   string      `json:"request_id"`
	Host        string      `json:"host,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
}

// ReplyKind identifies a supervisor's reply to a control message.
type ReplyKind string

const (
	ReplySpawned           ReplyKind = "spawned"
	ReplyCapacityExhausted ReplyKind = "capacity_exhausted"
	ReplyLostRace          ReplyKind = "lost_race"
	ReplyError             ReplyKind = "error"
)

// ControlReply is published on the reply channel derived from the request id.
// For lost_race replies NodeID names the winning node so the dispatcher can
// enqueue there.
type ControlReply struct {
	Kind       ReplyKind `json:"kind"`
	RequestID  string    `json:"request_id"`
	Host       string    `json:"host,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	WorkerName string    `json:"worker_name,omitempty"`
	Message    string    `json:"message,omitempty"`
}
