package types

import (
	"fmt"
	"hash/fnv"
	"sort"
	"time"
)

// QueueStrategy determines how a job is routed to workers.
type QueueStrategy string

const (
	// QueueStrategyPinned routes jobs to a worker process bound 1:1 to the
	// device host, executing serially over a persistent connection.
	QueueStrategyPinned QueueStrategy = "pinned"

	// QueueStrategyFIFO routes jobs to the shared queue consumed by
	// stateless workers with short-lived connections.
	QueueStrategyFIFO QueueStrategy = "fifo"
)

// OperationKind identifies the kind of device operation.
type OperationKind string

const (
	OperationQuery          OperationKind = "query"
	OperationConfig         OperationKind = "config"
	OperationTestConnection OperationKind = "test_connection"
)

// Operation describes what to execute against a device.
type Operation struct {
	Kind     OperationKind `json:"kind"`
	Commands []string      `json:"commands,omitempty"`
}

// ConnArgs holds driver connection arguments. Only "host" is interpreted by
// the core; the remaining fields are passed through to the driver.
type ConnArgs map[string]interface{}

// Fields excluded from the session identity fingerprint. Changing these does
// not force a reconnect.
var nonIdentityFields = map[string]bool{
	"keepalive":    true,
	"read_timeout": true,
}

// Host returns the device host, or "" if absent.
func (c ConnArgs) Host() string {
	if h, ok := c["host"].(string); ok {
		return h
	}
	return ""
}

// KeepaliveInterval returns the session keepalive interval, clamped to
// [1s, 300s] with a 30s default. Values under 10s are allowed for tight
// liveness bounds; the recommended operating range starts at 10s.
func (c ConnArgs) KeepaliveInterval() time.Duration {
	secs := 30.0
	switch v := c["keepalive"].(type) {
	case float64:
		secs = v
	case int:
		secs = float64(v)
	}
	if secs < 1 {
		secs = 1
	}
	if secs > 300 {
		secs = 300
	}
	return time.Duration(secs * float64(time.Second))
}

// Fingerprint returns a stable hash over all identity-affecting connection
// fields. Two ConnArgs with the same fingerprint may share a pinned session.
func (c ConnArgs) Fingerprint() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		if nonIdentityFields[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, c[k])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Options carries per-request overrides.
type Options struct {
	QueueStrategy QueueStrategy `json:"queue_strategy,omitempty"`
	TTL           int           `json:"ttl,omitempty"`
	Timeout       int           `json:"timeout,omitempty"`
	ResultTTL     int           `json:"result_ttl,omitempty"`
	Webhook       *WebhookSpec  `json:"webhook,omitempty"`
}

// Request is the input unit to the dispatcher.
type Request struct {
	Driver     string                 `json:"driver"`
	ConnArgs   ConnArgs               `json:"connection_args"`
	Operation  Operation              `json:"operation"`
	DriverArgs map[string]interface{} `json:"driver_args,omitempty"`
	Options    Options                `json:"options"`
}

// Validate checks the request fields the core depends on.
func (r *Request) Validate() error {
	if r.Driver == "" {
		return NewError(ErrKindValidation, "driver is required")
	}
	if r.Operation.Kind != OperationTestConnection && r.ConnArgs.Host() == "" {
		return NewError(ErrKindValidation, "connection_args.host is required")
	}
	switch r.Operation.Kind {
	case OperationQuery, OperationConfig:
		if len(r.Operation.Commands) == 0 {
			return NewError(ErrKindValidation, "operation requires at least one command")
		}
	case OperationTestConnection:
	default:
		return Errorf(ErrKindValidation, "unknown operation kind %q", r.Operation.Kind)
	}
	if s := r.Options.QueueStrategy; s != "" && s != QueueStrategyPinned && s != QueueStrategyFIFO {
		return Errorf(ErrKindValidation, "unknown queue strategy %q", s)
	}
	return nil
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusStarted   JobStatus = "started"
	JobStatusFinished  JobStatus = "finished"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusFinished, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed job status
// transition. The allowed set is exactly:
//
//	queued  -> started | cancelled | failed
//	started -> finished | failed
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusStarted || to == JobStatusCancelled || to == JobStatusFailed
	case JobStatusStarted:
		return to == JobStatusFinished || to == JobStatusFailed
	}
	return false
}

// ResultType distinguishes success from failure results.
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultFailure ResultType = "failure"
)

// Result is attached to a job on terminal states.
type Result struct {
	Type   ResultType        `json:"type"`
	Retval map[string]string `json:"retval,omitempty"`
	Error  *Error            `json:"error,omitempty"`
}

// Job represents a scheduled unit of work.
type Job struct {
	ID         string                 `json:"id"`
	Status     JobStatus              `json:"status"`
	Queue      string                 `json:"queue_name"`
	Driver     string                 `json:"driver"`
	ConnArgs   ConnArgs               `json:"connection_args"`
	Operation  Operation              `json:"operation"`
	DriverArgs map[string]interface{} `json:"driver_args,omitempty"`
	Webhook    *WebhookSpec           `json:"webhook,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	EndedAt    time.Time `json:"ended_at,omitempty"`

	Worker string  `json:"worker,omitempty"`
	Result *Result `json:"result,omitempty"`

	TTLSeconds       int `json:"ttl_seconds"`
	TimeoutSeconds   int `json:"timeout_seconds"`
	ResultTTLSeconds int `json:"result_ttl_seconds"`
}

// Host returns the device host the job targets.
func (j *Job) Host() string {
	return j.ConnArgs.Host()
}

// TTLExpired reports whether the job sat unclaimed past its queue-side TTL.
func (j *Job) TTLExpired(now time.Time) bool {
	if j.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(j.EnqueuedAt) > time.Duration(j.TTLSeconds)*time.Second
}

// NodeInfo describes a worker host known to the cluster.
type NodeInfo struct {
	NodeID        string    `json:"node_id"`
	Hostname      string    `json:"hostname"`
	Capacity      int       `json:"capacity"`
	Count         int       `json:"count"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Available returns the remaining pinned-worker slots on the node.
func (n *NodeInfo) Available() int {
	if n.Count >= n.Capacity {
		return 0
	}
	return n.Capacity - n.Count
}

// Alive reports whether the node heartbeated within ttl of now.
func (n *NodeInfo) Alive(now time.Time, ttl time.Duration) bool {
	return now.Sub(n.LastHeartbeat) <= ttl
}

// WorkerStatus is the published state of a worker process.
type WorkerStatus string

const (
	WorkerStatusBusy      WorkerStatus = "busy"
	WorkerStatusIdle      WorkerStatus = "idle"
	WorkerStatusSuspended WorkerStatus = "suspended"
	WorkerStatusDead      WorkerStatus = "dead"
)

// WorkerRecord is per-worker metadata published to the store. It is written
// only by the owning worker; other processes treat it as read-only.
type WorkerRecord struct {
	Name          string       `json:"name"`
	PID           int          `json:"pid"`
	Hostname      string       `json:"hostname"`
	NodeID        string       `json:"node_id"`
	Queues        []string     `json:"queues"`
	Status        WorkerStatus `json:"status"`
	BirthAt       time.Time    `json:"birth_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	SuccessCount  int64        `json:"successful_job_count"`
	FailureCount  int64        `json:"failed_job_count"`
}

// BasicAuth carries webhook basic-auth credentials.
type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// WebhookSpec configures result delivery on terminal job transitions. It is
// copied verbatim into the job at enqueue time.
type WebhookSpec struct {
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Cookies        map[string]string `json:"cookies,omitempty"`
	BasicAuth      *BasicAuth        `json:"basic_auth,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
}

// Timeout returns the webhook timeout clamped to [0.5s, 120s].
func (w *WebhookSpec) Timeout() time.Duration {
	secs := w.TimeoutSeconds
	if secs < 0.5 {
		secs = 0.5
	}
	if secs > 120 {
		secs = 120
	}
	return time.Duration(secs * float64(time.Second))
}
