package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/netpulse/netpulse/pkg/health"
	"github.com/netpulse/netpulse/pkg/types"
)

// Client is a typed HTTP client for the control plane API.
type Client struct {
	baseURL    string
	apiKey     string
	apiKeyName string
	http       *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithAPIKey sets the API key sent on every request. headerName may be
// empty, which selects the default header.
func WithAPIKey(key, headerName string) Option {
	return func(c *Client) {
		c.apiKey = key
		if headerName != "" {
			c.apiKeyName = headerName
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the given base URL (e.g. "http://127.0.0.1:9000").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKeyName: "X-API-KEY",
		http:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const codeOK = 200

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyName, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}

	if env.Code != codeOK {
		if len(env.Data) > 0 {
			var e types.Error
			if json.Unmarshal(env.Data, &e) == nil && e.Kind != "" {
				return &e
			}
		}
		return types.Errorf(kindForStatus(resp.StatusCode), "%s", env.Message)
	}

	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func kindForStatus(status int) types.ErrorKind {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound:
		return types.ErrKindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.ErrKindAuthentication
	case http.StatusServiceUnavailable:
		return types.ErrKindWorkerUnavailable
	default:
		return types.ErrKindValidation
	}
}

// ExecuteRequest is the wire body of a single-device submission. Command
// runs a query operation; Config pushes configuration. Exactly one of the
// two must be set. Command may be a string or a list on the wire; the
// client always sends a list.
type ExecuteRequest struct {
	Driver     string                 `json:"driver"`
	ConnArgs   types.ConnArgs         `json:"connection_args"`
	Command    []string               `json:"command,omitempty"`
	Config     []string               `json:"config,omitempty"`
	DriverArgs map[string]interface{} `json:"driver_args,omitempty"`
	Options    types.Options          `json:"options"`
}

// BulkRequest fans one operation out to many devices. Each devices entry
// overlays the shared connection args.
type BulkRequest struct {
	Driver     string                 `json:"driver"`
	Devices    []types.ConnArgs       `json:"devices"`
	ConnArgs   types.ConnArgs         `json:"connection_args"`
	Command    []string               `json:"command,omitempty"`
	Config     []string               `json:"config,omitempty"`
	DriverArgs map[string]interface{} `json:"driver_args,omitempty"`
	Options    types.Options          `json:"options"`
}

// JobReceipt is the submission acknowledgement for one queued job.
type JobReceipt struct {
	ID         string          `json:"id"`
	Status     types.JobStatus `json:"status"`
	Queue      string          `json:"queue"`
	Host       string          `json:"host,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// BulkResult splits a bulk submission into queued receipts and the hosts
// that could not be queued.
type BulkResult struct {
	Succeeded []JobReceipt `json:"succeeded"`
	Failed    []string     `json:"failed"`
}

// TestConnectionResult reports a synchronous connection probe.
type TestConnectionResult struct {
	Success        bool              `json:"success"`
	ConnectionTime float64           `json:"connection_time"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	DeviceInfo     map[string]string `json:"device_info,omitempty"`
}

// CancelResult reports which queued jobs a cancellation removed.
type CancelResult struct {
	CancelledCount int      `json:"cancelled_count"`
	CancelledJobs  []string `json:"cancelled_jobs"`
}

// Execute submits a request and returns the queued job receipt.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*JobReceipt, error) {
	var receipt JobReceipt
	if err := c.do(ctx, http.MethodPost, "/device/execute", req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ExecuteBulk submits one operation against many devices.
func (c *Client) ExecuteBulk(ctx context.Context, req *BulkRequest) (*BulkResult, error) {
	var out BulkResult
	if err := c.do(ctx, http.MethodPost, "/device/bulk", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TestConnection probes a device synchronously.
func (c *Client) TestConnection(ctx context.Context, req *ExecuteRequest) (*TestConnectionResult, error) {
	var res TestConnectionResult
	if err := c.do(ctx, http.MethodPost, "/device/test-connection", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// JobFilter narrows job listings and batch cancels.
type JobFilter struct {
	Queue  string
	Status string
	Host   string
	Worker string
}

func (f JobFilter) query() string {
	q := url.Values{}
	if f.Queue != "" {
		q.Set("queue", f.Queue)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Host != "" {
		q.Set("host", f.Host)
	}
	if f.Worker != "" {
		q.Set("worker", f.Worker)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// GetJob fetches one job by id.
func (c *Client) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodGet, "/job/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs matching the filter, newest first.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error) {
	var jobs []*types.Job
	if err := c.do(ctx, http.MethodGet, "/job"+filter.query(), nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CancelJob cancels a queued job. The count is zero when the job was no
// longer queued at the moment of removal.
func (c *Client) CancelJob(ctx context.Context, id string) (*CancelResult, error) {
	var out CancelResult
	if err := c.do(ctx, http.MethodDelete, "/job/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJobs cancels every queued job matching the filter.
func (c *Client) CancelJobs(ctx context.Context, filter JobFilter) (*CancelResult, error) {
	var out CancelResult
	if err := c.do(ctx, http.MethodDelete, "/job"+filter.query(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkers lists every live worker record.
func (c *Client) ListWorkers(ctx context.Context) ([]*types.WorkerRecord, error) {
	var recs []*types.WorkerRecord
	if err := c.do(ctx, http.MethodGet, "/worker", nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// GetWorker fetches one worker record by name.
func (c *Client) GetWorker(ctx context.Context, name string) (*types.WorkerRecord, error) {
	var rec types.WorkerRecord
	if err := c.do(ctx, http.MethodGet, "/worker/"+url.PathEscape(name), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// TerminateWorker asks the owning supervisor to kill a pinned worker and
// returns the names signalled.
func (c *Client) TerminateWorker(ctx context.Context, name string) ([]string, error) {
	var names []string
	if err := c.do(ctx, http.MethodDelete, "/worker/"+url.PathEscape(name), nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// ListNodes returns the live node snapshot.
func (c *Client) ListNodes(ctx context.Context) ([]*types.NodeInfo, error) {
	var nodes []*types.NodeInfo
	if err := c.do(ctx, http.MethodGet, "/node", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// DrainNode asks a node supervisor to drain and shut down.
func (c *Client) DrainNode(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodDelete, "/node/"+url.PathEscape(nodeID), nil, nil)
}

// QueueDepths reports waiting job counts per queue.
func (c *Client) QueueDepths(ctx context.Context) (map[string]int64, error) {
	var depths map[string]int64
	if err := c.do(ctx, http.MethodGet, "/queue", nil, &depths); err != nil {
		return nil, err
	}
	return depths, nil
}

// Health reports whether the control plane is healthy. On an unhealthy
// system the per-check results are returned; a healthy one reports none.
// The error is non-nil only when the request itself fails.
func (c *Client) Health(ctx context.Context) (map[string]health.Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, false, err
	}
	if env.Code == codeOK {
		return nil, true, nil
	}
	var results map[string]health.Result
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &results)
	}
	return results, false, nil
}
