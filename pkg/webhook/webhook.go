// Package webhook delivers job results to caller-supplied HTTP endpoints.
// Delivery is strictly best effort: a webhook failure is logged and counted
// but never changes the job outcome.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/metrics"
	"github.com/netpulse/netpulse/pkg/types"
)

// payload is the request body: the job id and its flattened result, the
// command output on success or the error message on failure.
type payload struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

// resultString flattens a terminal result for the wire. Multi-command
// output is joined line-wise, commands sorted for stable bodies.
func resultString(res *types.Result) string {
	if res == nil {
		return ""
	}
	if res.Type == types.ResultFailure {
		if res.Error != nil {
			return res.Error.Message
		}
		return "job failed"
	}
	cmds := make([]string, 0, len(res.Retval))
	for cmd := range res.Retval {
		cmds = append(cmds, cmd)
	}
	sort.Strings(cmds)
	parts := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		parts = append(parts, res.Retval[cmd])
	}
	return strings.Join(parts, "\n")
}

// Caller posts job results to webhooks.
type Caller struct {
	client *http.Client
	logger zerolog.Logger
}

// NewCaller builds a webhook caller. The per-call timeout comes from each
// webhook spec, so the shared client carries none.
func NewCaller() *Caller {
	return &Caller{
		client: &http.Client{},
		logger: log.WithComponent("webhook"),
	}
}

// Call delivers the job's result to its webhook. Errors are logged, never
// returned; the job is already terminal when this runs.
func (c *Caller) Call(ctx context.Context, job *types.Job) {
	spec := job.Webhook
	if spec == nil || spec.URL == "" {
		return
	}

	body, err := json.Marshal(payload{ID: job.ID, Result: resultString(job.Result)})
	if err != nil {
		c.fail(job, spec, err)
		return
	}

	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}

	ctx, cancel := context.WithTimeout(ctx, spec.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, spec.URL, bytes.NewReader(body))
	if err != nil {
		c.fail(job, spec, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range spec.Cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}
	if spec.BasicAuth != nil {
		req.SetBasicAuth(spec.BasicAuth.Username, spec.BasicAuth.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.fail(job, spec, err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Warn().
			Str("job_id", job.ID).
			Str("webhook", spec.Name).
			Int("status", resp.StatusCode).
			Msg("webhook returned non-success status")
		metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
		return
	}

	c.logger.Debug().
		Str("job_id", job.ID).
		Str("webhook", spec.Name).
		Msg("webhook delivered")
	metrics.WebhooksTotal.WithLabelValues("delivered").Inc()
}

func (c *Caller) fail(job *types.Job, spec *types.WebhookSpec, err error) {
	c.logger.Warn().
		Err(err).
		Str("job_id", job.ID).
		Str("webhook", spec.Name).
		Msg("webhook delivery failed")
	metrics.WebhooksTotal.WithLabelValues("failed").Inc()
}
