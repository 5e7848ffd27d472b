package api

import (
	"encoding/json"
	"time"

	"github.com/netpulse/netpulse/pkg/types"
)

// commandList accepts a JSON string or array of strings, so a single
// command reads naturally on the wire.
type commandList []string

// UnmarshalJSON implements json.Unmarshaler.
func (c *commandList) UnmarshalJSON(raw []byte) error {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		*c = commandList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return err
	}
	*c = commandList(many)
	return nil
}

// deviceRequest is the wire shape of a single-device submission. A
// top-level command selects a query operation, config a config operation.
type deviceRequest struct {
	Driver     string                 `json:"driver"`
	ConnArgs   types.ConnArgs         `json:"connection_args"`
	Command    commandList            `json:"command,omitempty"`
	Config     []string               `json:"config,omitempty"`
	DriverArgs map[string]interface{} `json:"driver_args,omitempty"`
	Options    types.Options          `json:"options"`
}

// operationOf maps the command/config pair onto the internal operation.
func operationOf(command commandList, config []string) (types.Operation, error) {
	switch {
	case len(command) > 0 && len(config) > 0:
		return types.Operation{}, types.NewError(types.ErrKindValidation,
			"command and config are mutually exclusive")
	case len(command) > 0:
		return types.Operation{Kind: types.OperationQuery, Commands: command}, nil
	case len(config) > 0:
		return types.Operation{Kind: types.OperationConfig, Commands: config}, nil
	default:
		return types.Operation{}, types.NewError(types.ErrKindValidation,
			"either command or config is required")
	}
}

func (r *deviceRequest) toRequest() (*types.Request, error) {
	op, err := operationOf(r.Command, r.Config)
	if err != nil {
		return nil, err
	}
	return &types.Request{
		Driver:     r.Driver,
		ConnArgs:   r.ConnArgs,
		Operation:  op,
		DriverArgs: r.DriverArgs,
		Options:    r.Options,
	}, nil
}

// bulkRequest fans one operation out to many devices. Each devices entry
// overlays the shared connection args; at minimum it carries the host.
type bulkRequest struct {
	Driver     string                 `json:"driver"`
	Devices    []types.ConnArgs       `json:"devices"`
	ConnArgs   types.ConnArgs         `json:"connection_args"`
	Command    commandList            `json:"command,omitempty"`
	Config     []string               `json:"config,omitempty"`
	DriverArgs map[string]interface{} `json:"driver_args,omitempty"`
	Options    types.Options          `json:"options"`
}

func (r *bulkRequest) toRequests() ([]*types.Request, error) {
	if len(r.Devices) == 0 {
		return nil, types.NewError(types.ErrKindValidation, "devices is required")
	}
	op, err := operationOf(r.Command, r.Config)
	if err != nil {
		return nil, err
	}

	reqs := make([]*types.Request, len(r.Devices))
	for i, device := range r.Devices {
		conn := make(types.ConnArgs, len(r.ConnArgs)+len(device))
		for k, v := range r.ConnArgs {
			conn[k] = v
		}
		for k, v := range device {
			conn[k] = v
		}
		reqs[i] = &types.Request{
			Driver:     r.Driver,
			ConnArgs:   conn,
			Operation:  op,
			DriverArgs: r.DriverArgs,
			Options:    r.Options,
		}
	}
	return reqs, nil
}

// testConnectionRequest is the wire shape of the synchronous probe.
type testConnectionRequest struct {
	Driver     string                 `json:"driver"`
	ConnArgs   types.ConnArgs         `json:"connection_args"`
	DriverArgs map[string]interface{} `json:"driver_args,omitempty"`
	Options    types.Options          `json:"options"`
}

// jobInResponse is the submission receipt: the named fields clients poll
// and route on.
type jobInResponse struct {
	ID         string          `json:"id"`
	Status     types.JobStatus `json:"status"`
	Queue      string          `json:"queue"`
	Host       string          `json:"host,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

func jobReceipt(job *types.Job) jobInResponse {
	return jobInResponse{
		ID:         job.ID,
		Status:     job.Status,
		Queue:      job.Queue,
		Host:       job.Host(),
		EnqueuedAt: job.EnqueuedAt,
	}
}

// bulkResponse splits a bulk submission into queued receipts and the
// hosts that could not be queued.
type bulkResponse struct {
	Succeeded []jobInResponse `json:"succeeded"`
	Failed    []string        `json:"failed"`
}

// testConnectionResponse reports the synchronous probe outcome.
type testConnectionResponse struct {
	Success        bool              `json:"success"`
	ConnectionTime float64           `json:"connection_time"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	DeviceInfo     map[string]string `json:"device_info,omitempty"`
}

// cancelResponse reports which queued jobs a cancellation removed.
type cancelResponse struct {
	CancelledCount int      `json:"cancelled_count"`
	CancelledJobs  []string `json:"cancelled_jobs"`
}
