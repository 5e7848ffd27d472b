package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/netpulse/netpulse/pkg/client"
	"github.com/netpulse/netpulse/pkg/types"
)

var (
	serverURL  string
	apiKey     string
	submitFile string
	submitWait bool
	probeOnly  bool
)

func init() {
	for _, cmd := range []*cobra.Command{submitCmd, jobCmd, workerCmd, nodesCmd} {
		cmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:9000", "API server URL")
		cmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("NETPULSE_API_KEY"), "API key")
	}

	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "YAML file with a single-device or bulk request")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "wait for submitted jobs to finish")
	submitCmd.Flags().BoolVar(&probeOnly, "test-connection", false, "probe connectivity instead of queuing a job")
	submitCmd.MarkFlagRequired("file")

	jobCmd.AddCommand(jobListCmd, jobGetCmd, jobCancelCmd)
	workerCmd.AddCommand(workerListCmd, workerGetCmd, workerKillCmd)
	nodesCmd.AddCommand(nodeListCmd, nodeDrainCmd)
}

func apiClient() *client.Client {
	return client.New(serverURL, client.WithAPIKey(apiKey, ""))
}

func printJSON(v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

// submission is either a single-device request or, when the file carries a
// devices list, a bulk request. The file uses the same field names as the
// JSON API.
type submission struct {
	single *client.ExecuteRequest
	bulk   *client.BulkRequest
}

func loadSubmission(path string) (*submission, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var generic map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	// The API accepts command as a string or a list; the typed client
	// always sends a list.
	if cmd, ok := generic["command"].(string); ok {
		generic["command"] = []string{cmd}
	}
	encoded, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}

	if _, isBulk := generic["devices"]; isBulk {
		var req client.BulkRequest
		if err := json.Unmarshal(encoded, &req); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return &submission{bulk: &req}, nil
	}
	var req client.ExecuteRequest
	if err := json.Unmarshal(encoded, &req); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &submission{single: &req}, nil
}

// probeRequests expands a submission into one probe per device.
func (s *submission) probeRequests() []*client.ExecuteRequest {
	if s.single != nil {
		return []*client.ExecuteRequest{s.single}
	}
	probes := make([]*client.ExecuteRequest, 0, len(s.bulk.Devices))
	for _, device := range s.bulk.Devices {
		conn := make(types.ConnArgs, len(s.bulk.ConnArgs)+len(device))
		for k, v := range s.bulk.ConnArgs {
			conn[k] = v
		}
		for k, v := range device {
			conn[k] = v
		}
		probes = append(probes, &client.ExecuteRequest{
			Driver:     s.bulk.Driver,
			ConnArgs:   conn,
			DriverArgs: s.bulk.DriverArgs,
			Options:    s.bulk.Options,
		})
	}
	return probes
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit device operations from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, err := loadSubmission(submitFile)
		if err != nil {
			return err
		}
		c := apiClient()
		ctx := cmd.Context()

		if probeOnly {
			for _, req := range sub.probeRequests() {
				res, err := c.TestConnection(ctx, req)
				if err != nil {
					return err
				}
				if err := printJSON(res); err != nil {
					return err
				}
			}
			return nil
		}

		var jobIDs []string
		if sub.single != nil {
			receipt, err := c.Execute(ctx, sub.single)
			if err != nil {
				return err
			}
			jobIDs = append(jobIDs, receipt.ID)
			if err := printJSON(receipt); err != nil {
				return err
			}
		} else {
			out, err := c.ExecuteBulk(ctx, sub.bulk)
			if err != nil {
				return err
			}
			for _, receipt := range out.Succeeded {
				jobIDs = append(jobIDs, receipt.ID)
			}
			if err := printJSON(out); err != nil {
				return err
			}
		}

		if submitWait {
			return waitForJobs(ctx, c, jobIDs)
		}
		return nil
	},
}

// waitForJobs polls until every job is terminal, then prints the final
// records.
func waitForJobs(ctx context.Context, c *client.Client, ids []string) error {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for id := range pending {
			job, err := c.GetJob(ctx, id)
			if err != nil {
				return err
			}
			if job.Status.Terminal() {
				delete(pending, id)
				if err := printJSON(job); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and cancel jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _ := cmd.Flags().GetString("queue")
		status, _ := cmd.Flags().GetString("status")
		jobs, err := apiClient().ListJobs(cmd.Context(), client.JobFilter{Queue: queue, Status: status})
		if err != nil {
			return err
		}
		return printJSON(jobs)
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient().GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := apiClient().CancelJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect and terminate workers",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := apiClient().ListWorkers(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(recs)
	},
}

var workerGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show one worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := apiClient().GetWorker(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var workerKillCmd = &cobra.Command{
	Use:   "terminate <name>",
	Short: "Terminate a pinned worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := apiClient().TerminateWorker(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Printf("termination requested for %s\n", name)
		}
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect and drain nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := apiClient().ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(nodes)
	},
}

var nodeDrainCmd = &cobra.Command{
	Use:   "drain <node-id>",
	Short: "Drain a node and stop its supervisor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DrainNode(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("drain requested for %s\n", args[0])
		return nil
	},
}

func init() {
	jobListCmd.Flags().String("queue", "", "filter by queue name")
	jobListCmd.Flags().String("status", "", "filter by status")
}
