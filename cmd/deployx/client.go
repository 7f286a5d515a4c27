package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/deployx/deployx/pkg/fleet"
)

// apiClient is a thin JSON client for the controller's REST API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("controller at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func addAPIFlag(cmd *cobra.Command) *string {
	return cmd.PersistentFlags().String("api", "http://localhost:8765", "controller API base URL")
}

func clientFor(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("api")
	if base == "" {
		base, _ = cmd.InheritedFlags().GetString("api")
	}
	return newAPIClient(base)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// ------------------------------------------------------------------
// exec
// ------------------------------------------------------------------

func newExecCmd() *cobra.Command {
	var (
		agents []string
		shell  string
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "exec [command]",
		Short: "Run a command on one or more agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(agents) == 0 {
				return fmt.Errorf("at least one --agent is required")
			}
			c := clientFor(cmd)

			if len(agents) == 1 && !wait {
				var out fleet.CommandInvocation
				err := c.post("/api/commands", map[string]any{
					"agent_id": agents[0], "command": args[0], "shell": shell,
				}, &out)
				if err != nil {
					return err
				}
				printJSON(out)
				return nil
			}

			var exec fleet.GroupExecution
			err := c.post("/api/executions", map[string]any{
				"agent_ids": agents, "command": args[0], "shell": shell,
			}, &exec)
			if err != nil {
				return err
			}
			if !wait {
				printJSON(exec)
				return nil
			}
			final, err := waitExecution(c, exec.ID)
			if err != nil {
				return err
			}
			printJSON(final)
			if final.Status == fleet.ExecutionFailed {
				return fmt.Errorf("execution failed on all devices")
			}
			return nil
		},
	}
	addAPIFlag(cmd)
	cmd.Flags().StringSliceVar(&agents, "agent", nil, "target agent id (repeatable)")
	cmd.Flags().StringVar(&shell, "shell", "", "shell to run under")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the execution to finish")
	return cmd
}

func waitExecution(c *apiClient, id string) (*fleet.GroupExecution, error) {
	deadline := time.Now().Add(310 * time.Second)
	for time.Now().Before(deadline) {
		var exec fleet.GroupExecution
		if err := c.get("/api/executions/"+id, &exec); err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return &exec, nil
		}
		time.Sleep(time.Second)
	}
	return nil, fmt.Errorf("execution %s still running", id)
}

// ------------------------------------------------------------------
// batch
// ------------------------------------------------------------------

func newBatchCmd() *cobra.Command {
	var (
		agents        []string
		shell         string
		stopOnFailure bool
	)
	cmd := &cobra.Command{
		Use:   "batch [command]...",
		Short: "Run commands in sequence across agents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(agents) == 0 {
				return fmt.Errorf("at least one --agent is required")
			}
			var batch fleet.BatchExecution
			err := clientFor(cmd).post("/api/batches", map[string]any{
				"agent_ids":       agents,
				"commands":        args,
				"shell":           shell,
				"stop_on_failure": stopOnFailure,
			}, &batch)
			if err != nil {
				return err
			}
			printJSON(batch)
			return nil
		},
	}
	addAPIFlag(cmd)
	cmd.Flags().StringSliceVar(&agents, "agent", nil, "target agent id (repeatable)")
	cmd.Flags().StringVar(&shell, "shell", "", "shell to run under")
	cmd.Flags().BoolVar(&stopOnFailure, "stop-on-failure", false, "stop after a fully failed step")
	return cmd
}

// ------------------------------------------------------------------
// rollback
// ------------------------------------------------------------------

func newRollbackCmd() *cobra.Command {
	var (
		agentID    string
		snapshotID string
		batchID    string
	)
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back a snapshot or a whole batch on an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent is required")
			}
			if (snapshotID == "") == (batchID == "") {
				return fmt.Errorf("exactly one of --snapshot or --batch is required")
			}
			err := clientFor(cmd).post("/api/rollback", map[string]any{
				"agent_id": agentID, "snapshot_id": snapshotID, "batch_id": batchID,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Println("rollback requested")
			return nil
		},
	}
	addAPIFlag(cmd)
	cmd.Flags().StringVar(&agentID, "agent", "", "agent holding the snapshot")
	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot id to roll back")
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id to roll back, newest snapshot first")
	return cmd
}

// ------------------------------------------------------------------
// task
// ------------------------------------------------------------------

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks",
	}
	addAPIFlag(cmd)

	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tasks []fleet.ScheduledTask
			if err := clientFor(cmd).get("/api/tasks", &tasks); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tNEXT\tRUNS")
			for _, t := range tasks {
				next := "-"
				if t.NextExecution != nil {
					next = t.NextExecution.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", t.ID, t.Name, t.Type, t.Status, next, t.ExecutionCount)
			}
			return tw.Flush()
		},
	}

	var (
		name     string
		agents   []string
		command  string
		shell    string
		at       string
		every    string
		clock    string
		cronExpr string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a scheduled command task",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(fleet.CommandTaskPayload{Command: command, Shell: shell})
			if err != nil {
				return err
			}
			task := fleet.ScheduledTask{
				Name:      name,
				Type:      fleet.TaskCommand,
				Payload:   payload,
				DeviceIDs: agents,
			}
			switch {
			case cronExpr != "":
				task.Recurrence = fleet.Recurrence{Kind: "cron", CronExpr: cronExpr}
			case every != "":
				task.Recurrence = fleet.Recurrence{Kind: every, Time: clock}
			default:
				when, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: want RFC3339, got %q", at)
				}
				task.Recurrence = fleet.Recurrence{Kind: "once"}
				task.ScheduledTime = when.UTC()
			}

			var out fleet.ScheduledTask
			if err := clientFor(cmd).post("/api/tasks", task, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "task name")
	create.Flags().StringSliceVar(&agents, "agent", nil, "target agent id (repeatable)")
	create.Flags().StringVar(&command, "command", "", "command to run")
	create.Flags().StringVar(&shell, "shell", "", "shell to run under")
	create.Flags().StringVar(&at, "at", "", "one-shot fire time, RFC3339")
	create.Flags().StringVar(&every, "every", "", "recurrence kind: daily, weekly, monthly")
	create.Flags().StringVar(&clock, "time", "", "fire time of day, HH:MM UTC")
	create.Flags().StringVar(&cronExpr, "cron", "", "cron expression (overrides --every/--at)")

	cmd.AddCommand(list, create)
	actions := map[string]string{
		"pause":  "Pause a pending task",
		"resume": "Resume a paused task",
		"cancel": "Cancel a task",
		"run":    "Fire a task immediately",
	}
	for _, action := range []string{"pause", "resume", "cancel", "run"} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action + " [task-id]",
			Short: actions[action],
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return clientFor(cmd).post("/api/tasks/"+args[0]+"/"+action, nil, nil)
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete [task-id]",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).do(http.MethodDelete, "/api/tasks/"+args[0], nil, nil)
		},
	})
	return cmd
}

// ------------------------------------------------------------------
// nodes
// ------------------------------------------------------------------

func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []struct {
				fleet.Agent
				Live bool `json:"live"`
			}
			if err := clientFor(cmd).get("/api/agents", &agents); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tNAME\tOS\tIP\tSTATUS\tLAST SEEN")
			for _, a := range agents {
				status := string(a.Status)
				if a.Live {
					status = "online"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%s\t%s\n",
					a.ID, a.DeviceName, a.OS, a.Arch, a.IPAddress, status,
					a.LastSeen.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	addAPIFlag(cmd)
	return cmd
}
