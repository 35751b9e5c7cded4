package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/moosh3/mindloom/pkg/client"
	"github.com/moosh3/mindloom/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit and inspect runs",
	Long: `Run talks to a control plane over its HTTP API. The server address
comes from --server or MINDLOOM_SERVER, the bearer token from --token
or MINDLOOM_TOKEN.`,
}

var submitCmd = &cobra.Command{
	Use:   "submit RUNNABLE_ID",
	Short: "Submit a new run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kindFlag, _ := cmd.Flags().GetString("kind")
		kind, ok := types.ParseRunnableKind(kindFlag)
		if !ok {
			return fmt.Errorf("unknown runnable kind %q (want agent or team)", kindFlag)
		}

		var input map[string]any
		if raw, _ := cmd.Flags().GetString("input"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				return fmt.Errorf("--input must be a JSON object: %w", err)
			}
		}

		ctx, stop := signalContext()
		defer stop()

		cli := apiClient(cmd)
		run, err := cli.SubmitRun(ctx, kind, args[0], input)
		if err != nil {
			return err
		}

		if follow, _ := cmd.Flags().GetBool("follow"); follow {
			fmt.Fprintf(os.Stderr, "run %s %s\n", run.ID, run.Status)
			return streamRun(ctx, cli, run.ID)
		}
		return printJSON(run)
	},
}

var getCmd = &cobra.Command{
	Use:   "get RUN_ID",
	Short: "Fetch a run record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		run, err := apiClient(cmd).GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(run)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		filter := client.ListFilter{}
		filter.RunnableID, _ = cmd.Flags().GetString("runnable-id")
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			filter.Status = types.Status(s)
		}

		runs, err := apiClient(cmd).ListRuns(ctx, filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tRUNNABLE\tSTATUS\tSUBMITTED\tDURATION")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.RunnableKind, r.RunnableID, r.Status,
				r.SubmittedAt.Local().Format(time.RFC3339), runDuration(r))
		}
		return w.Flush()
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Cancel a pending or running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		run, err := apiClient(cmd).CancelRun(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("run %s %s\n", run.ID, run.Status)
		return nil
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream RUN_ID",
	Short: "Stream result chunks to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return streamRun(ctx, apiClient(cmd), args[0])
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs RUN_ID",
	Short: "Stream worker log lines to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		stream, err := apiClient(cmd).StreamLogs(ctx, args[0])
		if err != nil {
			return err
		}
		defer stream.Close()

		for line := range stream.C() {
			fmt.Println(string(line))
		}
		return stream.Err()
	},
}

func init() {
	runCmd.PersistentFlags().String("server", envOr("MINDLOOM_SERVER", "http://localhost:8080"), "Base URL of the control plane API")
	runCmd.PersistentFlags().String("token", os.Getenv("MINDLOOM_TOKEN"), "Bearer token for the API")

	submitCmd.Flags().String("kind", string(types.RunnableKindAgent), "Runnable kind (agent or team)")
	submitCmd.Flags().String("input", "", "Input variables as a JSON object")
	submitCmd.Flags().Bool("follow", false, "Stream result chunks after submitting")

	listCmd.Flags().String("runnable-id", "", "Only runs of this runnable")
	listCmd.Flags().String("status", "", "Only runs with this status")

	runCmd.AddCommand(submitCmd, getCmd, listCmd, cancelCmd, streamCmd, logsCmd)
}

func apiClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return client.New(server, token)
}

// streamRun prints chunk payloads as they arrive. String chunks are
// fragments of one logical output and print without separators; anything
// else prints as a JSON line.
func streamRun(ctx context.Context, cli *client.Client, id string) error {
	stream, err := cli.StreamResults(ctx, id)
	if err != nil {
		return err
	}
	defer stream.Close()

	printed := false
	for env := range stream.C() {
		if env.IsEnd() {
			if printed {
				fmt.Println()
			}
			if env.Error != "" {
				return fmt.Errorf("run failed: %s", env.Error)
			}
			return nil
		}
		var s string
		if json.Unmarshal(env.Payload, &s) == nil {
			fmt.Print(s)
		} else {
			fmt.Println(string(env.Payload))
		}
		printed = true
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream ended without a result")
}

func runDuration(r *types.Run) string {
	if r.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	return end.Sub(*r.StartedAt).Round(time.Second).String()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
