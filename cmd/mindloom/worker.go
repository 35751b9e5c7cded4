package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moosh3/mindloom/pkg/config"
	"github.com/moosh3/mindloom/pkg/log"
	"github.com/moosh3/mindloom/pkg/runnable"
	"github.com/moosh3/mindloom/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute a single run and exit",
	Long: `Worker executes exactly one run. The coordinator launches it with the
run contract in the environment (RUN_ID, RUNNABLE_ID, RUNNABLE_KIND,
INPUT_VARIABLES, channel names); it resolves the runnable, streams
result chunks and log lines over the bus and lands the terminal status
in the store.

Not intended to be invoked by hand.`,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		// Workers always log JSON so their stdout stays machine-readable
		// for the scheduler's log capture.
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: true})
		return runWorker(cfg)
	},
}

func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	contract, err := worker.ContractFromEnv()
	if err != nil {
		return fmt.Errorf("invalid worker contract: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer store.Close()

	b, err := openBus(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}
	defer b.Close()

	resolver := runnable.NewEngineResolver(cfg.Worker.Engine)
	return worker.New(contract, store, b, resolver).Run(ctx)
}
