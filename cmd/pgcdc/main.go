package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/snapflowio/pgcdc"
	"github.com/snapflowio/pgcdc/checkpoint"
	"github.com/snapflowio/pgcdc/config"
	"github.com/snapflowio/pgcdc/logger"
	"github.com/spf13/cobra"
)

var errNoCheckpoint = errors.New("no checkpoint stored")

func main() {
	logger.SetOutput(os.Stderr)
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "pgcdc",
		Short:        "Snapshot and stream Postgres tables as JSON lines",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to a YAML config file")

	root.AddCommand(newRunCommand(), newCheckpointCommand())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("read config flag: %w", err)
	}
	return config.Load(path)
}

func newRunCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "run",
		Short: "Run the connector, writing row, change and state records to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			once, _ := cmd.Flags().GetBool("once")
			if once {
				cfg.Replication.ExitWhenIdle = true
			}
			if snapshotOnly, _ := cmd.Flags().GetBool("snapshot-only"); snapshotOnly {
				cfg.Replication.Method = config.MethodSnapshotOnly
			}

			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	command.Flags().Bool("once", false, "exit once the source has been idle for replication.initial_wait_seconds")
	command.Flags().Bool("snapshot-only", false, "copy the selected tables and exit without streaming")
	return command
}

func run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	connector, err := pgcdc.NewConnector(ctx, *cfg, jsonLines(out))
	if err != nil {
		return err
	}
	defer connector.Close()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		select {
		case sig := <-signals:
			logger.Info("[pgcdc] signal received, stopping", "signal", sig)
			connector.Stop()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-signals:
			logger.Warn("[pgcdc] second signal received, aborting", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := connector.Run(ctx); err != nil {
		logger.Error("[pgcdc] run failed", "error", err)
		return err
	}
	return nil
}

// jsonLines writes each record as one JSON document per line.
func jsonLines(w io.Writer) pgcdc.Handler {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return func(_ context.Context, r *pgcdc.Record) error {
		return enc.Encode(r)
	}
}

func newCheckpointCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect the stored checkpoint",
	}
	command.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the checkpoint of the configured slot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return showCheckpoint(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	})
	return command
}

func showCheckpoint(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if err := cfg.Checkpoint.Validate(); err != nil {
		return err
	}

	store, err := checkpoint.Open(ctx, cfg.Checkpoint, cfg.Slot.Name)
	if err != nil {
		return err
	}
	defer store.Close()

	cp, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("%w for slot %q", errNoCheckpoint, cfg.Slot.Name)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(cp)
}
