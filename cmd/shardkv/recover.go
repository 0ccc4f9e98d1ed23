package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/dreamware/shardkv/internal/engine"
)

func newRecoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Replay every shard WAL and print the recovery report",
		Long: `Opens the engine on --data-dir, which replays each shard's WAL and
rebuilds the redirect table, then prints the report as JSON and closes.
Torn tails are truncated as a side effect.`,
		Args: cobra.NoArgs,
	}
	opts := newEngineOpts(cmd)

	cmd.RunE = func(cmd *cobra.Command, _ []string) (err error) {
		cfg, err := opts.Config()
		if err != nil {
			return err
		}
		if cfg.DataDir == "" {
			return errors.New("recover requires --data-dir")
		}
		// The monitor must not move keys while we only inspect.
		cfg.MonitorIntervalMs = 0

		log := newLogger(cmd.ErrOrStderr(), cfg)
		e, err := engine.Open(cfg, engine.WithLogger(log))
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, e.Close()) }()

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(e.LastRecovery())
	}
	return cmd
}
