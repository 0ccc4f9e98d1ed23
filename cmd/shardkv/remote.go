package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dreamware/shardkv/internal/admin"
)

const defaultAddr = "127.0.0.1:7070"

func addAddrFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "addr", defaultAddr, "admin address of a running server")
}

func newStatsCommand() *cobra.Command {
	var (
		addr   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show shard load, entropy and WAL stats of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := admin.NewClient(addr).Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			}

			fmt.Fprintf(out, "entropy %.3f  monitor %s  redirects %d  correlations %d\n",
				m.Entropy, m.MonitorState, m.Redirects, m.CorrelationEdges)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SHARD\tSTATE\tKEYS\tBYTES\tSEQ\tWAL ENTRIES\tWAL SIZE\tDEGRADED")
			for _, s := range m.Shards {
				st := m.WAL[s.ID]
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%t\n",
					s.ID, s.State, s.KeyCount, s.ByteSize, s.Sequence, st.Entries, st.Size, s.Degraded)
			}
			return tw.Flush()
		},
	}
	addAddrFlag(cmd, &addr)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newFlushCommand() *cobra.Command {
	var (
		addr  string
		shard int
	)
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Force a WAL flush on a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var id *int
			if cmd.Flags().Changed("shard") {
				id = &shard
			}
			if err := admin.NewClient(addr).Flush(cmd.Context(), id); err != nil {
				return err
			}
			if id == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "flushed all shards")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "flushed shard %d\n", *id)
			}
			return nil
		},
	}
	addAddrFlag(cmd, &addr)
	cmd.Flags().IntVar(&shard, "shard", 0, "flush only this shard")
	return cmd
}

func newRebalanceCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Run one load check on a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := admin.NewClient(addr).Rebalance(cmd.Context())
			if err != nil {
				return err
			}
			if resp.Ran {
				fmt.Fprintf(cmd.OutOrStdout(), "rebalanced, entropy now %.3f\n", resp.Entropy)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "balanced, entropy %.3f\n", resp.Entropy)
			}
			return nil
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}
