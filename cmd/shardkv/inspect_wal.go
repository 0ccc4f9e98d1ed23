package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/shardkv/internal/wal"
)

func newInspectWALCommand() *cobra.Command {
	var showEntries bool
	cmd := &cobra.Command{
		Use:   "inspect-wal <file>",
		Short: "Print the batches stored in a shard WAL file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return inspectWAL(cmd, wal.NewSegmentReader(f), showEntries)
		},
	}
	cmd.Flags().BoolVar(&showEntries, "entries", false, "print every entry, not only batch headers")
	return cmd
}

func inspectWAL(cmd *cobra.Command, r *wal.SegmentReader, showEntries bool) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	var batches, entries int
	for r.Next() {
		b := r.Batch()
		batches++
		entries += len(b.Entries)
		fmt.Fprintf(tw, "batch\toffset=%d\ttime=%s\tentries=%d\tskipped=%d\n",
			b.Offset, b.Timestamp.UTC().Format(time.RFC3339Nano), b.Count, b.Skipped)
		if !showEntries {
			continue
		}
		for _, e := range b.Entries {
			fmt.Fprintf(tw, "  %d\t%s\t%q\tshard=%d\tweight=%g\tbytes=%d\n",
				e.Sequence, e.Op, e.Key, e.ShardID, e.Weight, len(e.Value))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d batches, %d entries, %d skipped frames, %d valid bytes\n",
		batches, entries, r.Skipped(), r.ValidOffset())
	if err := r.Err(); err != nil {
		if wal.IsCorruption(err) {
			fmt.Fprintf(cmd.OutOrStdout(), "torn tail: %v\n", err)
			return nil
		}
		return err
	}
	return nil
}
