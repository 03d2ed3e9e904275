package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/birdayz/flowcore/internal/archive"
	"github.com/birdayz/flowcore/kflow"
	"github.com/spf13/cobra"
)

func newSnapshotCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot DEVICE",
		Short: "Print the latest archived flow table snapshot of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if !cfg.Archive.Enabled() {
				return errors.New("snapshot needs --archive-endpoint")
			}

			a, err := archive.NewS3Archiver(cmd.Context(), archiveConfig(cfg.Archive))
			if err != nil {
				return err
			}
			snap, ok, err := a.Latest(cmd.Context(), kflow.DeviceID(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no snapshot of %s", args[0])
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func printSnapshot(w io.Writer, snap archive.Snapshot) {
	fmt.Fprintf(w, "%s at %s, %d entries\n", snap.DeviceID, snap.TakenAt.Format("2006-01-02T15:04:05Z07:00"), len(snap.Entries))
	for _, e := range snap.Entries {
		fmt.Fprintf(w, "  %-14s packets=%d bytes=%d %s\n", e.State, e.Packets, e.Bytes, e.Rule)
	}
}
