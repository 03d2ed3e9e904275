// Command flowcored runs the flow core against simulated devices.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	flags      Config
	run        func(ctx context.Context, log *slog.Logger, cfg Config) error
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&rootOptions{flags: defaultConfig(), run: run})
}

func newRootCommandWith(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flowcored",
		Short:         "Flow-programming core of a network controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	opts.flags.bindFlags(cmd.PersistentFlags())

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) (Config, error) {
	return load(o.configPath, cmd.Flags(), o.flags)
}
