// Command iomanager-echo is a TCP echo server driven by an IOManager.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joeycumines/go-iomanager"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	threads    int
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "iomanager-echo",
		Short:         "TCP echo server on an epoll driven IOManager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().IntVar(&opts.threads, "threads", 0, "worker threads (overrides the config)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides the config)")

	cmd.AddCommand(newConfigCommand(opts))
	addPlatformCommands(cmd, opts)

	return cmd
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// load resolves the config file (if any) and applies flag overrides.
func (o *rootOptions) load(cmd *cobra.Command) (iomanager.Config, error) {
	cfg := iomanager.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = iomanager.LoadConfig(o.configPath); err != nil {
			return iomanager.Config{}, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("threads") {
		cfg.Threads = o.threads
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return iomanager.Config{}, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) (*logiface.Logger[logiface.Event], error) {
	lvl, err := iomanager.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(lvl),
	).Logger(), nil
}
