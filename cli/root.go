// Package cli holds the cobra commands of the crete binary.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func GetRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           "crete",
		Short:         "Distributed concolic testing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCommand.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCommand.AddCommand(NodeCommand())
	rootCommand.AddCommand(MasterCommand())
	rootCommand.AddCommand(SubmitCommand())
	rootCommand.AddCommand(DumpCommand())
	rootCommand.AddCommand(ReportCommand())
	return rootCommand
}

// signalContext is cancelled on the first interrupt or terminate signal
func signalContext() (context.Context, context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
