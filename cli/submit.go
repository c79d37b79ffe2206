package cli

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/svlpsu/crete-cluster/config"
	"github.com/svlpsu/crete-cluster/driver"
	"github.com/svlpsu/crete-cluster/master"
	"github.com/svlpsu/crete-cluster/trace"
)

func SubmitCommand() *cobra.Command {
	var (
		masterAddr string
		redisAddr  string
		traceKey   string
	)
	cmd := &cobra.Command{
		Use:   "submit FILE...",
		Short: "Queue trace files on the master or on the redis broker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			traces := make([]*trace.Trace, 0, len(args))
			for _, p := range args {
				tr, err := trace.Load(p)
				if err != nil {
					return errors.Wrapf(err, "loading %s", p)
				}
				traces = append(traces, tr)
			}
			ctx := context.Background()

			if redisAddr != "" {
				b := master.NewRedisBroker(config.RedisConfig{Addr: redisAddr, TraceKey: traceKey})
				defer b.Close()
				for _, tr := range traces {
					if err := b.PushTrace(ctx, tr); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s queued on %s\n", tr.ID, traceKey)
				}
				return nil
			}

			c := driver.NewClient(driver.ClientConfig{Master: masterAddr, RetryBudget: 1}, nil)
			for _, tr := range traces {
				id, err := c.Submit(ctx, tr)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s submitted\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&masterAddr, "master", "m", "localhost:7070", "Master address host:port")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Push to this redis instead of the master")
	cmd.Flags().StringVar(&traceKey, "trace-key", "crete:traces", "Redis list the master reads traces from")
	return cmd
}
