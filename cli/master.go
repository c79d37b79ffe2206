package cli

import (
	"context"
	"os"
	"time"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"github.com/svlpsu/crete-cluster/config"
	"github.com/svlpsu/crete-cluster/master"
	"github.com/svlpsu/crete-cluster/util"
)

func MasterCommand() *cobra.Command {
	var (
		listen    string
		root      string
		traceDir  string
		redisAddr string
	)
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Dispatch traces to nodes and collect their test cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadMaster(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Listen = listen
			}
			if flags.Changed("root") {
				cfg.Root = root
			}
			if flags.Changed("traces") {
				cfg.TraceDir = traceDir
			}
			if flags.Changed("redis") {
				cfg.Redis.Addr = redisAddr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			cfg.SetDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runMaster(cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address host:port")
	cmd.Flags().StringVar(&root, "root", "", "Directory of the global test pool")
	cmd.Flags().StringVar(&traceDir, "traces", "", "Directory of traces queued at startup")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address of the trace broker")
	return cmd
}

func runMaster(cfg *config.MasterConfig) error {
	logger := util.NewLogger(os.Stderr, cfg.LogLevel)

	var broker master.Broker
	if cfg.Redis.Addr != "" {
		rb := master.NewRedisBroker(cfg.Redis)
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rb.Ping(pctx); err != nil {
			level.Warn(logger).Log("msg", "redis broker not reachable yet", "addr", cfg.Redis.Addr, "err", err)
		}
		cancel()
		broker = rb
	}

	m, err := master.New(cfg, logger, broker)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	return m.Run(ctx)
}
