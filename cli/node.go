package cli

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"github.com/svlpsu/crete-cluster/config"
	"github.com/svlpsu/crete-cluster/driver"
	"github.com/svlpsu/crete-cluster/metrics"
	"github.com/svlpsu/crete-cluster/node"
	"github.com/svlpsu/crete-cluster/status"
	"github.com/svlpsu/crete-cluster/util"
)

func NodeCommand() *cobra.Command {
	var (
		id          string
		masterAddr  string
		root        string
		capacity    int
		metricsAddr string
		showStatus  bool
	)
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run an SVM node against a master",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadNode(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("id") {
				cfg.ID = id
			}
			if flags.Changed("master") {
				cfg.Master = masterAddr
			}
			if flags.Changed("root") {
				cfg.Root = root
			}
			if flags.Changed("capacity") {
				cfg.Capacity = capacity
			}
			if flags.Changed("metrics") {
				cfg.MetricsAddr = metricsAddr
			}
			if flags.Changed("status") {
				cfg.Status = showStatus
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			cfg.SetDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runNode(cfg)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Node id, hostname based when empty")
	cmd.Flags().StringVarP(&masterAddr, "master", "m", "", "Master address host:port")
	cmd.Flags().StringVar(&root, "root", "", "Working directory of the node")
	cmd.Flags().IntVarP(&capacity, "capacity", "n", 0, "Number of concurrent execution slots")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve /metrics and /status on this address")
	cmd.Flags().BoolVar(&showStatus, "status", false, "Print the live slot table")
	return cmd
}

func runNode(cfg *config.NodeConfig) error {
	logger := util.NewLogger(os.Stderr, cfg.LogLevel)
	level.Debug(logger).Log("msg", "configuration", "config", cfg.Printable())

	m := metrics.NewNode(nil)
	n, err := node.New(cfg, logger, m)
	if err != nil {
		return err
	}
	client := driver.NewClient(driver.ClientConfig{
		Master:        cfg.Master,
		NodeID:        cfg.ID,
		RetryBudget:   cfg.RetryBudget,
		RetryInterval: cfg.RetryInterval,
		LongPoll:      cfg.LongPoll,
	}, logger)
	d := driver.New(n, client, cfg.Capacity, cfg.PollInterval, logger)

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.MetricsAddr != "" {
		serveNode(ctx, cfg.MetricsAddr, n, m, logger)
	}
	if cfg.Status {
		go status.NewPrinter(n, os.Stdout, time.Second).Run(ctx)
	}

	err = d.Run(ctx)
	if err != nil {
		level.Error(logger).Log("msg", "node failed", "err", err)
	}
	return err
}

// serveNode exposes the node metrics and its slot table
func serveNode(ctx context.Context, addr string, n *node.Node, m *metrics.Node, logger log.Logger) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET("/status", func(c *gin.Context) {
		all, next := n.PoolSize()
		mach := n.Machine()
		c.JSON(http.StatusOK, gin.H{
			"phase":     mach.Phase.String(),
			"slots":     n.Status(),
			"queued":    len(mach.Queue),
			"pool_all":  all,
			"pool_next": next,
		})
	})
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Warn(logger).Log("msg", "metrics server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(sctx)
	}()
}
