package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/svlpsu/crete-cluster/config"
	"github.com/svlpsu/crete-cluster/master"
	"github.com/svlpsu/crete-cluster/report"
)

func ReportCommand() *cobra.Command {
	var (
		data string
		out  string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Plot the pool growth recorded by a master",
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := report.Load(data)
			if err != nil {
				return err
			}
			if err := report.Plot(samples, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d samples plotted to %s\n", len(samples), out)
			return nil
		},
	}
	defaultData := filepath.Join(config.DefaultMasterConfig().Root, master.ReportDir, report.DataFile)
	cmd.Flags().StringVar(&data, "data", defaultData, "Samples written by the master")
	cmd.Flags().StringVarP(&out, "out", "o", report.PlotFile, "Output image")
	return cmd
}
