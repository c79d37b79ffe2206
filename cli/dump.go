package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/svlpsu/crete-cluster/testcase"
)

func DumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump FILE...",
		Short: "Print the elements of test case files, native or ktest",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, p := range args {
				tc, err := testcase.ReadAnyFile(p)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %s\n", p, tc)
			}
			return nil
		},
	}
}
