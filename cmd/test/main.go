// Command test evaluates an exported detector on the test image set of an
// experiment.
package main

import (
	"context"
	"os"

	"github.com/nvr-ai/go-detlab/cli"
	"github.com/nvr-ai/go-detlab/config"
	"github.com/nvr-ai/go-detlab/inference"
	"github.com/nvr-ai/go-detlab/metrics"
	"github.com/spf13/cobra"
)

func main() {
	var flags cli.Flags
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test a detection network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cli.Start(context.Background(), flags, os.Stdout, func(c *config.Config) string { return c.Dataset.TestImageSet })
			if err != nil {
				return err
			}
			defer s.Close()

			_, err = inference.Test(s.Ctx, s.Config, inference.TestOptions{
				Log:        s.Log,
				OutputPath: s.Run.OutputPath,
				Observer:   metrics.PrefetchObserver{},
			})
			return err
		},
	}
	flags.Register(cmd)
	cli.Main(cmd)
}
