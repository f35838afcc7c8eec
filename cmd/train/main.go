// Command train trains a detector on the training image set of an experiment.
package main

import (
	"context"
	"os"

	"github.com/nvr-ai/go-detlab/cli"
	"github.com/nvr-ai/go-detlab/config"
	"github.com/nvr-ai/go-detlab/metrics"
	"github.com/nvr-ai/go-detlab/train"
	"github.com/spf13/cobra"
)

func main() {
	var flags cli.Flags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a detection network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cli.Start(context.Background(), flags, os.Stdout, func(c *config.Config) string { return c.Dataset.ImageSet })
			if err != nil {
				return err
			}
			defer s.Close()

			return train.Run(s.Ctx, s.Config, train.RunOptions{
				Log:        s.Log,
				OutputPath: s.Run.OutputPath,
				Observer:   metrics.PrefetchObserver{},
				Profile:    flags.Profile,
			})
		},
	}
	flags.Register(cmd)
	cli.Main(cmd)
}
