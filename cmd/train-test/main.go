// Command train-test trains a detector and then evaluates it in one process.
package main

import (
	"context"
	"os"

	"github.com/nvr-ai/go-detlab/cli"
	"github.com/nvr-ai/go-detlab/config"
	"github.com/nvr-ai/go-detlab/inference"
	"github.com/nvr-ai/go-detlab/metrics"
	"github.com/nvr-ai/go-detlab/train"
	"github.com/spf13/cobra"
)

func main() {
	var flags cli.Flags
	cmd := &cobra.Command{
		Use:   "train-test",
		Short: "Train and test a detection network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cli.Start(context.Background(), flags, os.Stdout, func(c *config.Config) string { return c.Dataset.ImageSet })
			if err != nil {
				return err
			}
			defer s.Close()

			err = train.Run(s.Ctx, s.Config, train.RunOptions{
				Log:        s.Log,
				OutputPath: s.Run.OutputPath,
				Observer:   metrics.PrefetchObserver{},
				Profile:    flags.Profile,
			})
			if err != nil {
				return err
			}

			s.Log.Info("training finished, testing", "imageSet", s.Config.Dataset.TestImageSet)
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
