package config

import (
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Environment overrides. They take precedence over the experiment file so the
// same config can run on machines with different data layouts.
const (
	EnvOutputPath  = "DETLAB_OUTPUT_PATH"
	EnvRootPath    = "DETLAB_ROOT_PATH"
	EnvDatasetPath = "DETLAB_DATASET_PATH"
	EnvModelPath   = "DETLAB_MODEL_PATH"
	EnvWorkers     = "DETLAB_WORKERS"
)

// LoadEnv loads .env style files into the process environment. Missing files
// are skipped; with no paths it tries ".env" in the working directory.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return errors.Wrapf(err, "load env file %s", p)
		}
	}
	return nil
}

// ApplyEnv overrides configuration values from the environment and validates
// the result.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvOutputPath); v != "" {
		c.OutputPath = v
	}
	if v := os.Getenv(EnvRootPath); v != "" {
		c.Dataset.RootPath = v
	}
	if v := os.Getenv(EnvDatasetPath); v != "" {
		c.Dataset.DatasetPath = v
	}
	if v := os.Getenv(EnvModelPath); v != "" {
		c.Test.ModelPath = v
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errors.Errorf("%s=%q is not a positive integer", EnvWorkers, v)
		}
		c.Default.Workers = n
	}
	return c.Validate()
}
