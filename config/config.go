// Package config - Experiment configuration files.
//
// An experiment is described by a YAML file whose layout follows the research
// configs it replaces: top-level paths, a "default" block, "network",
// "dataset", "TRAIN" and "TEST" blocks. Unknown keys are ignored so existing
// experiment files load unchanged.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is a complete experiment configuration.
type Config struct {
	// OutputPath is the root under which logs, checkpoints and results go.
	OutputPath string `yaml:"output_path"`
	// Symbol names the network definition. It is logged when a run starts.
	Symbol string `yaml:"symbol"`

	Default DefaultConfig `yaml:"default"`
	Network NetworkConfig `yaml:"network"`
	Dataset DatasetConfig `yaml:"dataset"`
	Train   TrainConfig   `yaml:"TRAIN"`
	Test    TestConfig    `yaml:"TEST"`

	// path is the file the config was loaded from.
	path string
}

// DefaultConfig holds run-wide defaults.
type DefaultConfig struct {
	// Frequent is the logging frequency, in batches.
	Frequent int `yaml:"frequent"`
	// Workers bounds parallel image decoding.
	Workers int `yaml:"workers"`
}

// NetworkConfig describes the model input and initialization.
type NetworkConfig struct {
	Pretrained      string    `yaml:"pretrained"`
	PretrainedEpoch int       `yaml:"pretrained_epoch"`
	InputWidth      int       `yaml:"input_width"`
	InputHeight     int       `yaml:"input_height"`
	PixelMeans      []float32 `yaml:"PIXEL_MEANS"`
	// NumAnchors is the number of anchors the exported detector predicts
	// per image.
	NumAnchors int `yaml:"num_anchors"`
}

// DatasetConfig locates images and annotations.
type DatasetConfig struct {
	Dataset      string   `yaml:"dataset"`
	ImageSet     string   `yaml:"image_set"`
	TestImageSet string   `yaml:"test_image_set"`
	RootPath     string   `yaml:"root_path"`
	DatasetPath  string   `yaml:"dataset_path"`
	// Proposal is accepted for compatibility and not used.
	Proposal     string   `yaml:"proposal"`
	NumClasses   int      `yaml:"NUM_CLASSES"`
	Classes      []string `yaml:"classes"`
	// MaxGTBoxes is the padded number of ground truth boxes per image.
	MaxGTBoxes int `yaml:"max_gt_boxes"`
}

// TrainConfig holds training parameters.
type TrainConfig struct {
	LR          float64 `yaml:"lr"`
	LRStep      string  `yaml:"lr_step"`
	LRFactor    float64 `yaml:"lr_factor"`
	Warmup      bool    `yaml:"warmup"`
	WarmupLR    float64 `yaml:"warmup_lr"`
	WarmupStep  int     `yaml:"warmup_step"`
	BeginEpoch  int     `yaml:"begin_epoch"`
	EndEpoch    int     `yaml:"end_epoch"`
	ModelPrefix string  `yaml:"model_prefix"`
	Flip        bool    `yaml:"FLIP"`
	Shuffle     bool    `yaml:"SHUFFLE"`
	Resume      bool    `yaml:"RESUME"`
	End2End     bool    `yaml:"END2END"`
	BatchImages int     `yaml:"BATCH_IMAGES"`
	Seed        int64   `yaml:"seed"`
	// PrefetchSlots is the number of batches fetched ahead.
	PrefetchSlots int `yaml:"prefetch_slots"`
	// FetchRetries is how often a failing batch fetch is retried.
	FetchRetries uint64 `yaml:"fetch_retries"`
}

// TestConfig holds evaluation parameters.
type TestConfig struct {
	// TestEpoch is accepted for compatibility and not used.
	TestEpoch     int     `yaml:"test_epoch"`
	BatchImages   int     `yaml:"BATCH_IMAGES"`
	NMS           float32 `yaml:"NMS"`
	ScoreThresh   float32 `yaml:"score_thresh"`
	MaxPerImage   int     `yaml:"max_per_image"`
	ClassAgnostic bool    `yaml:"class_agnostic"`
	// ModelPath is the exported ONNX detector.
	ModelPath string `yaml:"model_path"`
	// Use07Metric selects the VOC2007 11-point AP.
	Use07Metric bool `yaml:"use_07_metric"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads, defaults and validates an experiment file.
//
// Arguments:
//   - path: The YAML experiment file.
//
// Returns:
//   - *Config: The validated configuration.
//   - error: If the file cannot be read, parsed or is invalid.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read experiment config")
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrapf(err, "parse experiment config %s", path)
	}
	c.path = path
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid experiment config %s", path)
	}
	return &c, nil
}

// Path is the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Name is the experiment name: the config file name without extension.
func (c *Config) Name() string {
	if c.path == "" {
		return "experiment"
	}
	base := filepath.Base(c.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (c *Config) applyDefaults() {
	if c.OutputPath == "" {
		c.OutputPath = "output"
	}
	if c.Default.Frequent == 0 {
		c.Default.Frequent = 20
	}
	if c.Default.Workers == 0 {
		c.Default.Workers = runtime.NumCPU()
	}
	if c.Network.InputWidth == 0 {
		c.Network.InputWidth = 600
	}
	if c.Network.InputHeight == 0 {
		c.Network.InputHeight = 600
	}
	if len(c.Network.PixelMeans) == 0 {
		c.Network.PixelMeans = []float32{103.06, 115.90, 123.15}
	}
	if c.Dataset.ImageSet == "" {
		c.Dataset.ImageSet = "trainval"
	}
	if c.Dataset.TestImageSet == "" {
		c.Dataset.TestImageSet = "test"
	}
	if c.Dataset.MaxGTBoxes == 0 {
		c.Dataset.MaxGTBoxes = 100
	}
	if c.Dataset.NumClasses == 0 && len(c.Dataset.Classes) > 0 {
		c.Dataset.NumClasses = len(c.Dataset.Classes)
	}
	if c.Train.LR == 0 {
		c.Train.LR = 0.0005
	}
	if c.Train.LRFactor == 0 {
		c.Train.LRFactor = 0.1
	}
	if c.Train.EndEpoch == 0 {
		c.Train.EndEpoch = 7
	}
	if c.Train.ModelPrefix == "" {
		c.Train.ModelPrefix = "rcnn"
	}
	if c.Train.BatchImages == 0 {
		c.Train.BatchImages = 1
	}
	if c.Train.PrefetchSlots == 0 {
		c.Train.PrefetchSlots = 4
	}
	if c.Test.TestEpoch == 0 {
		c.Test.TestEpoch = c.Train.EndEpoch
	}
	if c.Test.BatchImages == 0 {
		c.Test.BatchImages = 1
	}
	if c.Test.NMS == 0 {
		c.Test.NMS = 0.3
	}
	if c.Test.ScoreThresh == 0 {
		c.Test.ScoreThresh = 0.05
	}
	if c.Test.MaxPerImage == 0 {
		c.Test.MaxPerImage = 100
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Default.Frequent <= 0 {
		return errors.New("default.frequent must be > 0")
	}
	if c.Dataset.NumClasses < 0 {
		return errors.New("dataset.NUM_CLASSES must be >= 0")
	}
	if len(c.Dataset.Classes) > 0 && c.Dataset.NumClasses != len(c.Dataset.Classes) {
		return fmt.Errorf("dataset.NUM_CLASSES is %d but %d classes are listed", c.Dataset.NumClasses, len(c.Dataset.Classes))
	}
	if len(c.Network.PixelMeans) != 3 {
		return errors.New("network.PIXEL_MEANS must have 3 values")
	}
	if c.Train.BeginEpoch < 0 || c.Train.EndEpoch <= c.Train.BeginEpoch {
		return fmt.Errorf("TRAIN epochs [%d, %d) are empty", c.Train.BeginEpoch, c.Train.EndEpoch)
	}
	if c.Train.LR <= 0 {
		return errors.New("TRAIN.lr must be > 0")
	}
	if c.Train.BatchImages <= 0 || c.Test.BatchImages <= 0 {
		return errors.New("BATCH_IMAGES must be > 0")
	}
	if c.Train.PrefetchSlots <= 0 {
		return errors.New("TRAIN.prefetch_slots must be > 0")
	}
	if _, err := c.LRSteps(); err != nil {
		return err
	}
	if c.Test.NMS < 0 || c.Test.NMS > 1 {
		return errors.New("TEST.NMS must be in [0, 1]")
	}
	if c.Test.MaxPerImage <= 0 {
		return errors.New("TEST.max_per_image must be > 0")
	}
	return nil
}

// LRSteps parses TRAIN.lr_step, a comma separated list of epochs at which the
// learning rate decays.
func (c *Config) LRSteps() ([]float64, error) {
	var steps []float64
	for _, s := range strings.Split(c.Train.LRStep, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("TRAIN.lr_step %q: %w", c.Train.LRStep, err)
		}
		if len(steps) > 0 && v <= steps[len(steps)-1] {
			return nil, fmt.Errorf("TRAIN.lr_step %q must be increasing", c.Train.LRStep)
		}
		steps = append(steps, v)
	}
	return steps, nil
}

// Classes returns the class names, generating "class_<i>" names when the
// dataset only gives a count.
func (c *Config) Classes() []string {
	if len(c.Dataset.Classes) > 0 {
		return c.Dataset.Classes
	}
	out := make([]string, c.Dataset.NumClasses)
	for i := range out {
		out[i] = fmt.Sprintf("class_%d", i)
	}
	if len(out) > 0 {
		out[0] = "__background__"
	}
	return out
}

// ImageSets splits a "+" joined image set such as "2007_trainval+2012_trainval".
func ImageSets(set string) []string {
	var out []string
	for _, s := range strings.Split(set, "+") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
