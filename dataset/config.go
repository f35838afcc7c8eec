package dataset

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nvr-ai/go-detlab/config"
)

// LoadImageSet loads the records of imageSet for the dataset configured in
// cfg. Pascal VOC devkits are the default; the "directory" dataset reads
// unannotated frames from <dataset_path>/<image set>.
func LoadImageSet(cfg *config.Config, imageSet string) ([]Record, error) {
	ds := cfg.Dataset.Dataset
	if strings.EqualFold(ds, "directory") {
		return LoadDirectoryRecords(filepath.Join(cfg.Dataset.DatasetPath, imageSet))
	}
	if ds != "" && !strings.EqualFold(ds, "PascalVOC") {
		return nil, fmt.Errorf("unsupported dataset %q", ds)
	}
	devkit := cfg.Dataset.DatasetPath
	if devkit == "" {
		devkit = filepath.Join(cfg.Dataset.RootPath, "VOCdevkit")
	}
	return LoadVOCImageSet(devkit, imageSet, cfg.Classes())
}

// SourceConfigFor derives the image source settings shared by training and
// testing from cfg.
func SourceConfigFor(cfg *config.Config, batchSize int) SourceConfig {
	return SourceConfig{
		BatchSize:  batchSize,
		Width:      cfg.Network.InputWidth,
		Height:     cfg.Network.InputHeight,
		PixelMeans: [3]float32(cfg.Network.PixelMeans),
		MaxGTBoxes: cfg.Dataset.MaxGTBoxes,
		Workers:    cfg.Default.Workers,
	}
}
