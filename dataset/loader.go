package dataset

import (
	"bytes"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
)

// ImageFile is an image read from disk.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw encoded bytes.
	Data []byte
	// Frame is the trailing frame number of the file name, or -1.
	Frame int
}

// imageExts are the encodings the decoder understands.
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// LoadDirectoryImageFiles reads every image in a directory, ordered by frame
// number and then by name. Names such as "frame-12.jpg" or "000012.jpg" carry
// a frame number; other names sort after the numbered ones.
//
// Arguments:
//   - dir: Directory containing image files.
//
// Returns:
//   - []ImageFile: The images with their raw bytes.
//   - error: If the directory or a file cannot be read.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read image directory")
	}

	var images []ImageFile
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		p := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read image %s", p)
		}
		images = append(images, ImageFile{Path: p, Data: data, Frame: frameNumber(e.Name())})
	}

	sort.SliceStable(images, func(i, j int) bool {
		fi, fj := images[i].Frame, images[j].Frame
		if (fi < 0) != (fj < 0) {
			return fi >= 0
		}
		if fi != fj {
			return fi < fj
		}
		return images[i].Path < images[j].Path
	})
	return images, nil
}

// LoadDirectoryRecords turns every image of dir into a record without ground
// truth, in frame order. The record ID is the file name without extension.
func LoadDirectoryRecords(dir string) ([]Record, error) {
	files, err := LoadDirectoryImageFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no images in %s", dir)
	}

	records := make([]Record, len(files))
	for i, f := range files {
		var cfg image.Config
		if strings.EqualFold(filepath.Ext(f.Path), ".webp") {
			cfg, err = webp.DecodeConfig(bytes.NewReader(f.Data))
		} else {
			cfg, _, err = image.DecodeConfig(bytes.NewReader(f.Data))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "decode image header %s", f.Path)
		}
		base := filepath.Base(f.Path)
		records[i] = Record{
			ID:     strings.TrimSuffix(base, filepath.Ext(base)),
			Image:  f.Path,
			Width:  cfg.Width,
			Height: cfg.Height,
		}
	}
	return records, nil
}

// frameNumber extracts the trailing digits of a file name without extension.
func frameNumber(name string) int {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	i := len(stem)
	for i > 0 && stem[i-1] >= '0' && stem[i-1] <= '9' {
		i--
	}
	if i == len(stem) {
		return -1
	}
	n, err := strconv.Atoi(stem[i:])
	if err != nil {
		return -1
	}
	return n
}
