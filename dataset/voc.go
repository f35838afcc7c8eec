// Package dataset - Annotated image records and the batch sources that feed
// them to training and evaluation.
package dataset

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nvr-ai/go-detlab/detection"
	"github.com/pkg/errors"
)

// Record is one image and its ground truth.
type Record struct {
	// ID is the image identifier within its image set.
	ID string
	// Image is the path of the encoded image.
	Image string
	// Height and Width are the original image size in pixels.
	Height, Width int
	// Boxes are 0-based pixel corner boxes.
	Boxes []detection.Box
	// Classes are class indexes parallel to Boxes.
	Classes []int
	// Difficult flags parallel to Boxes.
	Difficult []bool
	// Flipped marks a horizontally mirrored copy.
	Flipped bool
}

type vocAnnotation struct {
	Filename string `xml:"filename"`
	Size     struct {
		Width  int `xml:"width"`
		Height int `xml:"height"`
	} `xml:"size"`
	Objects []struct {
		Name      string `xml:"name"`
		Difficult int    `xml:"difficult"`
		Box       struct {
			XMin float32 `xml:"xmin"`
			YMin float32 `xml:"ymin"`
			XMax float32 `xml:"xmax"`
			YMax float32 `xml:"ymax"`
		} `xml:"bndbox"`
	} `xml:"object"`
}

// LoadVOCAnnotation parses one Pascal VOC annotation file. Objects of classes
// not present in classes are skipped. VOC boxes are 1-based and become 0-based.
//
// Arguments:
//   - path: The annotation XML file.
//   - classes: Class name to index.
//
// Returns:
//   - Record: The record; Image and ID are left for the caller.
//   - error: If the file cannot be read or parsed.
func LoadVOCAnnotation(path string, classes map[string]int) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, errors.Wrap(err, "open annotation")
	}
	defer f.Close()

	var a vocAnnotation
	if err := xml.NewDecoder(f).Decode(&a); err != nil {
		return Record{}, errors.Wrapf(err, "parse annotation %s", path)
	}

	r := Record{Height: a.Size.Height, Width: a.Size.Width}
	for _, o := range a.Objects {
		c, ok := classes[strings.ToLower(strings.TrimSpace(o.Name))]
		if !ok {
			continue
		}
		r.Boxes = append(r.Boxes, detection.Box{
			X1: o.Box.XMin - 1,
			Y1: o.Box.YMin - 1,
			X2: o.Box.XMax - 1,
			Y2: o.Box.YMax - 1,
		})
		r.Classes = append(r.Classes, c)
		r.Difficult = append(r.Difficult, o.Difficult != 0)
	}
	return r, nil
}

// LoadVOCImageSet loads every record of an image set from a VOC devkit.
//
// The image set is "<year>_<set>", for example "2007_trainval", and resolves to
// <devkit>/VOC<year>/ImageSets/Main/<set>.txt. Several sets may be joined
// with "+".
//
// Arguments:
//   - devkit: The VOCdevkit directory.
//   - imageSet: The image set name.
//   - classes: Class names by index, background first.
//
// Returns:
//   - []Record: Records in image set order.
//   - error: If any list, annotation or image size is invalid.
func LoadVOCImageSet(devkit, imageSet string, classes []string) ([]Record, error) {
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[strings.ToLower(c)] = i
	}

	var out []Record
	for _, set := range strings.Split(imageSet, "+") {
		year, name, ok := strings.Cut(strings.TrimSpace(set), "_")
		if !ok {
			return nil, fmt.Errorf("image set %q is not <year>_<set>", set)
		}
		root := filepath.Join(devkit, "VOC"+year)
		ids, err := readImageSetIDs(filepath.Join(root, "ImageSets", "Main", name+".txt"))
		if err != nil {
			return nil, err
		}

		for _, id := range ids {
			r, err := LoadVOCAnnotation(filepath.Join(root, "Annotations", id+".xml"), index)
			if err != nil {
				return nil, err
			}
			if r.Width <= 0 || r.Height <= 0 {
				return nil, fmt.Errorf("annotation %s has no image size", id)
			}
			r.ID = id
			r.Image = filepath.Join(root, "JPEGImages", id+".jpg")
			out = append(out, r)
		}
	}
	return out, nil
}

func readImageSetIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image set")
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// Lines may carry a trailing label column, as in per-class lists.
		if fields := strings.Fields(sc.Text()); len(fields) > 0 {
			ids = append(ids, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read image set %s", path)
	}
	return ids, nil
}

// AppendFlipped returns records followed by a horizontally mirrored copy of
// each one.
func AppendFlipped(records []Record) []Record {
	out := make([]Record, 0, 2*len(records))
	out = append(out, records...)
	for _, r := range records {
		f := r
		f.Flipped = !r.Flipped
		f.Boxes = make([]detection.Box, len(r.Boxes))
		w := float32(r.Width)
		for i, b := range r.Boxes {
			f.Boxes[i] = detection.Box{X1: w - b.X2 - 1, Y1: b.Y1, X2: w - b.X1 - 1, Y2: b.Y2}
		}
		out = append(out, f)
	}
	return out
}
