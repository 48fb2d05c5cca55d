package main

// Caption datasets. The training data is COCO-style: a directory of
// images plus one JSON annotation file pairing image IDs with Korean
// captions. An image with several captions yields several examples.
// VizWiz annotations skip the images table and name the file directly.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Example is one image-caption training pair.
type Example struct {
	ImagePath string
	Caption   string
}

// Dataset is an ordered collection of image-caption pairs.
type Dataset struct {
	examples []Example
}

// Len returns the number of examples.
func (d *Dataset) Len() int {
	return len(d.examples)
}

// At returns example i.
func (d *Dataset) At(i int) Example {
	return d.examples[i]
}

// Concat appends another dataset's examples, so the COCO and VizWiz
// caption sets can train as one.
func (d *Dataset) Concat(other *Dataset) *Dataset {
	merged := make([]Example, 0, len(d.examples)+len(other.examples))
	merged = append(merged, d.examples...)
	merged = append(merged, other.examples...)
	return &Dataset{examples: merged}
}

// Captions returns every caption string, for tokenizer training.
func (d *Dataset) Captions() []string {
	captions := make([]string, len(d.examples))
	for i, ex := range d.examples {
		captions[i] = ex.Caption
	}
	return captions
}

// cocoAnnotationFile matches the subset of the COCO captions schema the
// pipeline needs.
type cocoAnnotationFile struct {
	Images []struct {
		ID       int64  `json:"id"`
		FileName string `json:"file_name"`
	} `json:"images"`
	Annotations []struct {
		ImageID int64  `json:"image_id"`
		Image   string `json:"image"` // VizWiz: file name inline
		Caption string `json:"caption"`
	} `json:"annotations"`
}

// LoadCOCODataset reads a COCO caption annotation file and pairs each
// annotation with its image's path under imgDir.
func LoadCOCODataset(annotationFile, imgDir string) (*Dataset, error) {
	doc, err := readAnnotations(annotationFile)
	if err != nil {
		return nil, err
	}

	fileByID := make(map[int64]string, len(doc.Images))
	for _, img := range doc.Images {
		fileByID[img.ID] = img.FileName
	}

	var examples []Example
	for _, ann := range doc.Annotations {
		fileName, ok := fileByID[ann.ImageID]
		if !ok {
			return nil, fmt.Errorf("coco: annotation references unknown image id %d", ann.ImageID)
		}
		if ann.Caption == "" {
			continue
		}
		examples = append(examples, Example{
			ImagePath: filepath.Join(imgDir, fileName),
			Caption:   ann.Caption,
		})
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("coco: no usable annotations in %s", annotationFile)
	}

	return &Dataset{examples: examples}, nil
}

// LoadVizWizDataset reads a VizWiz-style annotation file where each
// annotation carries the image file name directly.
func LoadVizWizDataset(annotationFile, imgDir string) (*Dataset, error) {
	doc, err := readAnnotations(annotationFile)
	if err != nil {
		return nil, err
	}

	var examples []Example
	for _, ann := range doc.Annotations {
		if ann.Image == "" || ann.Caption == "" {
			continue
		}
		examples = append(examples, Example{
			ImagePath: filepath.Join(imgDir, ann.Image),
			Caption:   ann.Caption,
		})
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("vizwiz: no usable annotations in %s", annotationFile)
	}

	return &Dataset{examples: examples}, nil
}

func readAnnotations(path string) (*cocoAnnotationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading annotation file: %w", err)
	}

	var doc cocoAnnotationFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing annotation file %s: %w", path, err)
	}
	return &doc, nil
}
