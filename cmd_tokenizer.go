package main

import (
	"fmt"

	"github.com/spf13/pflag"
)

// RunTokenizerCommand trains a BPE tokenizer from the captions in a
// COCO-style annotation file and saves it for later training runs.
func RunTokenizerCommand(args []string) error {
	fs := pflag.NewFlagSet("tokenizer", pflag.ContinueOnError)

	annotationFile := fs.String("annotations", "", "caption annotation JSON to train on")
	vizwiz := fs.Bool("vizwiz", false, "annotation file uses the VizWiz layout")
	vocabSize := fs.Int("vocab", 8000, "target vocabulary size")
	outPath := fs.String("out", "tokenizer_ko.txt", "output tokenizer file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *annotationFile == "" {
		return fmt.Errorf("tokenizer: --annotations is required")
	}

	// Image paths are never touched here, so the image directory can be
	// anything.
	var (
		ds  *Dataset
		err error
	)
	if *vizwiz {
		ds, err = LoadVizWizDataset(*annotationFile, ".")
	} else {
		ds, err = LoadCOCODataset(*annotationFile, ".")
	}
	if err != nil {
		return err
	}

	captions := ds.Captions()
	fmt.Printf("training on %d captions, target vocabulary %d\n", len(captions), *vocabSize)

	tok := NewTokenizer()
	if err := tok.Train(captions, *vocabSize); err != nil {
		return fmt.Errorf("training tokenizer: %w", err)
	}
	if err := tok.Save(*outPath); err != nil {
		return fmt.Errorf("saving tokenizer: %w", err)
	}
	fmt.Printf("saved %d-symbol vocabulary to %s\n", tok.VocabSize(), *outPath)
	return nil
}
