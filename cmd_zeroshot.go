package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// RunZeroShotCommand evaluates a trained checkpoint by zero-shot image
// classification over a class-per-directory dataset.
func RunZeroShotCommand(args []string) error {
	fs := pflag.NewFlagSet("zeroshot", pflag.ContinueOnError)

	checkpointPath := fs.String("checkpoint", "", "model checkpoint to evaluate")
	tokenizerFile := fs.String("tokenizer", "tokenizer_ko.txt", "tokenizer file")
	dataDir := fs.String("data", "", "evaluation dataset root (one subdirectory per class)")
	template := fs.String("template", "v2", "prompt template version: "+strings.Join(PromptVersions(), ", "))
	workers := fs.Int("workers", 4, "concurrent image decodes")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *checkpointPath == "" || *dataDir == "" {
		return fmt.Errorf("zeroshot: --checkpoint and --data are required")
	}

	model, info, err := LoadCheckpoint(*checkpointPath)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	fmt.Printf("checkpoint %s (epoch %d, step %d)\n", *checkpointPath, info.Epoch, info.GlobalStep)
	if info.DataDigest != "" {
		fmt.Printf("trained on data config %s\n", info.DataDigest[:12])
	}

	tok := NewTokenizer()
	if err := tok.Load(*tokenizerFile); err != nil {
		return fmt.Errorf("loading tokenizer: %w", err)
	}
	if tok.VocabSize() != model.Config().VocabSize {
		return fmt.Errorf("zeroshot: tokenizer vocabulary %d does not match model vocabulary %d",
			tok.VocabSize(), model.Config().VocabSize)
	}

	ds, err := LoadClassificationDataset(*dataDir)
	if err != nil {
		return err
	}
	fmt.Printf("%d classes, %d images\n", len(ds.Classes), len(ds.Examples))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	report, err := EvaluateZeroShot(ctx, model, tok, ds, *template, *workers)
	if err != nil {
		return err
	}
	fmt.Print(report.String())
	fmt.Printf("elapsed: %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
