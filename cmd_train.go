package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

// RunTrainCommand finetunes the contrastive model on Korean caption
// data. Hyperparameters come from two YAML files; flags override the
// dataset paths and the pretrained vision model so runs can be launched
// against different data without editing configs.
func RunTrainCommand(args []string) error {
	fs := pflag.NewFlagSet("train", pflag.ContinueOnError)

	trainConfigPath := fs.String("train-config", "config_train.yaml", "training hyperparameter YAML")
	dataConfigPath := fs.String("data-config", "config_data.yaml", "dataset location YAML")

	trainCOCOImgDir := fs.String("train-coco-img-dir", "", "override: training image directory")
	trainCOCOAnnFile := fs.String("train-coco-annotation-file", "", "override: training annotation JSON")
	validCOCOImgDir := fs.String("valid-coco-img-dir", "", "override: validation image directory")
	validCOCOAnnFile := fs.String("valid-coco-annotation-file", "", "override: validation annotation JSON")
	vizwiz := fs.Bool("vizwiz", false, "override: also train on the VizWiz caption set")
	pvm := fs.String("pvm", "", "override: pretrained vision model preset")
	tokenizerFile := fs.String("tokenizer", "", "override: tokenizer file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadTrainConfig(*trainConfigPath)
	if err != nil {
		return err
	}
	dataCfg, err := LoadDataConfig(*dataConfigPath)
	if err != nil {
		return err
	}

	applyOverride(&dataCfg.TrainCOCOImgDir, *trainCOCOImgDir)
	applyOverride(&dataCfg.TrainCOCOAnnotationFile, *trainCOCOAnnFile)
	applyOverride(&dataCfg.ValidCOCOImgDir, *validCOCOImgDir)
	applyOverride(&dataCfg.ValidCOCOAnnotationFile, *validCOCOAnnFile)
	applyOverride(&dataCfg.TokenizerFile, *tokenizerFile)
	applyOverride(&cfg.Model.PVM, *pvm)
	if fs.Changed("vizwiz") {
		dataCfg.VizWiz = *vizwiz
	}

	SeedRNG(cfg.Seed)

	// Each run gets its own checkpoint and log directory.
	runID := uuid.New().String()[:8]
	runName := "run-" + runID
	checkpointDir := filepath.Join(cfg.SavedCheckpoints, runName)
	logDir := filepath.Join(cfg.Logs, runName)
	if err := os.MkdirAll(checkpointDir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	logger, err := NewLogger("train", logDir)
	if err != nil {
		return err
	}
	defer logger.Close()

	var metrics *MetricsWriter
	if cfg.Metrics {
		metrics, err = NewMetricsWriter(filepath.Join(logDir, "metrics.jsonl"))
		if err != nil {
			return err
		}
		defer metrics.Close()
	}

	logger.Infof("run %s", runName)
	logger.Infof("seed = %d", cfg.Seed)

	tok := NewTokenizer()
	if err := tok.Load(dataCfg.TokenizerFile); err != nil {
		return fmt.Errorf("loading tokenizer: %w", err)
	}
	logger.Infof("tokenizer vocabulary = %d", tok.VocabSize())

	trainSet, err := LoadCOCODataset(dataCfg.TrainCOCOAnnotationFile, dataCfg.TrainCOCOImgDir)
	if err != nil {
		return fmt.Errorf("loading training set: %w", err)
	}
	validSet, err := LoadCOCODataset(dataCfg.ValidCOCOAnnotationFile, dataCfg.ValidCOCOImgDir)
	if err != nil {
		return fmt.Errorf("loading validation set: %w", err)
	}
	if dataCfg.VizWiz {
		vwTrain, err := LoadVizWizDataset(dataCfg.TrainVizWizAnnotationFile, dataCfg.TrainVizWizImgDir)
		if err != nil {
			return fmt.Errorf("loading VizWiz training set: %w", err)
		}
		vwValid, err := LoadVizWizDataset(dataCfg.ValidVizWizAnnotationFile, dataCfg.ValidVizWizImgDir)
		if err != nil {
			return fmt.Errorf("loading VizWiz validation set: %w", err)
		}
		trainSet = trainSet.Concat(vwTrain)
		validSet = validSet.Concat(vwValid)
		logger.Infof("VizWiz captions folded into both splits")
	}
	logger.Infof("training examples = %d, validation examples = %d", trainSet.Len(), validSet.Len())

	model, err := NewCLIP(CLIPConfigFromModel(cfg.Model, tok.VocabSize()))
	if err != nil {
		return err
	}
	if dataCfg.PretrainedTextWeights != "" {
		if err := model.TextEncoder().LoadPretrained(dataCfg.PretrainedTextWeights); err != nil {
			return fmt.Errorf("loading pretrained text weights: %w", err)
		}
		logger.Infof("text tower warm-started from %s", dataCfg.PretrainedTextWeights)
	}
	logger.Infof("model: pvm=%s embed_dim=%d params=%d", cfg.Model.PVM, cfg.Model.EmbedDim, model.NumParams())

	imageSize := model.ImageConfig().ImageSize
	trainLoader := NewLoader(trainSet, tok, LoaderOptions{
		BatchSize: cfg.BatchSize,
		ImageSize: imageSize,
		SeqLen:    cfg.Model.Text.SeqLen,
		Workers:   cfg.Workers,
		Shuffle:   true,
		DropLast:  true,
		Seed:      cfg.Seed,
	})
	validLoader := NewLoader(validSet, tok, LoaderOptions{
		BatchSize: cfg.BatchSize,
		ImageSize: imageSize,
		SeqLen:    cfg.Model.Text.SeqLen,
		Workers:   cfg.Workers,
		Seed:      cfg.Seed,
	})

	accumSteps := cfg.GradientAccumulationSteps
	if accumSteps < 1 {
		accumSteps = 1
	}
	totalSteps := trainLoader.NumBatches() / accumSteps * cfg.NumTrainEpochs
	if totalSteps == 0 {
		return fmt.Errorf("train: dataset too small for batch size %d with %d accumulation steps",
			cfg.BatchSize, accumSteps)
	}

	trainer, err := NewTrainer(model, cfg, totalSteps, checkpointDir, dataCfg.Digest(), logger, metrics)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	step, loss, err := trainer.Train(ctx, trainLoader, validLoader)
	if err != nil {
		return err
	}
	logger.Infof("finished: global_step = %d, average loss = %.6f, elapsed = %s",
		step, loss, time.Since(start).Round(time.Second))
	return nil
}

func applyOverride(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
