package main

// Run configuration, split across two YAML files:
// config_train.yaml holds optimization and model hyperparameters,
// config_data.yaml holds dataset locations. The train CLI merges both
// and lets a handful of flags override data paths and the PVM choice.

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OptimizerConfig selects and parameterizes the optimizer.
type OptimizerConfig struct {
	Name        string  `yaml:"name"` // "adamw" or "sgd"
	LR          float64 `yaml:"lr"`
	Eps         float64 `yaml:"eps"`
	WeightDecay float64 `yaml:"weight_decay"`
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
}

// SchedulerConfig selects and parameterizes the learning rate schedule.
type SchedulerConfig struct {
	Name        string  `yaml:"name"`         // "cosine" or "cosine-restarts"
	WarmupRatio float64 `yaml:"warmup_ratio"` // fraction of total steps spent warming up
	MinLR       float64 `yaml:"min_lr"`
	Cycles      float64 `yaml:"cycles"` // restarts, for cosine-restarts
}

// TextModelConfig sizes the text tower.
type TextModelConfig struct {
	SeqLen    int `yaml:"seq_len"`
	EmbedDim  int `yaml:"embed_dim"`
	NumHeads  int `yaml:"num_heads"`
	NumLayers int `yaml:"num_layers"`
	FFHidden  int `yaml:"ff_hidden"`
}

// ModelConfig sizes the full model.
type ModelConfig struct {
	PVM      string          `yaml:"pvm"`
	EmbedDim int             `yaml:"embed_dim"` // shared embedding width
	Text     TextModelConfig `yaml:"text"`
}

// TrainConfig is the training half of the configuration.
type TrainConfig struct {
	BatchSize                 int     `yaml:"batch_size"`
	NumTrainEpochs            int     `yaml:"num_train_epochs"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	LoggingSteps              int     `yaml:"logging_steps"`
	SaveSteps                 int     `yaml:"save_steps"`
	Seed                      int64   `yaml:"seed"`
	GradClipNorm              float64 `yaml:"grad_clip_norm"`
	Workers                   int     `yaml:"workers"`

	SavedCheckpoints string `yaml:"saved_checkpoints"`
	Logs             string `yaml:"logs"`
	Metrics          bool   `yaml:"metrics"` // append per-step JSONL history

	Optimizer OptimizerConfig `yaml:"optimizer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Model     ModelConfig     `yaml:"model"`
}

// DataConfig is the dataset half of the configuration.
type DataConfig struct {
	TrainCOCOImgDir         string `yaml:"train_coco_img_dir"`
	TrainCOCOAnnotationFile string `yaml:"train_coco_annotation_file"`
	ValidCOCOImgDir         string `yaml:"valid_coco_img_dir"`
	ValidCOCOAnnotationFile string `yaml:"valid_coco_annotation_file"`

	// VizWiz enables folding the VizWiz caption set into training
	// as an additional concatenated dataset.
	VizWiz                    bool   `yaml:"vizwiz"`
	TrainVizWizImgDir         string `yaml:"train_vizwiz_img_dir"`
	TrainVizWizAnnotationFile string `yaml:"train_vizwiz_annotation_file"`
	ValidVizWizImgDir         string `yaml:"valid_vizwiz_img_dir"`
	ValidVizWizAnnotationFile string `yaml:"valid_vizwiz_annotation_file"`

	TokenizerFile string `yaml:"tokenizer_file"`

	// PretrainedTextWeights optionally warm-starts the text tower.
	PretrainedTextWeights string `yaml:"pretrained_text_weights"`
}

// Digest fingerprints the dataset configuration so a checkpoint can be
// traced back to the data that produced it.
func (c *DataConfig) Digest() string {
	raw, err := yaml.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("config: marshaling data config: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// DefaultTrainConfig returns sensible defaults for a CPU finetuning run.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		BatchSize:                 32,
		NumTrainEpochs:            5,
		GradientAccumulationSteps: 1,
		LoggingSteps:              50,
		SaveSteps:                 500,
		Seed:                      11,
		GradClipNorm:              1.0,
		Workers:                   4,
		SavedCheckpoints:          "checkpoints",
		Logs:                      "logs",
		Metrics:                   true,
		Optimizer: OptimizerConfig{
			Name:        "adamw",
			LR:          5e-5,
			Eps:         1e-8,
			WeightDecay: 0.2,
			Beta1:       0.9,
			Beta2:       0.999,
		},
		Scheduler: SchedulerConfig{
			Name:        "cosine",
			WarmupRatio: 0.20,
			MinLR:       0.0,
		},
		Model: ModelConfig{
			PVM:      "vit-tiny",
			EmbedDim: 512,
			Text: TextModelConfig{
				SeqLen:    64,
				EmbedDim:  256,
				NumHeads:  4,
				NumLayers: 4,
				FFHidden:  1024,
			},
		},
	}
}

// LoadTrainConfig reads a training YAML over the defaults.
func LoadTrainConfig(path string) (*TrainConfig, error) {
	cfg := DefaultTrainConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDataConfig reads a dataset YAML.
func LoadDataConfig(path string) (*DataConfig, error) {
	var cfg DataConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// CLIPConfigFromModel translates the YAML model section into the model's
// own config type.
func CLIPConfigFromModel(m ModelConfig, vocabSize int) CLIPConfig {
	return CLIPConfig{
		PVM:      m.PVM,
		EmbedDim: m.EmbedDim,
		Text: EncoderConfig{
			SeqLen:    m.Text.SeqLen,
			EmbedDim:  m.Text.EmbedDim,
			NumHeads:  m.Text.NumHeads,
			NumLayers: m.Text.NumLayers,
			FFHidden:  m.Text.FFHidden,
		},
		VocabSize: vocabSize,
	}
}
