package main

// ===========================================================================
// CHECKPOINT FORMAT
// ===========================================================================
//
// A checkpoint is a JSON header followed by raw little-endian float64
// tensor dumps:
//
//	[4 bytes]  header length
//	[N bytes]  JSON header: format version, epoch, global step,
//	           model config, data config digest, optimizer hyperparameters
//	[...]      model parameters, in CLIP.Params() order
//	[...]      AdamW first moments, then second moments (if present)
//
// The tensor section carries no shape information - shapes are rebuilt
// from the config, so the header's model config is the source of truth
// and a mismatch fails loudly at read time via short reads.
//
// ===========================================================================

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

const checkpointFormatVersion = 1

// checkpointHeader is the JSON header of a checkpoint file.
type checkpointHeader struct {
	FormatVersion int        `json:"format_version"`
	Epoch         int        `json:"epoch"`
	GlobalStep    int        `json:"global_step"`
	Model         CLIPConfig `json:"model"`
	DataDigest    string     `json:"data_digest,omitempty"`

	HasOptimizer bool          `json:"has_optimizer"`
	Optimizer    optimizerMeta `json:"optimizer,omitempty"`
}

type optimizerMeta struct {
	Beta1       float64 `json:"beta1"`
	Beta2       float64 `json:"beta2"`
	Eps         float64 `json:"eps"`
	WeightDecay float64 `json:"weight_decay"`
	Step        int     `json:"step"`
}

// CheckpointInfo is what LoadCheckpoint recovered besides the model.
type CheckpointInfo struct {
	Epoch      int
	GlobalStep int

	// DataDigest identifies the dataset configuration the run trained
	// on, or "" for checkpoints written without one.
	DataDigest string

	// Optimizer is the restored AdamW state, or nil if the checkpoint
	// carried none.
	Optimizer *AdamWOptimizer
}

// SaveCheckpoint writes the model and, when non-nil, the AdamW optimizer
// state to path. dataDigest records the dataset configuration the run
// trained on; "" leaves it out of the header.
func SaveCheckpoint(path string, model *CLIP, opt *AdamWOptimizer, epoch, globalStep int, dataDigest string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: failed to create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("checkpoint: failed to close file: %w", cerr)
		}
	}()

	header := checkpointHeader{
		FormatVersion: checkpointFormatVersion,
		Epoch:         epoch,
		GlobalStep:    globalStep,
		Model:         model.Config(),
		DataDigest:    dataDigest,
	}
	if opt != nil {
		header.HasOptimizer = true
		header.Optimizer = optimizerMeta{
			Beta1:       opt.beta1,
			Beta2:       opt.beta2,
			Eps:         opt.epsilon,
			WeightDecay: opt.weightDecay,
			Step:        opt.t,
		}
	}

	if err := writeCheckpointHeader(f, header); err != nil {
		return err
	}

	for _, p := range model.Params() {
		if err := writeTensorData(f, p); err != nil {
			return fmt.Errorf("checkpoint: failed to write parameter: %w", err)
		}
	}

	if opt != nil {
		for _, m := range opt.m {
			if err := writeTensorData(f, m); err != nil {
				return fmt.Errorf("checkpoint: failed to write first moment: %w", err)
			}
		}
		for _, v := range opt.v {
			if err := writeTensorData(f, v); err != nil {
				return fmt.Errorf("checkpoint: failed to write second moment: %w", err)
			}
		}
	}

	return nil
}

// LoadCheckpoint rebuilds a model (and optimizer state, when present)
// from a checkpoint file.
func LoadCheckpoint(path string) (*CLIP, *CheckpointInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: failed to open file: %w", err)
	}
	defer f.Close()

	var header checkpointHeader
	if err := readCheckpointHeader(f, &header); err != nil {
		return nil, nil, err
	}
	if header.FormatVersion != checkpointFormatVersion {
		return nil, nil, fmt.Errorf("checkpoint: unsupported format version %d", header.FormatVersion)
	}

	model, err := NewCLIP(header.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: rebuilding model: %w", err)
	}

	params := model.Params()
	for _, p := range params {
		if err := readTensorData(f, p); err != nil {
			return nil, nil, fmt.Errorf("checkpoint: failed to read parameter: %w", err)
		}
	}

	info := &CheckpointInfo{
		Epoch:      header.Epoch,
		GlobalStep: header.GlobalStep,
		DataDigest: header.DataDigest,
	}

	if header.HasOptimizer {
		opt := NewAdamWOptimizer(params, header.Optimizer.Beta1, header.Optimizer.Beta2,
			header.Optimizer.Eps, header.Optimizer.WeightDecay)
		opt.t = header.Optimizer.Step
		for _, m := range opt.m {
			if err := readTensorData(f, m); err != nil {
				return nil, nil, fmt.Errorf("checkpoint: failed to read first moment: %w", err)
			}
		}
		for _, v := range opt.v {
			if err := readTensorData(f, v); err != nil {
				return nil, nil, fmt.Errorf("checkpoint: failed to read second moment: %w", err)
			}
		}
		info.Optimizer = opt
	}

	return model, info, nil
}

// writeCheckpointHeader writes a length-prefixed JSON header.
func writeCheckpointHeader(w io.Writer, v any) error {
	headerJSON, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("checkpoint: failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("checkpoint: failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("checkpoint: failed to write header: %w", err)
	}
	return nil
}

// readCheckpointHeader reads a length-prefixed JSON header.
func readCheckpointHeader(r io.Reader, v any) error {
	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return fmt.Errorf("checkpoint: failed to read header length: %w", err)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return fmt.Errorf("checkpoint: failed to read header: %w", err)
	}

	if err := json.Unmarshal(headerJSON, v); err != nil {
		return fmt.Errorf("checkpoint: failed to unmarshal header: %w", err)
	}
	return nil
}

// writeTensorData writes a tensor's values (not its gradient).
func writeTensorData(w io.Writer, t *Tensor) error {
	return binary.Write(w, binary.LittleEndian, t.data)
}

// readTensorData fills a tensor's values from the reader.
func readTensorData(r io.Reader, t *Tensor) error {
	return binary.Read(r, binary.LittleEndian, t.data)
}
