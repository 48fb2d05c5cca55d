package main

// Metrics history. Each record is one JSON object per line so the file
// can be tailed during a run and loaded into analysis tools afterwards.

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// MetricsRecord is a single point in the training history.
type MetricsRecord struct {
	Epoch      int     `json:"epoch"`
	GlobalStep int     `json:"global_step"`
	LR         float64 `json:"lr,omitempty"`
	TrainLoss  float64 `json:"train_loss,omitempty"`
	ImageLoss  float64 `json:"image_loss,omitempty"`
	TextLoss   float64 `json:"text_loss,omitempty"`
	ImageAcc   float64 `json:"image_acc,omitempty"`
	LogitScale float64 `json:"logit_scale,omitempty"`
	ValidLoss  float64 `json:"valid_loss,omitempty"`
	ValidAcc   float64 `json:"valid_acc,omitempty"`
}

// MetricsWriter appends records to a JSONL file. A nil writer is valid
// and drops everything, which keeps call sites unconditional.
type MetricsWriter struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewMetricsWriter opens (or creates) the metrics file for appending.
func NewMetricsWriter(path string) (*MetricsWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening metrics file: %w", err)
	}
	return &MetricsWriter{file: f, enc: json.NewEncoder(f)}, nil
}

// Log appends one record.
func (w *MetricsWriter) Log(rec MetricsRecord) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc != nil {
		w.enc.Encode(rec)
	}
}

// Close closes the underlying file.
func (w *MetricsWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.enc = nil
	return err
}
