package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMetricsWriterAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")

	w, err := NewMetricsWriter(path)
	if err != nil {
		t.Fatalf("NewMetricsWriter failed: %v", err)
	}
	w.Log(MetricsRecord{Epoch: 0, GlobalStep: 1, TrainLoss: 2.5, LR: 1e-4})
	w.Log(MetricsRecord{Epoch: 0, GlobalStep: 1, ValidLoss: 2.2, ValidAcc: 0.4})
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var records []MetricsRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec MetricsRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		records = append(records, rec)
	}

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].TrainLoss != 2.5 || records[1].ValidLoss != 2.2 {
		t.Errorf("record values lost: %+v", records)
	}
}

func TestMetricsWriterNilIsSafe(t *testing.T) {
	var w *MetricsWriter
	w.Log(MetricsRecord{GlobalStep: 1}) // must not panic
	if err := w.Close(); err != nil {
		t.Errorf("nil writer Close returned %v", err)
	}
}

func TestLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger("test", dir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Infof("step %d of %d", 3, 10)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "step 3 of 10") {
		t.Errorf("message missing from log file: %q", line)
	}
	if !strings.Contains(line, "test:") {
		t.Errorf("logger name missing from log line: %q", line)
	}
}

func TestLoggerAppendsAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		logger, err := NewLogger("test", dir)
		if err != nil {
			t.Fatal(err)
		}
		logger.Infof("run %d", i)
		logger.Close()
	}

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "run 0") || !strings.Contains(string(data), "run 1") {
		t.Errorf("log file did not accumulate both runs: %q", string(data))
	}
}
