package wal

import (
	"os"
	"testing"
	"time"

	"github.com/carbon-oracle/sorbent/internal/api"
)

func makeSample(tick int) api.SensorSample {
	return api.SensorSample{
		BatchID:    "BATCH_001",
		Tick:       tick,
		Timestamp:  time.Now(),
		TempC:      790.5,
		PH:         8.31,
		CondMScm:   24.1,
		ColorIndex: 0.42,
	}
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := NewSampleWAL(dir)
	if err != nil {
		t.Fatalf("NewSampleWAL failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := w.Append(makeSample(i)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	samples, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(samples))
	}
	for i, s := range samples {
		if s.Tick != i {
			t.Errorf("Expected tick %d, got %d", i, s.Tick)
		}
		if s.TempC != 790.5 {
			t.Errorf("tick %d: expected temp 790.5, got %.1f", i, s.TempC)
		}
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()

	w, err := NewSampleWAL(dir)
	if err != nil {
		t.Fatalf("NewSampleWAL failed: %v", err)
	}
	if err := w.Append(makeSample(0)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A torn write leaves a partial line behind.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	f.WriteString("{\"batch_id\": \"BATCH_0")
	f.Close()

	samples, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(samples) != 1 {
		t.Errorf("Expected malformed line skipped, got %d samples", len(samples))
	}
}

func TestReplayMissingFile(t *testing.T) {
	samples, err := Replay("/nonexistent/samples.wal")
	if err != nil {
		t.Fatalf("Expected nil error for missing file, got %v", err)
	}
	if samples != nil {
		t.Errorf("Expected no samples, got %d", len(samples))
	}
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()

	w, err := NewSampleWAL(dir)
	if err != nil {
		t.Fatalf("NewSampleWAL failed: %v", err)
	}
	if err := w.Append(makeSample(0)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	next, oldPath, err := Rotate(dir, w)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	defer next.Close()

	if oldPath != next.Path() {
		// Different day boundary: old file must still replay.
		samples, err := Replay(oldPath)
		if err != nil || len(samples) != 1 {
			t.Errorf("Expected old journal to replay 1 sample, got %d (%v)", len(samples), err)
		}
	}

	// The rotated journal accepts new appends.
	if err := next.Append(makeSample(1)); err != nil {
		t.Errorf("Append to rotated journal failed: %v", err)
	}
}
