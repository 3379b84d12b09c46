package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	chanhttp "github.com/Mishiranu/Dashchan-sub007/internal/http"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{256 * 1024 * 1024, "256 MiB"},
		{1024 * 1024 * 1024, "1.0 GiB"},
		{1024 * 1024 * 1024 * 1024, "1.0 TiB"},
		{2.5 * 1024 * 1024 * 1024 * 1024, "2.5 TiB"},
	}

	for _, tt := range tests {
		result := FormatBytes(tt.input)
		if result != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"100", 100},
		{"100B", 100},
		{"1KiB", 1024},
		{"1.5KiB", 1536},
		{"256MiB", 256 * 1024 * 1024},
		{"1GiB", 1024 * 1024 * 1024},
		{"1TiB", 1024 * 1024 * 1024 * 1024},
		// SI units
		{"1KB", 1000},
		{"1MB", 1000 * 1000},
		{"1GB", 1000 * 1000 * 1000},
		{" 2 MiB ", 2 * 1024 * 1024},
	}

	for _, tt := range tests {
		result, err := ParseBytes(tt.input)
		if err != nil {
			t.Errorf("ParseBytes(%q): %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytesInvalid(t *testing.T) {
	for _, input := range []string{"invalid", "", "MiB", "-1KB", "12XB"} {
		if _, err := ParseBytes(input); err == nil {
			t.Errorf("ParseBytes(%q): expected error", input)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Int64Range(0, 1<<50).Draw(t, "n")
		parsed, err := ParseBytes(strings.ReplaceAll(FormatBytes(n), " ", ""))
		if err != nil {
			t.Fatalf("ParseBytes(%q): %v", FormatBytes(n), err)
		}
		// One displayed decimal keeps the value within 5% of the original.
		if diff := parsed - n; diff > n/20+1 || -diff > n/20+1 {
			t.Fatalf("round trip of %d gave %d", n, parsed)
		}
	})
}


func TestReporterChunkTracking(t *testing.T) {
	reporter := NewReporter(Options{
		TotalSize:      1024,
		TotalChunks:    4,
		Workers:        2,
		UpdateInterval: 100 * time.Millisecond,
	})

	// Test chunk tracking without starting the reporter
	reporter.ChunkStarted()
	if reporter.inProgress.Load() != 1 {
		t.Errorf("expected 1 in-progress, got %d", reporter.inProgress.Load())
	}

	reporter.BytesWritten(256)
	reporter.ChunkCompleted()
	if reporter.inProgress.Load() != 0 {
		t.Errorf("expected 0 in-progress after complete, got %d", reporter.inProgress.Load())
	}
	if reporter.completedChunks.Load() != 1 {
		t.Errorf("expected 1 completed, got %d", reporter.completedChunks.Load())
	}
	if reporter.completedBytes.Load() != 256 {
		t.Errorf("expected 256 bytes, got %d", reporter.completedBytes.Load())
	}

	reporter.ChunkStarted()
	reporter.ChunkFailed()
	if reporter.inProgress.Load() != 0 {
		t.Errorf("expected 0 in-progress after fail, got %d", reporter.inProgress.Load())
	}

	reporter.ChunkSkipped(256)
	if reporter.completedChunks.Load() != 2 || reporter.completedBytes.Load() != 512 {
		t.Errorf("after skip: %d chunks, %d bytes", reporter.completedChunks.Load(), reporter.completedBytes.Load())
	}
}

func TestReporterStartStop(t *testing.T) {
	var out bytes.Buffer
	reporter := NewReporter(Options{
		TotalSize:      1024 * 1024,
		TotalChunks:    4,
		Workers:        2,
		Output:         &out,
		UpdateInterval: 10 * time.Millisecond,
		Label:          "https://example.com/file.bin",
		ChunkSize:      256 * 1024,
	})

	reporter.Start()

	for i := 0; i < 2; i++ {
		reporter.ChunkStarted()
		reporter.Writer().Write(make([]byte, 256*1024))
		reporter.ChunkCompleted()
	}

	time.Sleep(50 * time.Millisecond) // Let updates run

	reporter.Stop()
	reporter.Stop()

	if reporter.completedChunks.Load() != 2 {
		t.Errorf("expected 2 completed chunks, got %d", reporter.completedChunks.Load())
	}
	if reporter.completedBytes.Load() != 512*1024 {
		t.Errorf("expected 512KiB completed, got %d", reporter.completedBytes.Load())
	}

	output := out.String()
	for _, want := range []string{
		"[dashchan] Downloading: https://example.com/file.bin",
		"Chunks: 4 x 256 KiB | Workers: 2",
		"Complete!",
		"[dashchan] Chunks: 2 completed",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestReporterUploadListener(t *testing.T) {
	var listener chanhttp.OutputListener = NewReporter(Options{Output: &bytes.Buffer{}})
	listener.OnOutputProgress(10, 100)
	listener.OnOutputProgress(60, 100)

	reporter := listener.(*Reporter)
	if got := reporter.completedBytes.Load(); got != 60 {
		t.Errorf("completed = %d, want 60", got)
	}
	if got := reporter.total.Load(); got != 100 {
		t.Errorf("total = %d, want 100", got)
	}

	// Stop before Start must not block.
	reporter.Stop()
}
