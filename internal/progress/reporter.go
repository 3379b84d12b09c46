package progress

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// TotalSize is the number of bytes expected, or 0 when unknown.
	TotalSize int64

	// TotalChunks is the number of range requests of a mirror.
	TotalChunks int

	// Workers is the number of parallel workers.
	Workers int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// Label names the transfer in the header line, usually its URL.
	Label string

	// Action is the verb of the header line.
	// Default: "Downloading"
	Action string

	// ChunkSize is the size of each chunk (for display).
	ChunkSize int64
}

// Reporter outputs human-readable progress of a transfer. It tracks chunked
// downloads and doubles as an upload listener for request bodies.
type Reporter struct {
	opts Options

	mu              sync.Mutex
	completedBytes  atomic.Int64
	completedChunks atomic.Int32
	inProgress      atomic.Int32
	total           atomic.Int64
	startTime       time.Time
	lastUpdate      time.Time
	lastBytes       int64
	stopCh          chan struct{}
	doneCh          chan struct{}
	started         bool
	stopped         bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}
	if opts.Action == "" {
		opts.Action = "Downloading"
	}

	r := &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	r.total.Store(opts.TotalSize)
	return r
}

// Start prints the header and begins periodic updates.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[dashchan] %s: %s\n", r.opts.Action, r.opts.Label)
	if r.opts.TotalChunks > 0 {
		fmt.Fprintf(r.opts.Output, "[dashchan] Total size: %s | Chunks: %d x %s | Workers: %d\n",
			formatBytes(r.total.Load()),
			r.opts.TotalChunks,
			formatBytes(r.opts.ChunkSize),
			r.opts.Workers,
		)
	}

	go r.updateLoop()
}

// Stop prints the final status. It waits for the update loop to finish
// so no line is written after Stop returns.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
}

// SetTotal replaces the expected size once it becomes known.
func (r *Reporter) SetTotal(total int64) {
	r.total.Store(total)
}

// ChunkStarted marks a chunk as in progress.
func (r *Reporter) ChunkStarted() {
	r.inProgress.Add(1)
}

// BytesWritten records n transferred bytes.
func (r *Reporter) BytesWritten(n int64) {
	r.completedBytes.Add(n)
}

// ChunkCompleted marks a chunk as completed.
func (r *Reporter) ChunkCompleted() {
	r.completedChunks.Add(1)
	r.inProgress.Add(-1)
}

// ChunkSkipped counts a chunk completed by an earlier run.
func (r *Reporter) ChunkSkipped(size int64) {
	r.completedBytes.Add(size)
	r.completedChunks.Add(1)
}

// ChunkFailed marks a chunk as failed (removes from in-progress).
func (r *Reporter) ChunkFailed() {
	r.inProgress.Add(-1)
}

// OnOutputProgress tracks a request body upload.
func (r *Reporter) OnOutputProgress(progress, total int64) {
	r.completedBytes.Store(progress)
	if total > 0 {
		r.total.Store(total)
	}
}

// Writer returns a writer that counts bytes written through it.
func (r *Reporter) Writer() io.Writer {
	return countingWriter{r}
}

type countingWriter struct {
	r *Reporter
}

func (w countingWriter) Write(p []byte) (int, error) {
	w.r.BytesWritten(int64(len(p)))
	return len(p), nil
}

func (r *Reporter) updateLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) printProgress() {
	now := time.Now()
	completed := r.completedBytes.Load()
	total := r.total.Load()

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(completed-r.lastBytes) / elapsed
	r.lastUpdate = now
	r.lastBytes = completed

	var percent float64
	eta := "unknown"
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
		if speed > 0 {
			remaining := float64(total - completed)
			eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
		} else {
			eta = "calculating..."
		}
	}

	fmt.Fprintf(r.opts.Output, "\r[dashchan] Progress: %.1f%% | %s / %s | Speed: %s/s | ETA: %s    ",
		percent,
		formatBytes(completed),
		formatBytes(total),
		formatBytes(int64(speed)),
		eta,
	)
	if r.opts.TotalChunks > 0 {
		completedChunks := int(r.completedChunks.Load())
		inProgress := int(r.inProgress.Load())
		pending := max(r.opts.TotalChunks-completedChunks-inProgress, 0)
		fmt.Fprintf(r.opts.Output, "\n[dashchan] Chunks: %d completed | %d in-progress | %d pending    \033[A",
			completedChunks,
			inProgress,
			pending,
		)
	}
}

func (r *Reporter) printFinalStatus() {
	completed := r.completedBytes.Load()
	duration := time.Since(r.startTime)
	avgSpeed := float64(completed) / max(duration.Seconds(), 0.001)

	fmt.Fprintf(r.opts.Output, "\r[dashchan] Progress: %s | Speed: %s/s | Complete!    \n",
		formatBytes(completed),
		formatBytes(int64(avgSpeed)),
	)
	if r.opts.TotalChunks > 0 {
		fmt.Fprintf(r.opts.Output, "[dashchan] Chunks: %d completed | 0 in-progress | 0 pending    \n",
			r.completedChunks.Load(),
		)
	}
	fmt.Fprintf(r.opts.Output, "[dashchan] Total time: %s | Average speed: %s/s\n",
		formatDuration(duration),
		formatBytes(int64(avgSpeed)),
	)
}

var binaryUnits = []string{"KiB", "MiB", "GiB", "TiB"}

// formatBytes formats bytes with binary units. Values of 100 or more units
// are shown without decimals.
func formatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%d B", b)
	}
	value := float64(b)
	unit := ""
	for _, u := range binaryUnits {
		value /= 1024
		unit = u
		if value < 1024 {
			break
		}
	}
	if value >= 100 {
		return fmt.Sprintf("%.0f %s", value, unit)
	}
	return fmt.Sprintf("%.1f %s", value, unit)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

var byteUnits = []struct {
	suffix     string
	multiplier float64
}{
	// Longest suffixes first so "KiB" is not read as "B".
	{"KiB", 1 << 10},
	{"MiB", 1 << 20},
	{"GiB", 1 << 30},
	{"TiB", 1 << 40},
	{"KB", 1e3},
	{"MB", 1e6},
	{"GB", 1e9},
	{"TB", 1e12},
	{"B", 1},
}

// ParseBytes parses a byte count such as "256MiB", "1.5KiB" or "10MB".
// Binary suffixes are powers of 1024, SI suffixes powers of 1000.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	multiplier := 1.0
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.multiplier
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %q", s)
	}
	return int64(value * multiplier), nil
}
