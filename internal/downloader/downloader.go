package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"

	chanhttp "github.com/Mishiranu/Dashchan-sub007/internal/http"
	"github.com/Mishiranu/Dashchan-sub007/internal/progress"
)

// Options configures the downloader.
type Options struct {
	// Workers is the number of parallel range requests.
	// Default: 4
	Workers int

	// ChunkSize is the size of each range request.
	// Default: 16MiB
	ChunkSize int64

	// Progress is an optional progress reporter.
	Progress *progress.Reporter

	// Force discards the stored validator and any parts of an earlier run.
	Force bool

	// Client executes the requests. When nil a client is built from
	// HTTPOptions.
	Client *chanhttp.Client

	// HTTPOptions configures the client built when Client is nil.
	HTTPOptions chanhttp.Options

	// Site selects the per-site proxy and connection limits.
	Site string

	// MaxConsecutiveFailures is the number of consecutive chunk failures
	// before the circuit breaker trips and stops the mirror.
	// Default: 10
	MaxConsecutiveFailures int

	// Logger receives chunk failures.
	// Default: the client logger
	Logger hclog.Logger
}

// FailedChunk records information about a chunk that failed to download.
type FailedChunk struct {
	Index int   // Chunk index
	Error error // The error that occurred
}

// CircuitBreakerError is returned when too many consecutive failures occur.
//
// Use errors.As to extract this error and inspect FailedChunks for details.
type CircuitBreakerError struct {
	ConsecutiveFailures int           // Number of consecutive failures
	FailedChunks        []FailedChunk // Details of failed chunks
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %d consecutive failures", e.ConsecutiveFailures)
}

// Result describes a finished mirror.
type Result struct {
	// UpToDate is set when the server confirmed the stored copy with a 304.
	UpToDate bool

	Size      int64
	Chunks    int
	Resumed   int
	Validator *chanhttp.Validator
}

// ValidatorKey returns the object holding the validator of dest.
func ValidatorKey(dest string) string {
	return dest + ".validator"
}

func partKey(dest string, index int) string {
	return fmt.Sprintf("%s.part/%06d", dest, index)
}

// Mirror copies uri into bucket under dest.
//
// The object is fetched in parallel range requests when the server accepts
// ranges and its size is known, and in one request otherwise. The response
// validator is stored next to the object; a later mirror sends it and a
// server answering 304 leaves the object untouched. Chunks are staged as
// part objects, so an interrupted mirror of an unchanged file resumes.
func Mirror(ctx context.Context, uri *url.URL, bucket *blob.Bucket, dest string, opts Options) (*Result, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 16 * 1024 * 1024
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 10
	}
	client := opts.Client
	if client == nil {
		client = chanhttp.NewClient(opts.HTTPOptions)
		defer client.CloseIdleConnections()
	}
	logger := opts.Logger
	if logger == nil {
		logger = client.Logger()
	}
	logger = logger.Named("mirror").With("dest", dest)

	var stored *chanhttp.Validator
	if !opts.Force {
		v, err := loadValidator(ctx, bucket, dest)
		if err != nil {
			return nil, err
		}
		stored = v
	}

	holder := client.NewHolder(opts.Site)
	info, err := client.Head(ctx, holder, uri, stored)
	if errors.Is(err, chanhttp.ErrNotModified) {
		logger.Debug("stored copy is current", "validator", stored)
		return &Result{UpToDate: true, Validator: stored}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}

	var result *Result
	if info.AcceptsRanges && info.Size > 0 {
		result, err = mirrorChunked(ctx, client, uri, bucket, dest, info, opts, logger)
	} else {
		result, err = mirrorSingle(ctx, client, holder, uri, bucket, dest, info, opts)
	}
	if err != nil {
		return nil, err
	}

	if info.Validator != nil {
		if err := storeValidator(ctx, bucket, dest, info.Validator); err != nil {
			return nil, err
		}
	} else if err := bucket.Delete(ctx, ValidatorKey(dest)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return nil, fmt.Errorf("delete stale validator: %w", err)
	}
	result.Validator = info.Validator
	return result, nil
}

func mirrorSingle(ctx context.Context, client *chanhttp.Client, holder *chanhttp.Holder, uri *url.URL,
	bucket *blob.Bucket, dest string, info *chanhttp.FileInfo, opts Options) (*Result, error) {
	body, err := client.Get(ctx, holder, uri)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer body.Close()

	n, err := writeObject(ctx, bucket, dest, body, info.ContentType, nil, opts.Progress)
	if err != nil {
		return nil, err
	}
	return &Result{Size: n, Chunks: 1}, nil
}

func mirrorChunked(ctx context.Context, client *chanhttp.Client, uri *url.URL, bucket *blob.Bucket,
	dest string, info *chanhttp.FileInfo, opts Options, logger hclog.Logger) (*Result, error) {
	chunks := int((info.Size + opts.ChunkSize - 1) / opts.ChunkSize)
	if opts.Progress != nil {
		opts.Progress.SetTotal(info.Size)
	}

	// Circuit breaker state
	var (
		cbMu                  sync.Mutex
		consecutiveFailures   int
		failedChunks          []FailedChunk
		circuitBreakerTripped bool
		resumed               int
	)

	g, gctx := errgroup.WithContext(ctx)
	cbCtx, cbCancel := context.WithCancel(gctx)
	defer cbCancel()

	jobs := make(chan int, opts.Workers)
	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < chunks; i++ {
			select {
			case jobs <- i:
			case <-cbCtx.Done():
				return nil
			}
		}
		return nil
	})

	for w := 0; w < opts.Workers; w++ {
		// Each worker owns a holder: a holder runs one operation at a time.
		holder := client.NewHolder(opts.Site)
		g.Go(func() error {
			for index := range jobs {
				start := int64(index) * opts.ChunkSize
				length := min(opts.ChunkSize, info.Size-start)

				skipped, err := resumeChunk(cbCtx, bucket, partKey(dest, index), length, info.ETag, opts.Force)
				if err == nil && skipped {
					if opts.Progress != nil {
						opts.Progress.ChunkSkipped(length)
					}
					cbMu.Lock()
					resumed++
					cbMu.Unlock()
					continue
				}
				if err == nil {
					err = downloadChunk(cbCtx, client, holder, uri, bucket, dest, index, start, length, info.ETag, opts.Progress)
				}

				cbMu.Lock()
				if err != nil {
					consecutiveFailures++
					failedChunks = append(failedChunks, FailedChunk{Index: index, Error: err})
					logger.Warn("chunk failed", "chunk", index, "error", err)
					if consecutiveFailures >= opts.MaxConsecutiveFailures {
						circuitBreakerTripped = true
						cbCancel() // Stop all workers
					}
				} else {
					consecutiveFailures = 0 // Reset on success
				}
				tripped := circuitBreakerTripped
				cbMu.Unlock()

				if tripped {
					return nil
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	cbMu.Lock()
	defer cbMu.Unlock()
	if circuitBreakerTripped {
		return nil, &CircuitBreakerError{
			ConsecutiveFailures: consecutiveFailures,
			FailedChunks:        failedChunks,
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(failedChunks) > 0 {
		first := failedChunks[0]
		return nil, fmt.Errorf("%d chunks failed, first chunk %d: %w", len(failedChunks), first.Index, first.Error)
	}

	if err := assemble(ctx, bucket, dest, chunks, info.ContentType); err != nil {
		return nil, err
	}
	return &Result{Size: info.Size, Chunks: chunks, Resumed: resumed}, nil
}

// resumeChunk reports whether the part object of an earlier run for the
// same entity tag can be kept.
func resumeChunk(ctx context.Context, bucket *blob.Bucket, key string, length int64, etag string, force bool) (bool, error) {
	if force || etag == "" {
		return false, nil
	}
	attrs, err := bucket.Attributes(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return attrs.Size == length && attrs.Metadata["etag"] == etag, nil
}

func downloadChunk(ctx context.Context, client *chanhttp.Client, holder *chanhttp.Holder, uri *url.URL,
	bucket *blob.Bucket, dest string, index int, start, length int64, etag string, reporter *progress.Reporter) (err error) {
	if reporter != nil {
		reporter.ChunkStarted()
		defer func() {
			if err != nil {
				reporter.ChunkFailed()
			} else {
				reporter.ChunkCompleted()
			}
		}()
	}

	resp, err := client.GetRange(ctx, holder, uri, start, start+length-1)
	if err != nil {
		return fmt.Errorf("download chunk %d: %w", index, err)
	}
	defer resp.Body.Close()

	if resp.ETag != "" && etag != "" && resp.ETag != etag {
		return fmt.Errorf("download chunk %d: source changed (etag %s, expected %s)", index, resp.ETag, etag)
	}

	metadata := map[string]string{
		"etag":  etag,
		"start": strconv.FormatInt(start, 10),
	}
	n, err := writeObject(ctx, bucket, partKey(dest, index), resp.Body, "", metadata, reporter)
	if err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	if n != length {
		bucket.Delete(ctx, partKey(dest, index))
		return fmt.Errorf("write chunk %d: got %d bytes, want %d", index, n, length)
	}
	return nil
}

// writeObject streams r into key. A failed copy aborts the write so no
// partial object is left behind.
func writeObject(ctx context.Context, bucket *blob.Bucket, key string, r io.Reader, contentType string,
	metadata map[string]string, reporter *progress.Reporter) (int64, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := bucket.NewWriter(wctx, key, &blob.WriterOptions{
		ContentType: contentType,
		Metadata:    metadata,
	})
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", key, err)
	}
	dst := io.Writer(w)
	if reporter != nil {
		dst = io.MultiWriter(w, reporter.Writer())
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		cancel()
		w.Close()
		return n, err
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", key, err)
	}
	return n, nil
}

// assemble concatenates the part objects into dest and removes them.
func assemble(ctx context.Context, bucket *blob.Bucket, dest string, chunks int, contentType string) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := bucket.NewWriter(wctx, dest, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("open %s: %w", dest, err)
	}
	for i := 0; i < chunks; i++ {
		if err := copyPart(ctx, bucket, partKey(dest, i), w); err != nil {
			cancel()
			w.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dest, err)
	}

	for i := 0; i < chunks; i++ {
		if err := bucket.Delete(ctx, partKey(dest, i)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("delete part %d: %w", i, err)
		}
	}
	return nil
}

func copyPart(ctx context.Context, bucket *blob.Bucket, key string, w io.Writer) error {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copy %s: %w", key, err)
	}
	return nil
}

func loadValidator(ctx context.Context, bucket *blob.Bucket, dest string) (*chanhttp.Validator, error) {
	exists, err := bucket.Exists(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dest, err)
	}
	if !exists {
		return nil, nil
	}
	data, err := bucket.ReadAll(ctx, ValidatorKey(dest))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read validator: %w", err)
	}
	var v chanhttp.Validator
	if err := v.UnmarshalBinary(data); err != nil {
		// Unreadable validators are ignored.
		return nil, nil
	}
	return &v, nil
}

func storeValidator(ctx context.Context, bucket *blob.Bucket, dest string, v *chanhttp.Validator) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode validator: %w", err)
	}
	if err := bucket.WriteAll(ctx, ValidatorKey(dest), data, &blob.WriterOptions{ContentType: "application/cbor"}); err != nil {
		return fmt.Errorf("write validator: %w", err)
	}
	return nil
}
