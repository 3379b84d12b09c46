package main

import (
	"errors"
	"fmt"
	"net/url"
	"path"

	"github.com/spf13/pflag"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/Mishiranu/Dashchan-sub007/internal/downloader"
	"github.com/Mishiranu/Dashchan-sub007/internal/progress"
)

func runMirror(args []string) int {
	fs := pflag.NewFlagSet("mirror", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addClientFlags(fs)

	bucketURL := fs.String("bucket", "", "Destination bucket URL (required)")
	object := fs.String("object", "", "Destination object path (default: last URL path segment)")
	workers := fs.Int("workers", 0, "Number of parallel range requests (default from config: 4)")
	chunkSize := fs.String("chunk-size", "", "Size of each range request (e.g., 16MiB, 100MB)")
	maxFailures := fs.Int("max-failures", 0, "Consecutive chunk failures before giving up (default from config: 10)")
	force := fs.Bool("force", false, "Ignore the stored validator and parts of earlier runs")
	showProg := fs.Bool("progress", false, "Show progress even when stderr is not a terminal")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: dashchan mirror [options] URL

Copy a URL into object storage. Servers that accept ranges are fetched in
parallel chunks staged as part objects, so an interrupted mirror resumes.
The response validator is stored next to the object and a later mirror of
an unchanged file is answered with 304 and skipped.

Bucket URLs: file:///path, mem://, s3://bucket?region=..., gs://bucket

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}
	if fs.NArg() != 1 || *bucketURL == "" {
		fmt.Fprintln(stderr, "Error: a URL and --bucket are required")
		fs.Usage()
		return ExitInvalidArgs
	}
	uri, err := url.Parse(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid URL: %v\n", err)
		return ExitInvalidArgs
	}
	dest := *object
	if dest == "" {
		dest = path.Base(uri.Path)
		if dest == "/" || dest == "." {
			fmt.Fprintln(stderr, "Error: --object is required when the URL has no file name")
			return ExitInvalidArgs
		}
	}

	cfg, err := cf.load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if *workers > 0 {
		cfg.Mirror.Workers = *workers
	}
	if *maxFailures > 0 {
		cfg.Mirror.MaxFailures = *maxFailures
	}
	if *chunkSize != "" {
		size, err := progress.ParseBytes(*chunkSize)
		if err != nil || size <= 0 {
			fmt.Fprintf(stderr, "Error: invalid chunk size: %s\n", *chunkSize)
			return ExitInvalidArgs
		}
		cfg.Mirror.ChunkSize = size
	}
	client, logger, err := cf.client(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	defer client.CloseIdleConnections()

	ctx, cancel := signalContext()
	defer cancel()

	bucket, err := blob.OpenBucket(ctx, *bucketURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open bucket: %v\n", err)
		return ExitStorageError
	}
	defer bucket.Close()

	var reporter *progress.Reporter
	if showProgress(*showProg) {
		reporter = progress.NewReporter(progress.Options{
			Output:    stderr,
			Workers:   cfg.Mirror.Workers,
			ChunkSize: cfg.Mirror.ChunkSize,
			Label:     uri.Redacted(),
			Action:    "Mirroring",
		})
		reporter.Start()
	}

	result, err := downloader.Mirror(ctx, uri, bucket, dest, downloader.Options{
		Workers:                cfg.Mirror.Workers,
		ChunkSize:              cfg.Mirror.ChunkSize,
		MaxConsecutiveFailures: cfg.Mirror.MaxFailures,
		Progress:               reporter,
		Force:                  *force,
		Client:                 client,
		Site:                   uri.Hostname(),
		Logger:                 logger.Named("mirror"),
	})
	if reporter != nil {
		reporter.Stop()
	}
	if err != nil {
		var cbErr *downloader.CircuitBreakerError
		if errors.As(err, &cbErr) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			for _, fc := range cbErr.FailedChunks {
				fmt.Fprintf(stderr, "  chunk %d: %v\n", fc.Index, fc.Error)
			}
			return exitCode(err)
		}
		code := fail(err)
		if code == ExitGeneralError && gcerrors.Code(err) != gcerrors.Unknown {
			return ExitStorageError
		}
		return code
	}

	if result.UpToDate {
		fmt.Fprintf(stderr, "[dashchan] Up to date: %s\n", dest)
		return ExitSuccess
	}
	fmt.Fprintf(stderr, "[dashchan] Mirrored %s to %s (%d chunks", progress.FormatBytes(result.Size), dest, result.Chunks)
	if result.Resumed > 0 {
		fmt.Fprintf(stderr, ", %d resumed", result.Resumed)
	}
	fmt.Fprintln(stderr, ")")
	return ExitSuccess
}
