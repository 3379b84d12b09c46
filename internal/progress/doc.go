// Package progress renders transfer progress for the dashchan CLI.
//
// A Reporter tracks chunked mirrors (completed, in-progress and pending
// range requests) and also implements the request upload listener, so the
// same output serves downloads and multipart posts.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    TotalSize:   info.Size,
//	    TotalChunks: chunks,
//	    Label:       uri.String(),
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.ChunkStarted()
//	io.Copy(io.MultiWriter(w, reporter.Writer()), body)
//	reporter.ChunkCompleted()
//
// # Output Format
//
//	[dashchan] Downloading: https://example.com/src/1700000000.webm
//	[dashchan] Total size: 2.5 GiB | Chunks: 10 x 256 MiB | Workers: 4
//	[dashchan] Progress: 45.2% | 1.13 GiB / 2.5 GiB | Speed: 12 MiB/s | ETA: 1m 52s
//	[dashchan] Chunks: 4 completed | 4 in-progress | 2 pending
package progress
