// Package downloader mirrors remote files into cloud storage.
//
// Mirror fetches a URL with parallel range requests through the dashchan
// HTTP client and writes it to a gocloud.dev blob bucket, so the same code
// serves local directories (file://), memory buckets in tests (mem://) and
// object stores (s3://, gs://).
//
// # Usage
//
//	result, err := downloader.Mirror(ctx, uri, bucket, "media/1700000000.webm", downloader.Options{
//	    Workers:   4,
//	    ChunkSize: 16 * 1024 * 1024,
//	    Progress:  reporter,
//	})
//
// # Worker Pool
//
// Workers receive chunk indexes from a channel. Each worker owns its own
// holder and streams its range response into a part object; the parts are
// concatenated into the destination once every chunk is present. Too many
// consecutive failures trip a circuit breaker that stops the remaining
// workers and returns a CircuitBreakerError.
//
// # Revalidation
//
// The validator of the response (ETag and Last-Modified) is stored as CBOR
// next to the object. A later mirror sends it as a conditional request; a
// 304 answer reports the stored copy as up to date without downloading.
// Part objects are tagged with the entity tag, so a mirror interrupted
// midway resumes with the chunks it already has as long as the source is
// unchanged.
package downloader
