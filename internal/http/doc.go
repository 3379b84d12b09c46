// Package http provides the request engine used to talk to imageboards.
//
// This package handles:
//   - A shared attempt budget for redirects, connection resets and relay retries
//   - Redirect policies with https to http downgrade protection
//   - Relay block (anti-bot challenge) detection through a pluggable resolver
//   - Cancellation of in-flight requests from any goroutine
//   - Conditional requests with ETag/Last-Modified validators
//   - Transparent gzip and deflate decoding and charset detection
//   - Multipart and URL-encoded request bodies
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//	holder := client.NewHolder("example")
//
//	resp, err := http.NewRequest(uri, holder).
//	    Post(http.NewURLEncodedEntity("name", "value")).
//	    Perform(ctx)
//	if err != nil {
//	    return err
//	}
//	text, err := resp.Text()
//
// A holder belongs to the goroutine that performs requests with it. Other
// goroutines may only call Holder.Interrupt.
package http
