package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	Size          int64
	ETag          string
	AcceptsRanges bool
	ContentType   string
	LastModified  time.Time
	Validator     *Validator
}

// RangeResponse represents a response from a range request.
type RangeResponse struct {
	Body          io.ReadCloser
	ContentLength int64
	ETag          string
}

// Head fetches the metadata of uri. With a validator, an unchanged file
// fails with an error matching ErrNotModified.
func (c *Client) Head(ctx context.Context, holder *Holder, uri *url.URL, validator *Validator) (*FileInfo, error) {
	resp, err := NewRequest(uri, holder).Head().
		AddHeader("Accept-Encoding", encodingIdentity).
		Validator(validator).
		Perform(ctx)
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	h := resp.Header()
	info := &FileInfo{
		Size:          resp.Length(),
		ETag:          cleanETag(h.Get("ETag")),
		AcceptsRanges: h.Get("Accept-Ranges") == "bytes",
		ContentType:   h.Get("Content-Type"),
		Validator:     resp.Validator(),
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

// GetRange requests bytes startByte..endByte inclusive. A server answering
// without a range fails with ErrRangeNotSupported.
func (c *Client) GetRange(ctx context.Context, holder *Holder, uri *url.URL, startByte, endByte int64) (*RangeResponse, error) {
	resp, err := NewRequest(uri, holder).
		AddHeader("Accept-Encoding", encodingIdentity).
		Range(startByte, endByte).
		Perform(ctx)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode() {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Some servers answer 200 but still honor the range.
		if resp.Header().Get("Content-Range") == "" {
			resp.Close()
			return nil, ErrRangeNotSupported
		}
	default:
		code, message := resp.StatusCode(), resp.Message()
		resp.Close()
		return nil, StatusError(code, message)
	}

	body, err := resp.Open()
	if err != nil {
		return nil, err
	}
	return &RangeResponse{
		Body:          body,
		ContentLength: resp.Length(),
		ETag:          cleanETag(resp.Header().Get("ETag")),
	}, nil
}

// Get performs a simple GET request and returns the decoded body.
func (c *Client) Get(ctx context.Context, holder *Holder, uri *url.URL) (io.ReadCloser, error) {
	resp, err := NewRequest(uri, holder).Perform(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Open()
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	span, size, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	if size == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}
