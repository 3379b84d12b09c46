package http

import (
	"bytes"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/url"

	// Register the formats Image decodes.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Response is the result of an executed request. The body is read lazily
// through the session's connection; once read it is kept in memory.
//
// A Response without a session wraps bytes supplied by the caller.
type Response struct {
	session   *Session
	validator *Validator
	charset   string
	sniff     htmlSniff

	stream *inputStream
	opened bool
	data   []byte
	text   *string
}

func newResponse(s *Session, resp *http.Response) *Response {
	r := &Response{
		session:   s,
		validator: ValidatorFromHeader(resp.Header),
		charset:   charsetFromContentType(resp.Header.Get("Content-Type")),
	}
	r.sniff = htmlSniffMode(resp.Header.Values("Content-Type"), s.CurrentURI().Path)
	return r
}

// NewResponseBytes returns a response holding data.
func NewResponseBytes(data []byte) *Response {
	return &Response{data: data}
}

// Session returns the session that produced the response, or nil.
func (r *Response) Session() *Session {
	return r.session
}

// StatusCode returns the HTTP status code. A response without a session
// reports 200.
func (r *Response) StatusCode() int {
	if r.session == nil {
		return http.StatusOK
	}
	return r.session.StatusCode()
}

// Message returns the status reason phrase.
func (r *Response) Message() string {
	if r.session == nil {
		return http.StatusText(http.StatusOK)
	}
	return r.session.StatusMessage()
}

// CheckResponseCode fails unless the status is 200..303 or 307.
func (r *Response) CheckResponseCode() error {
	if r.session == nil {
		return nil
	}
	return r.session.CheckResponseCode()
}

// RequestedURI returns the URI the operation started with.
func (r *Response) RequestedURI() *url.URL {
	if r.session == nil {
		return nil
	}
	return r.session.requestedURIs[0]
}

// RequestedURIs returns every URI requested by the operation, including
// followed redirects.
func (r *Response) RequestedURIs() []*url.URL {
	if r.session == nil {
		return nil
	}
	return r.session.RequestedURIs()
}

// RedirectedURI returns the pending redirect target, or nil.
func (r *Response) RedirectedURI() *url.URL {
	if r.session == nil {
		return nil
	}
	return r.session.redirectedURI
}

// SetRedirectedURI replaces the pending redirect target. Redirect handlers
// and relay resolvers use it to steer the next attempt.
func (r *Response) SetRedirectedURI(uri *url.URL) {
	if r.session != nil {
		r.session.redirectedURI = uri
	}
}

// Header returns the response headers.
func (r *Response) Header() http.Header {
	if r.session == nil {
		return http.Header{}
	}
	return r.session.Header()
}

// CookieValue returns the value of a cookie the response sets, or "".
func (r *Response) CookieValue(name string) string {
	if r.session == nil {
		return ""
	}
	return r.session.CookieValue(name)
}

// Length returns the body length, or -1 when unknown or compressed.
func (r *Response) Length() int64 {
	if r.session == nil {
		if r.data != nil {
			return int64(len(r.data))
		}
		return -1
	}
	return r.session.Length()
}

// Validator returns the ETag and Last-Modified pair of the response, or nil.
func (r *Response) Validator() *Validator {
	return r.validator
}

// Charset returns the charset the body is decoded with. Without a declared
// charset HTML bodies are scanned for a meta declaration, which requires
// reading the body.
func (r *Response) Charset() (string, error) {
	if r.sniff != sniffNone {
		if _, err := r.Bytes(); err != nil {
			return "", err
		}
	}
	if r.charset == "" {
		return defaultCharset, nil
	}
	return r.charset, nil
}

// SetCharset overrides the charset used by Text.
func (r *Response) SetCharset(charset string) {
	r.charset = charset
	r.sniff = sniffNone
	r.text = nil
}

// Open returns the body as a stream. Closing it disconnects the session.
func (r *Response) Open() (io.ReadCloser, error) {
	if r.session != nil && !r.opened && r.data == nil {
		r.opened = true
		rc, err := r.session.client.open(r)
		if err != nil {
			r.session.Disconnect()
			return nil, err
		}
		r.stream = rc.(*inputStream)
		return rc, nil
	}
	if r.data != nil {
		return io.NopCloser(bytes.NewReader(r.data)), nil
	}
	return nil, NewError(ErrorEmptyResponse, nil)
}

// Bytes reads the whole body.
func (r *Response) Bytes() ([]byte, error) {
	if r.data == nil {
		rc, err := r.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, r.fail(err)
		}
		r.data = data
	}
	if r.sniff != sniffNone {
		if charset := sniffCharset(r.data, r.sniff); charset != "" && r.charset == "" {
			r.charset = charset
		}
		r.sniff = sniffNone
	}
	return r.data, nil
}

// Text reads the body and decodes it with the response charset.
func (r *Response) Text() (string, error) {
	if r.text != nil {
		return *r.text, nil
	}
	data, err := r.Bytes()
	if err != nil {
		return "", err
	}
	text, err := decodeText(data, r.charset)
	if err != nil {
		return "", NewError(ErrorDownload, err)
	}
	r.text = &text
	return text, nil
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return NewError(ErrorInvalidResponse, err)
	}
	return nil
}

// Image decodes the body as a GIF, JPEG or PNG image.
func (r *Response) Image() (image.Image, string, error) {
	data, err := r.Bytes()
	if err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", NewError(ErrorInvalidResponse, err)
	}
	return img, format, nil
}

// ReadTo streams the body into w without keeping it in memory.
func (r *Response) ReadTo(w io.Writer) (int64, error) {
	rc, err := r.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := io.Copy(w, rc)
	if err != nil {
		return n, r.fail(err)
	}
	return n, nil
}

// Close releases the connection without reading the body.
func (r *Response) Close() error {
	if r.stream != nil {
		return r.stream.Close()
	}
	if r.session != nil {
		r.session.Disconnect()
	}
	return nil
}

func (r *Response) fail(err error) error {
	interrupted := false
	if r.session != nil {
		interrupted = r.session.holder.IsInterrupted()
		r.session.Disconnect()
	}
	return TransportError(err, interrupted)
}

// release is called by the body stream on close.
func (r *Response) release(in *inputStream) {
	if r.stream != in {
		return
	}
	r.stream = nil
	if r.session != nil {
		r.session.Disconnect()
	}
}

// detach forgets the body stream after the session disconnected.
func (r *Response) detach() {
	r.stream = nil
}
