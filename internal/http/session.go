package http

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Holder is the caller side handle of HTTP operations for one site. A holder
// belongs to the goroutine that performs requests with it; only Interrupt and
// IsInterrupted may be called from other goroutines.
type Holder struct {
	client *Client
	site   string

	interrupted     atomic.Bool
	mayResolveRelay bool

	mu      sync.Mutex
	session *Session
	scopes  []*Session
}

// Holder returns h itself, so a holder can serve as a Preset.
func (h *Holder) Holder() *Holder {
	return h
}

// Site returns the site name the holder was created for.
func (h *Holder) Site() string {
	return h.site
}

// Client returns the client that created the holder.
func (h *Holder) Client() *Client {
	return h.client
}

// Interrupt cancels the current and every future operation of the holder.
// It may be called from any goroutine and cannot be undone.
func (h *Holder) Interrupt() {
	h.interrupted.Store(true)
	h.mu.Lock()
	s := h.session
	h.mu.Unlock()
	if s != nil {
		s.abort()
	}
}

// IsInterrupted reports whether Interrupt was called.
func (h *Holder) IsInterrupted() bool {
	return h.interrupted.Load()
}

func (h *Holder) checkInterrupted() error {
	if h.interrupted.Load() {
		return InterruptedError(nil)
	}
	return nil
}

// Use opens a scope for a group of operations. Sessions created inside a
// nested scope never run relay block checks. The returned function closes the
// scope, disconnects its session and restores the enclosing one.
func (h *Holder) Use() (release func()) {
	h.mu.Lock()
	previous := h.session
	h.scopes = append(h.scopes, previous)
	h.session = nil
	h.mu.Unlock()
	if previous != nil {
		previous.Disconnect()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			current := h.session
			n := len(h.scopes)
			h.session = h.scopes[n-1]
			h.scopes = h.scopes[:n-1]
			h.mu.Unlock()
			if current != nil {
				current.Disconnect()
			}
		})
	}
}

// NewSession starts a logical operation on uri with the given attempt
// budget. The previous session of the holder is disconnected.
func (h *Holder) NewSession(uri *url.URL, delay time.Duration, attempts int) *Session {
	h.mu.Lock()
	previous := h.session
	mayCheckRelay := len(h.scopes) <= 1
	h.mu.Unlock()
	if previous != nil {
		previous.Disconnect()
	}

	proxy, proxyURL := h.client.proxies.get(h.site)
	s := &Session{
		id:                uuid.NewString(),
		holder:            h,
		client:            h.client,
		proxy:             proxy,
		proxyURL:          proxyURL,
		verifyCertificate: h.client.opts.VerifyCertificate,
		mayCheckRelay:     mayCheckRelay,
		delay:             delay,
		requestedURIs:     []*url.URL{uri},
		attempts:          attempts,
	}
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
	return s
}

// Session returns the current session, or nil.
func (h *Holder) Session() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Disconnect releases the connection of the current session.
func (h *Holder) Disconnect() {
	if s := h.Session(); s != nil {
		s.Disconnect()
	}
}

// Session is the execution state of one logical operation: the initial
// request and all of its retries and redirects.
//
// A session moves from unbound to bound when a connection is attached and to
// disconnected when it is released. Its fields are owned by the goroutine
// that owns the holder; the connection handle is guarded so that Interrupt
// can tear it down from elsewhere.
type Session struct {
	id                string
	holder            *Holder
	client            *Client
	proxy             *Proxy
	proxyURL          *url.URL
	verifyCertificate bool
	mayCheckRelay     bool
	delay             time.Duration

	requestedURIs []*url.URL
	redirectedURI *url.URL
	attempts      int
	forceGet      bool
	executing     bool

	mu       sync.Mutex
	conn     *connection
	callback func()
	response *Response
	last     *http.Response
}

// connection is the live state bound to a session.
type connection struct {
	cancel context.CancelFunc
	resp   *http.Response

	// gateKey names the single connection slot held, if any.
	gateKey string
	closed  bool
}

func (c *connection) close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.resp != nil && c.resp.Body != nil {
		c.resp.Body.Close()
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Holder returns the owning holder.
func (s *Session) Holder() *Holder {
	return s.holder
}

// VerifyCertificate reports whether TLS certificates must be valid.
func (s *Session) VerifyCertificate() bool {
	return s.verifyCertificate
}

// Proxy returns the proxy selected for the session, or nil.
func (s *Session) Proxy() *Proxy {
	return s.proxy
}

// CurrentURI returns the URI the next attempt requests.
func (s *Session) CurrentURI() *url.URL {
	return s.requestedURIs[len(s.requestedURIs)-1]
}

// RequestedURIs returns every URI requested so far, oldest first.
func (s *Session) RequestedURIs() []*url.URL {
	return append([]*url.URL(nil), s.requestedURIs...)
}

// SetNextURI makes uri the target of the next attempt.
func (s *Session) SetNextURI(uri *url.URL) {
	s.requestedURIs = append(s.requestedURIs, uri)
}

// NextAttempt consumes one unit of the attempt budget and reports whether
// one was available.
func (s *Session) NextAttempt() bool {
	ok := s.attempts > 0
	s.attempts--
	return ok
}

// Attempts returns the remaining attempt budget.
func (s *Session) Attempts() int {
	return s.attempts
}

func (s *Session) checkExecuting() {
	if s.executing {
		panic("http: session used during an active execute")
	}
}

// bind attaches conn. An interrupt racing with bind wins: the connection is
// released and a cancellation error returned.
func (s *Session) bind(conn *connection, callback func()) error {
	s.mu.Lock()
	s.conn = conn
	s.callback = callback
	s.redirectedURI = nil
	s.mu.Unlock()
	if s.holder.IsInterrupted() {
		s.mu.Lock()
		s.conn = nil
		s.callback = nil
		s.mu.Unlock()
		if conn != nil {
			conn.close()
			s.client.releaseConnection(conn)
		}
		return InterruptedError(nil)
	}
	return nil
}

// SetCallback registers a function invoked once when the session is
// disconnected or interrupted.
func (s *Session) SetCallback(callback func()) error {
	return s.bind(nil, callback)
}

func (s *Session) attachResponse(resp *http.Response) {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.resp = resp
	}
	s.mu.Unlock()
}

func (s *Session) setResponse(response *Response) {
	s.mu.Lock()
	s.response = response
	s.mu.Unlock()
}

func (s *Session) liveResponse() *http.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.conn.closed {
		return s.conn.resp
	}
	return nil
}

// headResponse returns the response whose headers describe the session,
// which outlives the connection.
func (s *Session) headResponse() *http.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.resp != nil {
		return s.conn.resp
	}
	return s.last
}

// abort tears the connection down from any goroutine.
func (s *Session) abort() {
	s.mu.Lock()
	conn := s.conn
	callback := s.callback
	s.callback = nil
	if conn != nil {
		conn.close()
	}
	s.mu.Unlock()
	if callback != nil {
		callback()
	}
}

// Disconnect releases the connection, clears the cached response and runs
// the disconnect callback. It is idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	callback := s.callback
	s.callback = nil
	response := s.response
	s.response = nil
	if conn != nil {
		conn.close()
		if conn.resp != nil {
			s.last = conn.resp
		}
	}
	s.mu.Unlock()

	if response != nil {
		response.detach()
	}
	if conn != nil {
		s.client.releaseConnection(conn)
	}
	if callback != nil {
		callback()
	}
}

// Close is Disconnect.
func (s *Session) Close() error {
	s.Disconnect()
	return nil
}

// StatusCode returns the last response code, or -1.
func (s *Session) StatusCode() int {
	if resp := s.headResponse(); resp != nil {
		return resp.StatusCode
	}
	return -1
}

// StatusMessage returns the reason phrase of the last response.
func (s *Session) StatusMessage() string {
	resp := s.headResponse()
	if resp == nil {
		return ""
	}
	return statusMessage(resp)
}

var shortMessages = map[string]string{
	"Internal Server Error":           "Internal Error",
	"Service Temporarily Unavailable": "Service Unavailable",
}

func statusMessage(resp *http.Response) string {
	message := http.StatusText(resp.StatusCode)
	if _, reason, ok := strings.Cut(resp.Status, " "); ok {
		message = reason
	}
	if short, ok := shortMessages[message]; ok {
		return short
	}
	return message
}

// Header returns the headers of the last response.
func (s *Session) Header() http.Header {
	if resp := s.headResponse(); resp != nil {
		return resp.Header
	}
	return http.Header{}
}

// CookieValue returns the value of the named cookie set by the last response.
func (s *Session) CookieValue(name string) string {
	prefix := name + "="
	for _, cookie := range s.Header().Values("Set-Cookie") {
		if value, ok := strings.CutPrefix(cookie, prefix); ok {
			if index := strings.IndexByte(value, ';'); index >= 0 {
				value = value[:index]
			}
			return value
		}
	}
	return ""
}

// Length returns the body length of the last response, or -1 when it is
// unknown or compressed.
func (s *Session) Length() int64 {
	resp := s.headResponse()
	if resp == nil || contentEncoding(resp.Header) != encodingIdentity {
		return -1
	}
	return resp.ContentLength
}

// CheckResponseCode fails with a status error unless the last response code
// is 200..303 or 307. The session is disconnected on failure.
func (s *Session) CheckResponseCode() error {
	code := s.StatusCode()
	if isSuccessCode(code) {
		return nil
	}
	message := s.StatusMessage()
	s.Disconnect()
	return StatusError(code, message)
}

func isSuccessCode(code int) bool {
	return code >= http.StatusOK && code <= http.StatusSeeOther || code == http.StatusTemporaryRedirect
}
