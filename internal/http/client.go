package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Options configures the HTTP client.
type Options struct {
	// UserAgent is sent when a request does not set its own.
	UserAgent string

	// MaxAttempts is the attempt budget shared by redirects and retries of
	// one request.
	// Default: 10
	MaxAttempts int

	// WebSocketAttempts is the attempt budget of a WebSocket handshake.
	// Default: 5
	WebSocketAttempts int

	// ConnectTimeout and ReadTimeout are the request defaults.
	// Default: 15s
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// IdleConnTimeout closes pooled connections idle for longer.
	// Default: 90s
	IdleConnTimeout time.Duration

	// VerifyCertificate requires valid TLS certificates. Turning it off also
	// allows redirects from https to http.
	// Default: true
	VerifyCertificate bool

	// TLSProtocols is the enabled TLS version set. Empty uses
	// DefaultProtocols.
	TLSProtocols []uint16

	// Proxies maps site names to proxies. The "" entry applies to sites
	// without their own.
	Proxies map[string]Proxy

	// SingleConnectionSites allow one live connection at a time.
	SingleConnectionSites []string

	// Resolver handles relay blocks. It may be nil.
	Resolver RelayResolver

	// Logger receives retry and failure events.
	// Default: hclog.NewNullLogger()
	Logger hclog.Logger

	// Transport replaces the per-profile transports.
	Transport http.RoundTripper
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		UserAgent:           "Mozilla/5.0 (Linux; Android 10) Dashchan",
		MaxAttempts:         10,
		WebSocketAttempts:   5,
		ConnectTimeout:      15 * time.Second,
		ReadTimeout:         15 * time.Second,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		VerifyCertificate:   true,
	}
}

// Client executes requests. It is built once per process and shared by all
// holders; it owns the connection pools and the per-site gates.
type Client struct {
	opts    Options
	logger  hclog.Logger
	sockets *SocketFactory
	proxies *proxyCache
	single  map[string]bool

	connections keyedGate
	delays      keyedGate

	compat     atomic.Bool
	mu         sync.Mutex
	transports map[transportKey]*http.Transport
}

type transportKey struct {
	verify bool
	compat bool
}

// NewClient creates a client with the given options.
func NewClient(opts Options) *Client {
	defaults := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.WebSocketAttempts <= 0 {
		opts.WebSocketAttempts = defaults.WebSocketAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = defaults.MaxIdleConnsPerHost
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = defaults.IdleConnTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	single := make(map[string]bool, len(opts.SingleConnectionSites))
	for _, site := range opts.SingleConnectionSites {
		single[site] = true
	}
	return &Client{
		opts:       opts,
		logger:     logger.Named("http"),
		sockets:    &SocketFactory{KeepAlive: 30 * time.Second},
		proxies:    newProxyCache(opts.Proxies),
		single:     single,
		transports: make(map[transportKey]*http.Transport),
	}
}

// Options returns the effective options.
func (c *Client) Options() Options {
	return c.opts
}

// Logger returns the client logger.
func (c *Client) Logger() hclog.Logger {
	return c.logger
}

// Sockets returns the factory used for raw connections.
func (c *Client) Sockets() *SocketFactory {
	return c.sockets
}

// NewHolder returns a holder for requests on behalf of site.
func (c *Client) NewHolder(site string) *Holder {
	return &Holder{client: c, site: site, mayResolveRelay: true}
}

// SetProxy changes the proxy of site. A nil proxy removes it.
func (c *Client) SetProxy(site string, p *Proxy) {
	c.proxies.set(site, p)
}

// TLSOptions returns the TLS profile sockets are opened with.
func (c *Client) TLSOptions(verify bool) TLSOptions {
	o := TLSOptions{Verify: verify, Protocols: c.opts.TLSProtocols}
	if len(o.Protocols) == 0 {
		o.Protocols = DefaultProtocols()
	}
	if c.compat.Load() {
		o = o.Compat()
	}
	return o
}

// enableCompat switches every future connection to the compatibility TLS
// profile. It reports whether this call made the switch.
func (c *Client) enableCompat() bool {
	if c.compat.CompareAndSwap(false, true) {
		c.logger.Warn("switching to compatibility TLS profile")
		return true
	}
	return false
}

func (c *Client) transport(verify bool) http.RoundTripper {
	if c.opts.Transport != nil {
		return c.opts.Transport
	}
	key := transportKey{verify: verify, compat: c.compat.Load()}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[key]; ok {
		return t
	}
	tlsOptions := c.TLSOptions(verify)
	dial := func(ctx context.Context, network, addr string, secure bool) (net.Conn, error) {
		o, _ := dialOptionsFrom(ctx)
		o.Secure = secure
		o.TLS = tlsOptions
		o.Proxy = nil
		return c.sockets.Dial(ctx, network, addr, o)
	}
	t := &http.Transport{
		Proxy: proxyFromContext,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dial(ctx, network, addr, false)
		},
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dial(ctx, network, addr, true)
		},
		TLSClientConfig:     tlsOptions.Config(""),
		MaxIdleConns:        c.opts.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost: c.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     c.opts.IdleConnTimeout,
		DisableCompression:  true,
	}
	c.transports[key] = t
	return t
}

// CloseIdleConnections closes pooled connections of every transport.
func (c *Client) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.transports {
		t.CloseIdleConnections()
	}
}

func (c *Client) releaseConnection(conn *connection) {
	if conn.gateKey != "" {
		c.connections.release(conn.gateKey)
		conn.gateKey = ""
	}
}

type executeState int

const (
	stateSending executeState = iota
	stateRedirected
	stateRetrying
	stateDone
	stateFailed
)

func (s executeState) String() string {
	switch s {
	case stateSending:
		return "sending"
	case stateRedirected:
		return "redirected"
	case stateRetrying:
		return "retrying"
	case stateDone:
		return "done"
	default:
		return "failed"
	}
}

// Execute runs request r on session s until it succeeds, fails or the
// attempt budget is exhausted. Redirects, connection resets, the TLS
// profile switch and resolved relay blocks each consume one attempt.
//
// On success the session stays bound and the body is read through the
// returned Response. On failure the session is disconnected.
func (c *Client) Execute(ctx context.Context, s *Session, r *Request) (*Response, error) {
	s.checkExecuting()
	s.executing = true
	defer func() { s.executing = false }()

	for {
		state, resp, err := c.attempt(ctx, s, r)
		switch state {
		case stateDone:
			return resp, nil
		case stateFailed:
			s.Disconnect()
			if !IsInterrupted(err) {
				c.logger.Debug("request failed", "session", s.id, "uri", s.CurrentURI().Redacted(), "error", err)
			}
			return nil, err
		default:
			c.logger.Debug("request "+state.String(), "session", s.id,
				"uri", s.CurrentURI().Redacted(), "attempts", s.attempts)
		}
	}
}

func (c *Client) attempt(ctx context.Context, s *Session, r *Request) (executeState, *Response, error) {
	s.Disconnect()
	holder := s.holder
	if err := holder.checkInterrupted(); err != nil {
		return stateFailed, nil, err
	}
	requested := s.CurrentURI()
	if !isWebScheme(requested) {
		return stateFailed, nil, NewError(ErrorUnsupportedScheme, fmt.Errorf("scheme %q", requested.Scheme))
	}
	target, err := EncodeURI(requested)
	if err != nil {
		return stateFailed, nil, NewError(ErrorDownload, err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	conn := &connection{cancel: cancel}
	if err := s.bind(conn, nil); err != nil {
		return stateFailed, nil, err
	}
	if err := c.enterGates(reqCtx, s, conn, target); err != nil {
		return stateFailed, nil, c.contextError(ctx, s, err)
	}

	req, identity, err := c.newHTTPRequest(reqCtx, s, r, requested, target)
	if err != nil {
		return stateFailed, nil, err
	}
	resp, err := c.transport(s.verifyCertificate).RoundTrip(req)
	if err != nil {
		return c.transportFault(ctx, s, err)
	}
	s.attachResponse(resp)
	if err := holder.checkInterrupted(); err != nil {
		return stateFailed, nil, err
	}
	response := newResponse(s, resp)
	s.setResponse(response)

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		state, err := c.redirect(s, r, resp, response, requested)
		if state != stateDone {
			return state, nil, err
		}
	}

	if r.validator != nil && resp.StatusCode == http.StatusNotModified {
		return stateFailed, nil, StatusError(resp.StatusCode, statusMessage(resp))
	}

	if c.opts.Resolver != nil && s.mayCheckRelay && req.Method != http.MethodHead {
		state, err := c.checkRelay(ctx, s, requested, response, identity)
		if state != stateDone {
			return state, nil, err
		}
	}

	if r.successOnly && !isSuccessCode(resp.StatusCode) {
		return stateFailed, nil, StatusError(resp.StatusCode, statusMessage(resp))
	}
	if err := holder.checkInterrupted(); err != nil {
		return stateFailed, nil, err
	}
	return stateDone, response, nil
}

// enterGates waits for the single connection slot of the site and for the
// delay of the target authority.
func (c *Client) enterGates(ctx context.Context, s *Session, conn *connection, target *url.URL) error {
	site := s.holder.site
	if c.single[site] {
		if err := c.connections.acquire(ctx, site); err != nil {
			return err
		}
		s.mu.Lock()
		conn.gateKey = site
		s.mu.Unlock()
	}
	if s.delay > 0 {
		return c.delays.pass(ctx, target.Host, s.delay)
	}
	return nil
}

func (c *Client) newHTTPRequest(ctx context.Context, s *Session, r *Request, requested, target *url.URL) (*http.Request, RelayIdentity, error) {
	method, entity := r.method, r.entity
	if s.forceGet {
		entity = nil
		if method != http.MethodGet && method != http.MethodHead {
			method = http.MethodGet
		}
	}

	ctx = withDialOptions(ctx, DialOptions{
		ConnectTimeout: r.connectTimeout,
		ReadTimeout:    r.readTimeout,
	})
	if s.proxyURL != nil {
		ctx = context.WithValue(ctx, proxyURLKey{}, s.proxyURL)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, RelayIdentity{}, NewError(ErrorDownload, err)
	}

	if r.keepAlive {
		req.Header.Set("Connection", "keep-alive")
	} else {
		req.Header.Set("Connection", "close")
		req.Close = true
	}
	identity := RelayIdentity{}
	acceptEncodingSet := false
	for _, h := range r.headers {
		if strings.EqualFold(h.name, "Connection") {
			continue
		}
		req.Header.Set(h.name, h.value)
		switch {
		case strings.EqualFold(h.name, "User-Agent"):
			identity.UserAgent = h.value
		case strings.EqualFold(h.name, "Accept-Encoding"):
			acceptEncodingSet = true
		}
	}
	if identity.UserAgent == "" {
		identity = RelayIdentity{UserAgent: c.opts.UserAgent, DefaultUserAgent: true}
		req.Header.Set("User-Agent", identity.UserAgent)
	}
	if !acceptEncodingSet {
		req.Header.Set("Accept-Encoding", encodingGzip+", "+encodingDeflate)
	}

	cookies := r.cookies
	if s.mayCheckRelay && c.opts.Resolver != nil {
		if extra := c.opts.Resolver.CollectCookies(s.holder.site, requested, identity); !extra.IsEmpty() {
			cookies = cookies.Copy()
			if cookies == nil {
				cookies = NewCookieBuilder()
			}
			cookies.AppendBuilder(extra)
		}
	}
	if !cookies.IsEmpty() {
		req.Header.Set("Cookie", cookies.Build())
	}
	if r.validator != nil {
		r.validator.apply(req.Header)
	}
	if r.rangeStart >= 0 || r.rangeEnd >= 0 {
		var b strings.Builder
		b.WriteString("bytes=")
		if r.rangeStart >= 0 {
			b.WriteString(strconv.FormatInt(r.rangeStart, 10))
		}
		b.WriteByte('-')
		if r.rangeEnd >= 0 {
			b.WriteString(strconv.FormatInt(r.rangeEnd, 10))
		}
		req.Header.Set("Range", b.String())
	}

	if entity != nil {
		req.Header.Set("Content-Type", entity.ContentType())
		length := entity.ContentLength()
		if length == 0 {
			req.Body = http.NoBody
		} else {
			req.Body = c.writeBody(s.holder, entity, r.outputListener, length)
			req.ContentLength = max(length, -1)
		}
	}
	return req, identity, nil
}

// writeBody streams entity through a pipe so that progress and
// interruption are observed while the transport sends it.
func (c *Client) writeBody(holder *Holder, entity Entity, listener OutputListener, length int64) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		bw := bufio.NewWriterSize(pw, 1024)
		_, err := entity.WriteTo(newOutputStream(bw, holder, listener, length))
		if err == nil {
			err = bw.Flush()
		}
		pw.CloseWithError(err)
	}()
	return pr
}

func (c *Client) redirect(s *Session, r *Request, resp *http.Response, response *Response, requested *url.URL) (executeState, error) {
	redirected, err := ResolveRedirect(requested, resp.Header.Get("Location"))
	if err != nil {
		return stateFailed, NewError(ErrorDownload, err)
	}
	s.redirectedURI = redirected
	action, err := r.redirectHandler.OnRedirect(response)
	if err != nil {
		return stateFailed, err
	}
	if action != RedirectGet && action != RedirectRetransmit {
		return stateDone, nil
	}

	code, message := resp.StatusCode, statusMessage(resp)
	redirected = s.redirectedURI
	s.Disconnect()
	if redirected == nil {
		return stateFailed, NewError(ErrorDownload, errors.New("redirect without location"))
	}
	if s.verifyCertificate && strings.EqualFold(requested.Scheme, "https") &&
		!strings.EqualFold(redirected.Scheme, "https") {
		return stateFailed, PolicyError(ErrorUnsafeRedirect)
	}
	if action == RedirectGet {
		s.forceGet = true
	}
	s.redirectedURI = nil
	s.SetNextURI(redirected)
	if s.NextAttempt() {
		return stateRedirected, nil
	}
	return stateFailed, StatusError(code, message)
}

func (c *Client) checkRelay(ctx context.Context, s *Session, requested *url.URL, response *Response, identity RelayIdentity) (executeState, error) {
	holder := s.holder
	result, err := c.opts.Resolver.CheckResponse(ctx, RelayCheck{
		Site:       holder.site,
		URI:        requested,
		Holder:     holder,
		Response:   response,
		Identity:   identity,
		MayResolve: holder.mayResolveRelay,
	})
	if err != nil {
		if ctx.Err() != nil || holder.IsInterrupted() {
			return stateFailed, InterruptedError(err)
		}
		return stateFailed, err
	}
	if result == nil {
		return stateDone, nil
	}
	if result.Resolved && s.NextAttempt() {
		if result.RetransmitOnSuccess {
			s.forceGet = false
		}
		if redirected := s.redirectedURI; redirected != nil {
			s.redirectedURI = nil
			s.SetNextURI(redirected)
		}
		holder.mayResolveRelay = false
		return stateRetrying, nil
	}
	return stateFailed, PolicyError(ErrorRelayBlock)
}

func (c *Client) transportFault(ctx context.Context, s *Session, err error) (executeState, *Response, error) {
	interrupted := s.holder.IsInterrupted() || ctx.Err() != nil
	if !interrupted {
		if isConnectionReset(err) && s.NextAttempt() {
			c.logger.Debug("connection reset", "session", s.id, "error", err)
			return stateRetrying, nil, nil
		}
		if isProtocolVersionError(err) {
			c.enableCompat()
			if s.NextAttempt() {
				return stateRetrying, nil, nil
			}
		}
	}
	return stateFailed, nil, TransportError(err, interrupted)
}

func (c *Client) contextError(ctx context.Context, s *Session, err error) error {
	if s.holder.IsInterrupted() || ctx.Err() != nil {
		return InterruptedError(err)
	}
	return NewError(ErrorDownload, err)
}
