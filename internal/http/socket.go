package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// TLSOptions selects the TLS behavior of a socket. It is passed by value at
// socket construction.
type TLSOptions struct {
	// Verify enables certificate and hostname verification. Disabling it
	// trusts every certificate and must be requested explicitly.
	Verify bool

	// Protocols is the enabled protocol version set. Empty means the
	// crypto/tls defaults.
	Protocols []uint16

	// SessionTickets enables TLS session resumption.
	SessionTickets bool
}

// DefaultProtocols is the protocol set used when none is configured.
func DefaultProtocols() []uint16 {
	return []uint16{tls.VersionTLS12, tls.VersionTLS13}
}

// WithModernProtocols returns o with TLS 1.1 and TLS 1.2 enabled.
func (o TLSOptions) WithModernProtocols() TLSOptions {
	protocols := slices.Clone(o.Protocols)
	if len(protocols) == 0 {
		protocols = DefaultProtocols()
	}
	for _, v := range []uint16{tls.VersionTLS11, tls.VersionTLS12} {
		if !slices.Contains(protocols, v) {
			protocols = append(protocols, v)
		}
	}
	o.Protocols = protocols
	return o
}

// WithoutSSLv3Only returns o with an SSLv3-only protocol set replaced by the
// TLS versions. Any other set is kept as is.
func (o TLSOptions) WithoutSSLv3Only() TLSOptions {
	if len(o.Protocols) == 1 && o.Protocols[0] == tls.VersionSSL30 {
		o.Protocols = []uint16{tls.VersionTLS10, tls.VersionTLS11, tls.VersionTLS12, tls.VersionTLS13}
	}
	return o
}

// Compat returns the profile used after a server rejected the handshake
// because of its protocol version.
func (o TLSOptions) Compat() TLSOptions {
	o = o.WithoutSSLv3Only().WithModernProtocols()
	o.SessionTickets = true
	return o
}

// Config builds a crypto/tls configuration for serverName.
func (o TLSOptions) Config(serverName string) *tls.Config {
	cfg := &tls.Config{
		ServerName:             serverName,
		InsecureSkipVerify:     !o.Verify,
		SessionTicketsDisabled: !o.SessionTickets,
	}
	if len(o.Protocols) > 0 {
		cfg.MinVersion = slices.Min(o.Protocols)
		cfg.MaxVersion = slices.Max(o.Protocols)
	}
	return cfg
}

// ProxyType is the kind of a proxy server.
type ProxyType int

const (
	ProxyHTTP ProxyType = iota
	ProxySOCKS
)

// Proxy describes a proxy server. Proxies are compared by value.
type Proxy struct {
	Type ProxyType
	Host string
	Port int
}

func (p Proxy) address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL returns the proxy URL understood by net/http.
func (p Proxy) URL() *url.URL {
	scheme := "http"
	if p.Type == ProxySOCKS {
		scheme = "socks5"
	}
	return &url.URL{Scheme: scheme, Host: p.address()}
}

// Valid reports whether the proxy has a host and a port.
func (p Proxy) Valid() bool {
	return p.Host != "" && p.Port > 0 && p.Port < 65536
}

// proxyCache hands out proxy URLs per site. A configuration equal to the
// cached one reuses the cached URL.
type proxyCache struct {
	mu         sync.Mutex
	configured map[string]Proxy
	built      map[string]cachedProxy
}

type cachedProxy struct {
	proxy Proxy
	url   *url.URL
}

func newProxyCache(configured map[string]Proxy) *proxyCache {
	c := &proxyCache{
		configured: make(map[string]Proxy),
		built:      make(map[string]cachedProxy),
	}
	for site, p := range configured {
		c.configured[site] = p
	}
	return c
}

func (c *proxyCache) set(site string, p *Proxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p == nil {
		delete(c.configured, site)
	} else {
		c.configured[site] = *p
	}
}

// get returns the proxy configured for site, falling back to the default
// entry keyed by "".
func (c *proxyCache) get(site string) (*Proxy, *url.URL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.configured[site]
	if !ok {
		p, ok = c.configured[""]
	}
	if !ok || !p.Valid() {
		delete(c.built, site)
		return nil, nil
	}
	if cached, ok := c.built[site]; ok && cached.proxy == p {
		return &cached.proxy, cached.url
	}
	cached := cachedProxy{proxy: p, url: p.URL()}
	c.built[site] = cached
	return &cached.proxy, cached.url
}

// DialOptions configures one socket.
type DialOptions struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Secure         bool
	TLS            TLSOptions

	// Proxy routes the connection through a SOCKS proxy. HTTP proxies are
	// handled by the HTTP transport and rejected here.
	Proxy *Proxy
}

type dialOptionsKey struct{}

func withDialOptions(ctx context.Context, o DialOptions) context.Context {
	return context.WithValue(ctx, dialOptionsKey{}, o)
}

func dialOptionsFrom(ctx context.Context) (DialOptions, bool) {
	o, ok := ctx.Value(dialOptionsKey{}).(DialOptions)
	return o, ok
}

type proxyURLKey struct{}

func proxyFromContext(req *http.Request) (*url.URL, error) {
	u, _ := req.Context().Value(proxyURLKey{}).(*url.URL)
	return u, nil
}

// SocketFactory opens TCP and TLS connections.
type SocketFactory struct {
	// KeepAlive is the TCP keep-alive period. Zero uses the net default.
	KeepAlive time.Duration
}

// Dial opens a connection to addr. The read timeout applies to every read
// and the TLS handshake is bounded by the connect timeout.
func (f *SocketFactory) Dial(ctx context.Context, network, addr string, o DialOptions) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: o.ConnectTimeout, KeepAlive: f.KeepAlive}
	var (
		conn net.Conn
		err  error
	)
	if o.Proxy != nil {
		conn, err = dialProxy(ctx, dialer, network, addr, *o.Proxy)
	} else {
		conn, err = dialer.DialContext(ctx, network, addr)
	}
	if err != nil {
		return nil, err
	}
	if o.ReadTimeout > 0 {
		conn = &deadlineConn{Conn: conn, timeout: o.ReadTimeout}
	}
	if !o.Secure {
		return conn, nil
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	tlsConn := tls.Client(conn, o.TLS.Config(host))
	handshakeCtx := ctx
	if o.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, o.ConnectTimeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		conn.Close()
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &handshakeTimeoutError{err: err}
		}
		return nil, err
	}
	return tlsConn, nil
}

func dialProxy(ctx context.Context, dialer *net.Dialer, network, addr string, p Proxy) (net.Conn, error) {
	if p.Type != ProxySOCKS {
		return nil, NewError(ErrorDownload, fmt.Errorf("proxy type %d not supported for raw sockets", p.Type))
	}
	socks, err := proxy.SOCKS5("tcp", p.address(), nil, dialer)
	if err != nil {
		return nil, err
	}
	if cd, ok := socks.(proxy.ContextDialer); ok {
		if dialer.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, dialer.Timeout)
			defer cancel()
		}
		return cd.DialContext(ctx, network, addr)
	}
	return socks.Dial(network, addr)
}

// deadlineConn arms a fresh read deadline before every read.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
