package http

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSOptionsCompat(t *testing.T) {
	sslOnly := TLSOptions{Verify: true, Protocols: []uint16{tls.VersionSSL30}}
	compat := sslOnly.Compat()
	assert.NotContains(t, compat.Protocols, uint16(tls.VersionSSL30))
	assert.Contains(t, compat.Protocols, uint16(tls.VersionTLS11))
	assert.True(t, compat.SessionTickets)
	assert.Equal(t, []uint16{tls.VersionSSL30}, sslOnly.Protocols, "receiver must not be modified")

	modern := TLSOptions{}.WithModernProtocols()
	assert.ElementsMatch(t, []uint16{tls.VersionTLS11, tls.VersionTLS12, tls.VersionTLS13}, modern.Protocols)

	cfg := modern.Config("example.com")
	assert.Equal(t, "example.com", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.True(t, cfg.SessionTicketsDisabled)
	assert.Equal(t, uint16(tls.VersionTLS11), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
}

func TestProxyCache(t *testing.T) {
	c := newProxyCache(map[string]Proxy{
		"":      {Type: ProxyHTTP, Host: "default.proxy", Port: 3128},
		"board": {Type: ProxySOCKS, Host: "socks.proxy", Port: 1080},
	})

	p, u := c.get("board")
	require.NotNil(t, p)
	assert.Equal(t, "socks5://socks.proxy:1080", u.String())

	_, again := c.get("board")
	assert.Same(t, u, again, "unchanged proxy must reuse the cached URL")

	_, u = c.get("other")
	assert.Equal(t, "http://default.proxy:3128", u.String())

	c.set("board", &Proxy{Type: ProxyHTTP, Host: "new.proxy", Port: 8080})
	_, u = c.get("board")
	assert.Equal(t, "http://new.proxy:8080", u.String())

	c.set("", nil)
	c.set("board", &Proxy{Host: "broken"})
	p, u = c.get("board")
	assert.Nil(t, p)
	assert.Nil(t, u)
}

func TestProxyFromSession(t *testing.T) {
	var proxied *url.URL
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied = r.URL
		io.WriteString(w, "via proxy")
	}))
	defer server.Close()

	host, port, _, err := HostPort(mustParse(t, server.URL))
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Proxies = map[string]Proxy{"board": {Type: ProxyHTTP, Host: host, Port: port}}
	client := NewClient(opts)

	resp, err := NewRequest(mustParse(t, "http://board.invalid/res/1.json"), client.NewHolder("board")).
		Perform(context.Background())
	require.NoError(t, err)
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "via proxy", text)
	require.NotNil(t, proxied)
	assert.Equal(t, "board.invalid", proxied.Host)
}

func TestSocketFactoryReadTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}()

	f := &SocketFactory{}
	conn, err := f.Dial(context.Background(), "tcp", ln.Addr().String(), DialOptions{
		ConnectTimeout: time.Second,
		ReadTimeout:    50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	assert.Equal(t, ErrorReadTimeout, classifyTransportError(err))
}

func TestSocketFactoryRejectsHTTPProxy(t *testing.T) {
	f := &SocketFactory{}
	_, err := f.Dial(context.Background(), "tcp", "example.com:80", DialOptions{
		ConnectTimeout: time.Second,
		Proxy:          &Proxy{Type: ProxyHTTP, Host: "127.0.0.1", Port: 3128},
	})
	assert.Equal(t, ErrorDownload, TypeOf(err))
}
