package websocket

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	chanhttp "github.com/Mishiranu/Dashchan-sub007/internal/http"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var statusLine = regexp.MustCompile(`^HTTP/1.[10] (\d+) (.*)$`)

// handshake connects to the current URI of s and upgrades the connection,
// following redirects within the attempt budget of s.
func (w *WebSocket) handshake(ctx context.Context, s *chanhttp.Session) (net.Conn, *bufio.Reader, error) {
	for {
		conn, br, redirect, err := w.upgrade(ctx, s)
		if err != nil || redirect == nil {
			return conn, br, err
		}
		s.SetNextURI(redirect)
	}
}

// upgrade performs one handshake attempt. A followed redirect is returned
// instead of a connection.
func (w *WebSocket) upgrade(ctx context.Context, s *chanhttp.Session) (net.Conn, *bufio.Reader, *url.URL, error) {
	uri := s.CurrentURI()
	target, err := chanhttp.EncodeURI(uri)
	if err != nil {
		return nil, nil, nil, chanhttp.NewError(chanhttp.ErrorDownload, err)
	}
	host, port, secure, err := chanhttp.HostPort(target)
	if err != nil {
		return nil, nil, nil, err
	}

	o := chanhttp.DialOptions{
		ConnectTimeout: w.connectTimeout,
		ReadTimeout:    w.readTimeout,
		Secure:         secure,
		TLS:            w.client.TLSOptions(s.VerifyCertificate()),
	}
	if p := s.Proxy(); p != nil {
		if p.Type == chanhttp.ProxyHTTP {
			return nil, nil, nil, chanhttp.NewError(chanhttp.ErrorDownload, errors.New("http proxies do not support websockets"))
		}
		o.Proxy = p
	}
	conn, err := w.client.Sockets().Dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)), o)
	if err != nil {
		return nil, nil, nil, chanhttp.TransportError(err, w.holder.IsInterrupted() || ctx.Err() != nil)
	}
	if !w.setConn(conn) {
		return nil, nil, nil, chanhttp.InterruptedError(nil)
	}
	success := false
	defer func() {
		if !success {
			w.dropConn(conn)
		}
	}()

	var key [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, nil, nil, err
	}
	encodedKey := base64.StdEncoding.EncodeToString(key[:])

	request := w.buildRequest(uri, target, host, port, secure, encodedKey)
	payload, err := encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder()).String(request)
	if err != nil {
		return nil, nil, nil, chanhttp.NewError(chanhttp.ErrorDownload, err)
	}
	if _, err := io.WriteString(conn, payload); err != nil {
		return nil, nil, nil, err
	}

	br := bufio.NewReaderSize(conn, 8192)
	lines, err := readHead(br)
	if err != nil {
		return nil, nil, nil, err
	}
	match := statusLine.FindStringSubmatch(lines[0])
	if match == nil {
		return nil, nil, nil, chanhttp.NewError(chanhttp.ErrorInvalidResponse, errors.New("malformed status line"))
	}
	code, _ := strconv.Atoi(match[1])
	message := match[2]

	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		if !s.NextAttempt() {
			break
		}
		location, ok := headerValue(lines, "Location")
		if !ok {
			break
		}
		redirected, err := chanhttp.ResolveRedirect(uri, location)
		if err != nil {
			return nil, nil, nil, chanhttp.NewError(chanhttp.ErrorDownload, err)
		}
		newSecure := redirected.Scheme == "https" || redirected.Scheme == "wss"
		if s.VerifyCertificate() && secure && !newSecure {
			return nil, nil, nil, chanhttp.PolicyError(chanhttp.ErrorUnsafeRedirect)
		}
		return nil, nil, redirected, nil
	}
	if code != http.StatusSwitchingProtocols {
		return nil, nil, nil, chanhttp.StatusError(code, message)
	}

	if !verifyAccept(lines, encodedKey) {
		return nil, nil, nil, chanhttp.StatusError(0, "Not verified")
	}
	success = true
	return conn, br, nil, nil
}

func (w *WebSocket) buildRequest(uri, target *url.URL, host string, port int, secure bool, key string) string {
	var b strings.Builder
	b.WriteString("GET " + target.RequestURI() + " HTTP/1.1\r\n")

	userAgent := ""
	addHost, addOrigin, addUserAgent := true, true, true
	for _, h := range w.headers {
		switch strings.ToLower(h.name) {
		case "host":
			addHost = false
		case "origin":
			addOrigin = false
		case "user-agent":
			userAgent = h.value
			addUserAgent = false
		case "connection", "upgrade", "sec-websocket-version", "sec-websocket-key",
			"sec-websocket-extensions", "sec-websocket-protocol":
			continue
		}
		b.WriteString(h.name + ": " + stripLineBreaks(h.value) + "\r\n")
	}

	authority := host
	if strings.Contains(host, ":") {
		authority = "[" + host + "]"
	}
	if !(port == 80 && !secure || port == 443 && secure) {
		authority += ":" + strconv.Itoa(port)
	}
	if addHost {
		b.WriteString("Host: " + authority + "\r\n")
	}
	if addOrigin {
		scheme := strings.ReplaceAll(strings.ToLower(uri.Scheme), "ws", "http")
		b.WriteString("Origin: " + scheme + "://" + authority + "\r\n")
	}
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("Sec-WebSocket-Key: " + key + "\r\n")
	b.WriteString("Sec-WebSocket-Protocol: chat, superchat\r\n")
	if addUserAgent {
		userAgent = w.client.Options().UserAgent
		b.WriteString("User-Agent: " + stripLineBreaks(userAgent) + "\r\n")
	}

	identity := chanhttp.RelayIdentity{UserAgent: userAgent, DefaultUserAgent: addUserAgent}
	cookies := w.cookies.Copy()
	if resolver := w.client.Options().Resolver; resolver != nil {
		if extra := resolver.CollectCookies(w.holder.Site(), uri, identity); !extra.IsEmpty() {
			if cookies == nil {
				cookies = chanhttp.NewCookieBuilder()
			}
			cookies.AppendBuilder(extra)
		}
	}
	if !cookies.IsEmpty() {
		b.WriteString("Cookie: " + stripLineBreaks(cookies.Build()) + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

func stripLineBreaks(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// maxHeadSize bounds the handshake response head.
const maxHeadSize = 64 << 10

// readHead reads the response head up to the empty line and returns its
// lines. A stream ending first is a connection reset.
func readHead(br *bufio.Reader) ([]string, error) {
	var head []byte
	for !bytes.HasSuffix(head, []byte("\r\n\r\n")) {
		if len(head) >= maxHeadSize {
			return nil, chanhttp.NewError(chanhttp.ErrorInvalidResponse, errors.New("response head too large"))
		}
		c, err := br.ReadByte()
		if err == io.EOF {
			return nil, chanhttp.TransportError(io.ErrUnexpectedEOF, false)
		}
		if err != nil {
			return nil, err
		}
		head = append(head, c)
	}
	text, err := charmap.ISO8859_1.NewDecoder().Bytes(head)
	if err != nil {
		return nil, chanhttp.NewError(chanhttp.ErrorInvalidResponse, err)
	}
	return strings.Split(strings.TrimSuffix(string(text), "\r\n\r\n"), "\r\n"), nil
}

func headerValue(lines []string, name string) (string, bool) {
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

func verifyAccept(lines []string, key string) bool {
	sum := sha1.Sum([]byte(key + acceptGUID))
	expected := base64.StdEncoding.EncodeToString(sum[:])
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Sec-WebSocket-Accept") &&
			strings.TrimSpace(value) == expected {
			return true
		}
	}
	return false
}
