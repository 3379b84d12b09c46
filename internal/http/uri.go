package http

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

func isWebScheme(u *url.URL) bool {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	}
	return false
}

func isSecureScheme(u *url.URL) bool {
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		return true
	}
	return false
}

// EncodeURI returns u with an ASCII host and with every non-ASCII byte of the
// path and query percent-encoded. Fragments are dropped.
func EncodeURI(u *url.URL) (*url.URL, error) {
	host, err := asciiHost(u.Hostname())
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	if strings.Contains(host, ":") {
		b.WriteString("[" + host + "]")
	} else {
		b.WriteString(host)
	}
	if port := u.Port(); port != "" {
		b.WriteByte(':')
		b.WriteString(port)
	}
	appendEncoded(&b, u.EscapedPath())
	if u.RawQuery != "" {
		b.WriteByte('?')
		appendEncoded(&b, u.RawQuery)
	}
	return url.Parse(b.String())
}

func asciiHost(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	for i := 0; i < len(host); i++ {
		if host[i] >= 0x80 {
			return idna.Lookup.ToASCII(host)
		}
	}
	return host, nil
}

func appendEncoded(b *strings.Builder, part string) {
	const hex = "0123456789ABCDEF"
	for i := 0; i < len(part); i++ {
		c := part[i]
		if c < 0x80 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
}

// ResolveRedirect resolves a Location header value against the URI that
// produced it. An empty location refers to the requested URI itself.
func ResolveRedirect(requested *url.URL, location string) (*url.URL, error) {
	if location == "" {
		resolved := *requested
		return &resolved, nil
	}
	loc, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	if loc.Scheme != "" {
		return loc, nil
	}
	resolved := *loc
	resolved.Scheme = requested.Scheme
	if loc.Host != "" {
		return &resolved, nil
	}
	resolved.Host = requested.Host
	resolved.User = requested.User
	if loc.Path == "" {
		resolved.Path, resolved.RawPath = requested.Path, requested.RawPath
		if loc.RawQuery == "" {
			resolved.RawQuery = requested.RawQuery
		}
	} else if !strings.HasPrefix(loc.Path, "/") {
		base := requested.Path
		if !strings.HasSuffix(base, "/") {
			if index := strings.LastIndex(base, "/"); index >= 0 {
				base = base[:index+1]
			} else {
				base = "/"
			}
		}
		resolved.Path = base + loc.Path
		resolved.RawPath = ""
	}
	return &resolved, nil
}

// HostPort returns the dial address of u, applying the default port of its
// scheme, and reports whether the scheme is secure.
func HostPort(u *url.URL) (host string, port int, secure bool, err error) {
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		secure, port = true, 443
	case "http", "ws":
		port = 80
	default:
		return "", 0, false, NewError(ErrorUnsupportedScheme, nil)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, NewError(ErrorDownload, err)
		}
	}
	host, err = asciiHost(u.Hostname())
	if err != nil {
		return "", 0, false, NewError(ErrorDownload, err)
	}
	return host, port, secure, nil
}
