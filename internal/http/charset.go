package http

import (
	"bytes"
	"mime"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

const defaultCharset = "ISO-8859-1"

// charsetFromContentType returns the charset a Content-Type value declares,
// or "" when it declares none or an unknown one. JSON is always UTF-8.
func charsetFromContentType(contentType string) string {
	if contentType == "application/json" {
		return "UTF-8"
	}
	index := strings.Index(contentType, "charset=")
	if index < 0 {
		return ""
	}
	name := contentType[index+len("charset="):]
	if end := strings.IndexByte(name, ';'); end >= 0 {
		name = name[:end]
	}
	name = strings.Trim(strings.TrimSpace(name), `"'`)
	if _, err := lookupEncoding(name); err != nil {
		return ""
	}
	return name
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	// The WHATWG index maps latin1 labels to windows-1252.
	switch strings.ToLower(name) {
	case "", "iso-8859-1", "iso8859-1", "latin1":
		return charmap.ISO8859_1, nil
	}
	return htmlindex.Get(name)
}

func decodeText(data []byte, name string) (string, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

type htmlSniff int

const (
	sniffNone htmlSniff = iota
	// sniffCheck looks for a charset only when the body starts as HTML.
	sniffCheck
	sniffHTML
)

func htmlSniffMode(contentTypes []string, path string) htmlSniff {
	if len(contentTypes) == 1 {
		if contentTypes[0] == "text/html" {
			return sniffHTML
		}
		return sniffNone
	}
	if strings.HasSuffix(strings.ToLower(path), ".html") {
		return sniffHTML
	}
	return sniffCheck
}

const doctypePrefix = "<!DOCTYPE html><html><head>"

// sniffCharset returns the charset declared by a meta tag in the head of an
// HTML document, or "".
func sniffCharset(data []byte, mode htmlSniff) string {
	if mode == sniffNone {
		return ""
	}
	if mode == sniffCheck {
		head := data[:min(len(data), len(doctypePrefix))]
		if !bytes.Contains(bytes.ToLower(head), []byte("<!doctype html")) {
			return ""
		}
	}
	name := metaCharset(data)
	if name == "" {
		return ""
	}
	if _, err := lookupEncoding(name); err != nil {
		return ""
	}
	return name
}

func metaCharset(data []byte) string {
	z := html.NewTokenizer(bytes.NewReader(data))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				return ""
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "meta" || !hasAttr {
				continue
			}
			attrs := make(map[string]string)
			for more := true; more; {
				var key, value []byte
				key, value, more = z.TagAttr()
				attrs[string(key)] = string(value)
			}
			if strings.EqualFold(attrs["http-equiv"], "content-type") {
				if _, params, err := mime.ParseMediaType(attrs["content"]); err == nil && params["charset"] != "" {
					return params["charset"]
				}
				return charsetFromContentType(strings.ToLower(attrs["content"]))
			}
			if charset := attrs["charset"]; charset != "" {
				return charset
			}
		}
	}
}
