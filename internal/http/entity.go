package http

import (
	"bytes"
	"io"
	"net/url"
	"strings"
)

// Entity is a request body.
type Entity interface {
	// ContentType returns the value of the Content-Type header.
	ContentType() string

	// ContentLength returns the exact number of bytes WriteTo writes, or -1
	// if it is not known in advance.
	ContentLength() int64

	// WriteTo writes the body to w.
	WriteTo(w io.Writer) (int64, error)
}

// SimpleEntity is a body made of raw bytes.
type SimpleEntity struct {
	data        []byte
	contentType string
}

// NewSimpleEntity returns a text/plain entity holding data.
func NewSimpleEntity(data []byte) *SimpleEntity {
	return &SimpleEntity{data: data, contentType: "text/plain"}
}

// NewStringEntity returns a text/plain entity holding s encoded as UTF-8.
func NewStringEntity(s string) *SimpleEntity {
	return NewSimpleEntity([]byte(s))
}

// SetContentType overrides the content type.
func (e *SimpleEntity) SetContentType(contentType string) *SimpleEntity {
	e.contentType = contentType
	return e
}

func (e *SimpleEntity) ContentType() string {
	return e.contentType
}

func (e *SimpleEntity) ContentLength() int64 {
	return int64(len(e.data))
}

func (e *SimpleEntity) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(e.data)
	return int64(n), err
}

// URLEncodedEntity is an application/x-www-form-urlencoded body.
type URLEncodedEntity struct {
	buf bytes.Buffer
}

// NewURLEncodedEntity returns an entity holding the given name/value pairs.
// A trailing name without a value is ignored.
func NewURLEncodedEntity(pairs ...string) *URLEncodedEntity {
	e := &URLEncodedEntity{}
	for i := 0; i+1 < len(pairs); i += 2 {
		e.Add(pairs[i], pairs[i+1])
	}
	return e
}

// Add appends one field.
func (e *URLEncodedEntity) Add(name, value string) *URLEncodedEntity {
	if e.buf.Len() > 0 {
		e.buf.WriteByte('&')
	}
	e.buf.WriteString(formEscape(name))
	e.buf.WriteByte('=')
	e.buf.WriteString(formEscape(value))
	return e
}

func (e *URLEncodedEntity) ContentType() string {
	return "application/x-www-form-urlencoded"
}

func (e *URLEncodedEntity) ContentLength() int64 {
	return int64(e.buf.Len())
}

func (e *URLEncodedEntity) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(e.buf.Bytes())
	return int64(n), err
}

// formEscape encodes s the way HTML forms do: '*' is kept and '~' escaped.
func formEscape(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "%2A", "*")
	return strings.ReplaceAll(escaped, "~", "%7E")
}
