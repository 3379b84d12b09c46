package http

import (
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

var (
	twoDashes = []byte("--")
	crlf      = []byte("\r\n")
)

// Openable is a file-like source for a multipart part.
type Openable interface {
	FileName() string
	MimeType() string
	Open() (io.ReadCloser, error)
	Size() int64
}

// OpenableListener receives the write progress of an Openable part.
type OpenableListener func(openable Openable, progress, total int64)

// MultipartEntity is a multipart/form-data body with a random boundary.
type MultipartEntity struct {
	boundary string
	parts    []multipartPart
}

type multipartPart struct {
	name     string
	data     []byte
	openable Openable
	listener OpenableListener
}

func (p *multipartPart) fileName() (string, bool) {
	if p.openable == nil {
		return "", false
	}
	return p.openable.FileName(), true
}

func (p *multipartPart) contentType() (string, bool) {
	if p.openable == nil {
		return "", false
	}
	return p.openable.MimeType(), true
}

func (p *multipartPart) size() int64 {
	if p.openable == nil {
		return int64(len(p.data))
	}
	return p.openable.Size()
}

// NewMultipartEntity returns an entity holding the given name/value string
// fields.
func NewMultipartEntity(pairs ...string) *MultipartEntity {
	var b strings.Builder
	b.WriteString(strings.Repeat("-", 27))
	for i := 0; i < 11; i++ {
		b.WriteByte(byte('0' + rand.IntN(10)))
	}
	e := &MultipartEntity{boundary: b.String()}
	for i := 0; i+1 < len(pairs); i += 2 {
		e.Add(pairs[i], pairs[i+1])
	}
	return e
}

// Boundary returns the part delimiter.
func (e *MultipartEntity) Boundary() string {
	return e.boundary
}

// Add appends a string field.
func (e *MultipartEntity) Add(name, value string) *MultipartEntity {
	e.parts = append(e.parts, multipartPart{name: name, data: []byte(value)})
	return e
}

// AddOpenable appends a file field. listener may be nil.
func (e *MultipartEntity) AddOpenable(name string, openable Openable, listener OpenableListener) *MultipartEntity {
	e.parts = append(e.parts, multipartPart{name: name, openable: openable, listener: listener})
	return e
}

// AddFile appends the file at path, typed by its extension.
func (e *MultipartEntity) AddFile(name, path string) error {
	openable, err := NewFileOpenable(path)
	if err != nil {
		return err
	}
	e.AddOpenable(name, openable, nil)
	return nil
}

func (e *MultipartEntity) ContentType() string {
	return "multipart/form-data; boundary=" + e.boundary
}

func (e *MultipartEntity) ContentLength() int64 {
	boundary := int64(len(e.boundary))
	dashes := int64(len(twoDashes))
	line := int64(len(crlf))
	var length int64
	for i := range e.parts {
		part := &e.parts[i]
		length += dashes + boundary + line
		length += 39 + int64(len(part.name))
		if fileName, ok := part.fileName(); ok {
			length += 13 + int64(len(fileName))
		}
		length += line
		if contentType, ok := part.contentType(); ok {
			length += 14 + int64(len(contentType)) + line
		}
		length += line + part.size() + line
	}
	length += dashes + boundary + dashes + line
	return length
}

func (e *MultipartEntity) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	for i := range e.parts {
		if err := e.writePart(cw, &e.parts[i]); err != nil {
			return cw.n, err
		}
	}
	cw.write(twoDashes)
	cw.writeString(e.boundary)
	cw.write(twoDashes)
	cw.write(crlf)
	return cw.n, cw.err
}

func (e *MultipartEntity) writePart(cw *countingWriter, part *multipartPart) error {
	cw.write(twoDashes)
	cw.writeString(e.boundary)
	cw.write(crlf)
	cw.writeString(`Content-Disposition: form-data; name="`)
	cw.writeString(part.name)
	cw.writeString(`"`)
	if fileName, ok := part.fileName(); ok {
		cw.writeString(`; filename="`)
		cw.writeString(fileName)
		cw.writeString(`"`)
	}
	cw.write(crlf)
	if contentType, ok := part.contentType(); ok {
		cw.writeString("Content-Type: " + contentType)
		cw.write(crlf)
	}
	cw.write(crlf)
	if cw.err != nil {
		return cw.err
	}
	if part.openable == nil {
		cw.write(part.data)
	} else if err := writeOpenable(cw, part); err != nil {
		return err
	}
	cw.write(crlf)
	return cw.err
}

func writeOpenable(cw *countingWriter, part *multipartPart) error {
	r, err := part.openable.Open()
	if err != nil {
		return fmt.Errorf("multipart: open %q: %w", part.name, err)
	}
	defer r.Close()

	total := part.openable.Size()
	if part.listener != nil {
		part.listener(part.openable, 0, total)
	}
	buf := make([]byte, 4096)
	var progress int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			cw.write(buf[:n])
			if cw.err != nil {
				return cw.err
			}
			progress += int64(n)
			if part.listener != nil {
				part.listener(part.openable, progress, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("multipart: read %q: %w", part.name, readErr)
		}
	}
	if progress != total {
		return fmt.Errorf("multipart: part %q: size mismatch: expected %d, got %d", part.name, total, progress)
	}
	return nil
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) write(p []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
}

func (c *countingWriter) writeString(s string) {
	c.write([]byte(s))
}

// fileOpenable is an Openable backed by a local file.
type fileOpenable struct {
	path     string
	fileName string
	mimeType string
	size     int64
}

// NewFileOpenable returns an Openable for the file at path. The MIME type is
// derived from the extension and defaults to application/octet-stream.
func NewFileOpenable(path string) (Openable, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	name := filepath.Base(path)
	return &fileOpenable{
		path:     path,
		fileName: name,
		mimeType: mimeTypeFor(name),
		size:     info.Size(),
	}, nil
}

func (f *fileOpenable) FileName() string { return f.fileName }
func (f *fileOpenable) MimeType() string { return f.mimeType }
func (f *fileOpenable) Size() int64      { return f.size }

func (f *fileOpenable) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

func mimeTypeFor(fileName string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))
	if t == "" {
		return "application/octet-stream"
	}
	if index := strings.IndexByte(t, ';'); index >= 0 {
		t = strings.TrimSpace(t[:index])
	}
	return t
}

// readerOpenable is a single-use Openable over a reader of known size.
type readerOpenable struct {
	fileName string
	mimeType string
	r        io.Reader
	size     int64
}

// NewReaderOpenable returns an Openable streaming exactly size bytes from r.
// It can be opened once.
func NewReaderOpenable(fileName, mimeType string, r io.Reader, size int64) Openable {
	if mimeType == "" {
		mimeType = mimeTypeFor(fileName)
	}
	return &readerOpenable{fileName: fileName, mimeType: mimeType, r: r, size: size}
}

func (o *readerOpenable) FileName() string { return o.fileName }
func (o *readerOpenable) MimeType() string { return o.mimeType }
func (o *readerOpenable) Size() int64      { return o.size }

func (o *readerOpenable) Open() (io.ReadCloser, error) {
	return io.NopCloser(io.LimitReader(o.r, o.size)), nil
}
