package http

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

const (
	encodingIdentity = "identity"
	encodingGzip     = "gzip"
	encodingDeflate  = "deflate"
)

func contentEncoding(h http.Header) string {
	value := strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding")))
	if value == "" {
		return encodingIdentity
	}
	return value
}

// outputStream writes a request body, failing once the holder is
// interrupted and reporting progress after every write.
type outputStream struct {
	w        io.Writer
	holder   *Holder
	listener OutputListener
	progress int64
	total    int64
}

func newOutputStream(w io.Writer, holder *Holder, listener OutputListener, total int64) *outputStream {
	if listener != nil {
		listener.OnOutputProgress(0, total)
	}
	return &outputStream{w: w, holder: holder, listener: listener, total: total}
}

func (o *outputStream) Write(p []byte) (int, error) {
	if err := o.holder.checkInterrupted(); err != nil {
		return 0, err
	}
	n, err := o.w.Write(p)
	o.progress += int64(n)
	if o.listener != nil && n > 0 {
		o.listener.OnOutputProgress(o.progress, o.total)
	}
	return n, err
}

// inputStream reads a response body. Reads fail once the holder is
// interrupted; closing the stream disconnects the session.
type inputStream struct {
	r        io.Reader
	decoder  io.Closer
	response *Response
	closed   bool
}

func (in *inputStream) Read(p []byte) (int, error) {
	if err := in.response.session.holder.checkInterrupted(); err != nil {
		in.Close()
		return 0, err
	}
	return in.r.Read(p)
}

func (in *inputStream) Close() error {
	if in.closed {
		return nil
	}
	in.closed = true
	var err error
	if in.decoder != nil {
		err = in.decoder.Close()
	}
	in.response.release(in)
	return err
}

// open returns the decoded body of the session's live response.
func (c *Client) open(r *Response) (io.ReadCloser, error) {
	s := r.session
	resp := s.liveResponse()
	if resp == nil {
		return nil, InterruptedError(nil)
	}
	if resp.Body == nil {
		return nil, NewError(ErrorEmptyResponse, nil)
	}
	if err := s.holder.checkInterrupted(); err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(resp.Body, 8192)
	in := &inputStream{r: br, response: r}
	switch encoding := contentEncoding(resp.Header); encoding {
	case encodingIdentity:
	case encodingGzip:
		gz, err := gzip.NewReader(br)
		switch {
		case errors.Is(err, io.EOF):
			in.r = eofReader{}
		case err != nil:
			return nil, TransportError(err, s.holder.IsInterrupted())
		default:
			in.r, in.decoder = gz, gz
		}
	case encodingDeflate:
		rc, err := newDeflateReader(br)
		if err != nil {
			return nil, TransportError(err, s.holder.IsInterrupted())
		}
		in.r, in.decoder = rc, rc
	default:
		return nil, NewError(ErrorDownload, fmt.Errorf("unsupported content encoding %q", encoding))
	}
	return in, nil
}

// newDeflateReader decodes "deflate" bodies, which servers send either
// zlib wrapped or raw.
func newDeflateReader(br *bufio.Reader) (io.ReadCloser, error) {
	head, err := br.Peek(2)
	if len(head) < 2 {
		if errors.Is(err, io.EOF) {
			return io.NopCloser(eofReader{}), nil
		}
		return nil, err
	}
	cmf, flg := head[0], head[1]
	if cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) {
	return 0, io.EOF
}
