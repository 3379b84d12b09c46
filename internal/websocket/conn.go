package websocket

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

func (w *WebSocket) readLoop(br *bufio.Reader) error {
	defer close(w.reads)
	var fragments []frame
	for {
		f, err := readFrame(br)
		if err != nil {
			w.fail(err, true, err != errDisconnected)
			w.closeSocket()
			return nil
		}
		// Control frames may arrive between the fragments of a message.
		if f.opcode&0x08 == 0 {
			if !f.fin {
				fragments = append(fragments, f)
				continue
			}
			if len(fragments) > 0 {
				f = reassemble(fragments, f)
				fragments = nil
			}
		}

		switch f.opcode {
		case opText, opBinary:
			select {
			case w.reads <- f:
			case <-w.done:
				return nil
			}
		case opClose:
			code := -1
			if len(f.payload) >= 2 {
				code = int(binary.BigEndian.Uint16(f.payload))
			}
			if !w.isClosed() {
				w.peerClosed.Store(true)
				w.fail(fmt.Errorf("connection closed by peer: %d", code), false, true)
				w.closeSocket()
			}
			return nil
		case opPing:
			w.enqueue(newOutFrame(opPong, f.payload))
		case opPong:
		default:
			err := fmt.Errorf("websocket: unknown opcode %d", f.opcode)
			w.fail(err, true, true)
			w.closeSocket()
			return err
		}
	}
}

// reassemble joins a fragmented message. The message takes the opcode of its
// first fragment.
func reassemble(fragments []frame, last frame) frame {
	var buf bytes.Buffer
	for _, f := range fragments {
		buf.Write(f.payload)
	}
	buf.Write(last.payload)
	return frame{opcode: fragments[0].opcode, fin: true, payload: buf.Bytes()}
}

func (w *WebSocket) dispatchLoop(handler Handler) (err error) {
	defer w.cancelAwaits()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("websocket: event handler panicked: %v", r)
			w.logger.Error("event handler panicked", "uri", w.uri.Redacted(), "panic", r)
			w.fail(err, true, false)
			w.closeSocket()
		}
	}()
	for f := range w.reads {
		handler.OnEvent(&Event{frame: f, ws: w})
	}
	return nil
}

func (w *WebSocket) writeLoop(bw *bufio.Writer) error {
	buf := make([]byte, 8192)
	for {
		select {
		case f := <-w.writes:
			if err := writeFrame(bw, f, buf); err != nil {
				w.fail(err, true, true)
				w.closeSocket()
				return err
			}
		case <-w.done:
			return nil
		}
	}
}

func (w *WebSocket) enqueue(f *outFrame) {
	select {
	case w.writes <- f:
	case <-w.done:
	}
}

// Connection is the caller side of an open WebSocket.
type Connection struct {
	ws *WebSocket
}

// SendText queues a text message.
func (c *Connection) SendText(text string) error {
	if err := c.ws.check(); err != nil {
		return err
	}
	c.ws.enqueue(newOutFrame(opText, []byte(text)))
	return nil
}

// SendBinary queues a binary message.
func (c *Connection) SendBinary(data []byte) error {
	if err := c.ws.check(); err != nil {
		return err
	}
	c.ws.enqueue(newOutFrame(opBinary, data))
	return nil
}

// SendComplexBinary starts a binary message assembled from several sources.
// The sources are read while the frame is written.
func (c *Connection) SendComplexBinary() *ComplexBinaryBuilder {
	return &ComplexBinaryBuilder{conn: c}
}

// Await blocks until the event handler completes one of tokens, or until the
// connection stops dispatching events. Tokens must be comparable. A close by
// the peer is not an error here.
func (c *Connection) Await(ctx context.Context, tokens ...any) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := c.ws.await(ctx, tokens); err != nil {
		return err
	}
	if err := c.ws.check(); err != nil && !c.ws.peerClosed.Load() {
		return err
	}
	return nil
}

// Store saves a value shared with the event handler.
func (c *Connection) Store(key string, v any) {
	c.ws.store(key, v)
}

// Get returns a value saved with Store, or nil.
func (c *Connection) Get(key string) any {
	return c.ws.get(key)
}

// Close closes the connection. It never fails, even after the connection
// ended with an error or was already closed by the handler; that error is
// still reported by Send and Await.
func (c *Connection) Close() (*Result, error) {
	c.ws.closeSocket()
	return &Result{ws: c.ws}, nil
}

// Result gives access to the values stored during the connection.
type Result struct {
	ws *WebSocket
}

func (r *Result) Get(key string) any {
	return r.ws.get(key)
}

// Event is a received message, reassembled when it was fragmented.
type Event struct {
	frame frame
	ws    *WebSocket
}

func (e *Event) Data() []byte {
	return e.frame.payload
}

func (e *Event) IsBinary() bool {
	return e.frame.opcode == opBinary
}

func (e *Event) Store(key string, v any) {
	e.ws.store(key, v)
}

func (e *Event) Get(key string) any {
	return e.ws.get(key)
}

// Complete wakes callers awaiting token.
func (e *Event) Complete(token any) {
	e.ws.complete(token)
}

// Close closes the connection from the handler.
func (e *Event) Close() {
	e.ws.closeSocket()
}

// ComplexBinaryBuilder assembles a binary message from byte slices, strings
// and streams.
type ComplexBinaryBuilder struct {
	conn    *Connection
	sources []io.Reader
	length  int64
}

func (b *ComplexBinaryBuilder) Bytes(data ...byte) *ComplexBinaryBuilder {
	if len(data) > 0 {
		b.sources = append(b.sources, bytes.NewReader(data))
		b.length += int64(len(data))
	}
	return b
}

// Ints appends the low byte of each value.
func (b *ComplexBinaryBuilder) Ints(values ...int) *ComplexBinaryBuilder {
	data := make([]byte, len(values))
	for i, v := range values {
		data[i] = byte(v)
	}
	return b.Bytes(data...)
}

func (b *ComplexBinaryBuilder) String(s string) *ComplexBinaryBuilder {
	return b.Bytes([]byte(s)...)
}

// Stream appends exactly n bytes read from r when the frame is written.
func (b *ComplexBinaryBuilder) Stream(r io.Reader, n int64) *ComplexBinaryBuilder {
	if r != nil && n > 0 {
		b.sources = append(b.sources, io.LimitReader(r, n))
		b.length += n
	}
	return b
}

// Wrap applies fn, allowing reusable encoders to be chained.
func (b *ComplexBinaryBuilder) Wrap(fn func(*ComplexBinaryBuilder) *ComplexBinaryBuilder) *ComplexBinaryBuilder {
	return fn(b)
}

// Send queues the message.
func (b *ComplexBinaryBuilder) Send() error {
	ws := b.conn.ws
	if err := ws.check(); err != nil {
		return err
	}
	ws.enqueue(&outFrame{opcode: opBinary, sources: b.sources, length: b.length})
	return nil
}
