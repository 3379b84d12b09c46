package websocket

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	chanhttp "github.com/Mishiranu/Dashchan-sub007/internal/http"
)

type state int32

const (
	stateInit state = iota
	stateHandshaking
	stateOpen
	stateClosing
	stateClosed
)

// Handler receives the messages of an open connection. It runs on a
// dedicated goroutine, one event at a time.
type Handler interface {
	OnEvent(e *Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(e *Event)

func (f HandlerFunc) OnEvent(e *Event) {
	f(e)
}

type header struct {
	name  string
	value string
}

// WebSocket opens one client connection. It is configured like a request,
// opened once and then used through the returned Connection.
type WebSocket struct {
	uri    *url.URL
	holder *chanhttp.Holder
	client *chanhttp.Client
	logger hclog.Logger

	connectTimeout time.Duration
	readTimeout    time.Duration
	headers        []header
	cookies        *chanhttp.CookieBuilder

	state     atomic.Int32
	mu        sync.Mutex
	conn      net.Conn
	closeOnce sync.Once
	done      chan struct{}

	reads  chan frame
	writes chan *outFrame
	group  errgroup.Group

	errMu      sync.Mutex
	err        error
	logErr     bool
	peerClosed atomic.Bool

	resultsMu     sync.Mutex
	results       map[any]struct{}
	resultsSignal chan struct{}
	cancelResults bool

	storeMu sync.Mutex
	stored  map[string]any
}

// New returns a WebSocket for uri. Timeouts come from the preset when it
// implements chanhttp.TimeoutsPreset.
func New(uri *url.URL, preset chanhttp.Preset) *WebSocket {
	holder := preset.Holder()
	client := holder.Client()
	opts := client.Options()
	w := &WebSocket{
		uri:            uri,
		holder:         holder,
		client:         client,
		logger:         client.Logger().Named("websocket"),
		connectTimeout: opts.ConnectTimeout,
		readTimeout:    opts.ReadTimeout,
		done:           make(chan struct{}),
		reads:          make(chan frame, 64),
		writes:         make(chan *outFrame, 64),
		results:        make(map[any]struct{}),
		resultsSignal:  make(chan struct{}),
		stored:         make(map[string]any),
	}
	if p, ok := preset.(chanhttp.TimeoutsPreset); ok {
		w.Timeouts(p.Timeouts())
	}
	return w
}

// AddHeader adds a handshake header. Host, Origin and User-Agent replace the
// defaults; headers owned by the WebSocket protocol are ignored.
func (w *WebSocket) AddHeader(name, value string) *WebSocket {
	w.headers = append(w.headers, header{name: name, value: value})
	return w
}

func (w *WebSocket) cookieBuilder() *chanhttp.CookieBuilder {
	if w.cookies == nil {
		w.cookies = chanhttp.NewCookieBuilder()
	}
	return w.cookies
}

func (w *WebSocket) AddCookie(name, value string) *WebSocket {
	w.cookieBuilder().Append(name, value)
	return w
}

func (w *WebSocket) AddCookieString(cookie string) *WebSocket {
	w.cookieBuilder().AppendString(cookie)
	return w
}

func (w *WebSocket) AddCookies(cookies *chanhttp.CookieBuilder) *WebSocket {
	w.cookieBuilder().AppendBuilder(cookies)
	return w
}

// Timeouts sets the connect and read timeouts. Negative values keep the
// current setting.
func (w *WebSocket) Timeouts(connect, read time.Duration) *WebSocket {
	if connect >= 0 {
		w.connectTimeout = connect
	}
	if read >= 0 {
		w.readTimeout = read
	}
	return w
}

// Open performs the handshake and starts the connection goroutines. ctx
// bounds the handshake only. The connection is closed when the holder's
// session ends or the holder is interrupted.
func (w *WebSocket) Open(ctx context.Context, handler Handler) (*Connection, error) {
	if !w.state.CompareAndSwap(int32(stateInit), int32(stateHandshaking)) {
		if w.isClosed() {
			return nil, chanhttp.InterruptedError(nil)
		}
		panic("websocket: already open")
	}

	s := w.holder.NewSession(w.uri, 0, w.client.Options().WebSocketAttempts)
	logger := w.logger.With("session", s.ID())
	if err := s.SetCallback(w.closeSocket); err != nil {
		w.closeSocket()
		return nil, err
	}
	stop := context.AfterFunc(ctx, w.closeSocket)
	conn, br, err := w.handshake(ctx, s)
	stop()
	if err == nil && (ctx.Err() != nil || w.holder.IsInterrupted()) {
		err = chanhttp.InterruptedError(ctx.Err())
	}
	if err != nil {
		w.closeSocket()
		if ctx.Err() != nil || w.holder.IsInterrupted() {
			return nil, chanhttp.InterruptedError(err)
		}
		var httpErr *chanhttp.Error
		if !errors.As(err, &httpErr) {
			err = chanhttp.TransportError(err, false)
		}
		logger.Debug("handshake failed", "uri", s.CurrentURI().Redacted(), "error", err)
		return nil, err
	}
	if !w.state.CompareAndSwap(int32(stateHandshaking), int32(stateOpen)) {
		return nil, chanhttp.InterruptedError(nil)
	}
	logger.Debug("connection open", "uri", s.CurrentURI().Redacted())

	bw := bufio.NewWriterSize(conn, 8192)
	w.group.Go(func() error { return w.readLoop(br) })
	w.group.Go(func() error { return w.dispatchLoop(handler) })
	w.group.Go(func() error { return w.writeLoop(bw) })
	return &Connection{ws: w}, nil
}

// setConn installs conn as the live socket unless the WebSocket was closed
// meanwhile, in which case conn is closed.
func (w *WebSocket) setConn(conn net.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosed() {
		conn.Close()
		return false
	}
	w.conn = conn
	return true
}

// dropConn closes the handshake socket before following a redirect.
func (w *WebSocket) dropConn(conn net.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	conn.Close()
}

func (w *WebSocket) live() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

func (w *WebSocket) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// closeSocket ends the connection: the goroutines are released and the
// socket is closed. It never blocks and may be called any number of times.
func (w *WebSocket) closeSocket() {
	w.closeOnce.Do(func() {
		w.state.Store(int32(stateClosing))
		w.mu.Lock()
		conn := w.conn
		w.conn = nil
		close(w.done)
		w.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		w.state.Store(int32(stateClosed))
	})
}

// fail latches err unless an error is already latched. With requireLive the
// error is dropped when the socket was already closed; such errors are
// effects of the close.
func (w *WebSocket) fail(err error, requireLive, log bool) {
	if requireLive && !w.live() {
		return
	}
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
		w.logErr = log
	}
}

// check returns the latched error or a cancellation, closing the socket in
// either case.
func (w *WebSocket) check() error {
	w.errMu.Lock()
	err, log := w.err, w.logErr
	w.errMu.Unlock()
	if err != nil {
		w.closeSocket()
		if log {
			fault := chanhttp.TransportError(err, false)
			w.logger.Warn("connection failed", "uri", w.uri.Redacted(), "error", err)
			return fault
		}
		return chanhttp.NewError(chanhttp.ErrorDownload, err)
	}
	if w.holder.IsInterrupted() {
		w.closeSocket()
		return chanhttp.InterruptedError(nil)
	}
	return nil
}

func (w *WebSocket) store(key string, v any) {
	w.storeMu.Lock()
	w.stored[key] = v
	w.storeMu.Unlock()
}

func (w *WebSocket) get(key string) any {
	w.storeMu.Lock()
	defer w.storeMu.Unlock()
	return w.stored[key]
}

func (w *WebSocket) complete(token any) {
	w.resultsMu.Lock()
	w.results[token] = struct{}{}
	close(w.resultsSignal)
	w.resultsSignal = make(chan struct{})
	w.resultsMu.Unlock()
}

func (w *WebSocket) cancelAwaits() {
	w.resultsMu.Lock()
	w.cancelResults = true
	close(w.resultsSignal)
	w.resultsSignal = make(chan struct{})
	w.resultsMu.Unlock()
}

// await blocks until one of tokens is completed, consuming it, or until the
// dispatcher stopped.
func (w *WebSocket) await(ctx context.Context, tokens []any) error {
	for {
		w.resultsMu.Lock()
		for _, token := range tokens {
			if _, ok := w.results[token]; ok {
				delete(w.results, token)
				w.resultsMu.Unlock()
				return nil
			}
		}
		if w.cancelResults {
			w.resultsMu.Unlock()
			return nil
		}
		signal := w.resultsSignal
		w.resultsMu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return chanhttp.InterruptedError(ctx.Err())
		}
	}
}

// wait blocks until the connection goroutines exit.
func (w *WebSocket) wait() error {
	return w.group.Wait()
}
