package http

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Preset supplies the holder a request runs on. The optional TimeoutsPreset,
// OutputListenerPreset and RangePreset extensions seed the matching request
// settings.
type Preset interface {
	Holder() *Holder
}

// TimeoutsPreset seeds the request timeouts.
type TimeoutsPreset interface {
	Preset
	Timeouts() (connect, read time.Duration)
}

// OutputListenerPreset seeds the upload progress listener.
type OutputListenerPreset interface {
	Preset
	OutputListener() OutputListener
}

// RangePreset seeds the byte range. A negative bound is open.
type RangePreset interface {
	Preset
	Range() (start, end int64)
}

// OutputListener receives request body upload progress.
type OutputListener interface {
	OnOutputProgress(progress, total int64)
}

// OutputListenerFunc adapts a function to OutputListener.
type OutputListenerFunc func(progress, total int64)

func (f OutputListenerFunc) OnOutputProgress(progress, total int64) {
	f(progress, total)
}

// RedirectAction is what the executor does with a redirect response.
type RedirectAction int

const (
	// RedirectCancel returns the redirect response to the caller.
	RedirectCancel RedirectAction = iota
	// RedirectGet requests the new location with GET and no body.
	RedirectGet
	// RedirectRetransmit resends the original method and body.
	RedirectRetransmit
)

// RedirectHandler decides how a 301, 302, 303 or 307 response is followed.
// The response carries the resolved location in RedirectedURI, which the
// handler may replace.
type RedirectHandler interface {
	OnRedirect(resp *Response) (RedirectAction, error)
}

// RedirectFunc adapts a function to RedirectHandler.
type RedirectFunc func(resp *Response) (RedirectAction, error)

func (f RedirectFunc) OnRedirect(resp *Response) (RedirectAction, error) {
	return f(resp)
}

type fixedRedirect RedirectAction

func (r fixedRedirect) OnRedirect(*Response) (RedirectAction, error) {
	return RedirectAction(r), nil
}

var (
	// RedirectNone never follows redirects.
	RedirectNone RedirectHandler = fixedRedirect(RedirectCancel)
	// RedirectBrowser follows every redirect with GET.
	RedirectBrowser RedirectHandler = fixedRedirect(RedirectGet)
	// RedirectStrict retransmits on 301 and 302 and uses GET otherwise.
	RedirectStrict RedirectHandler = RedirectFunc(func(resp *Response) (RedirectAction, error) {
		switch resp.StatusCode() {
		case http.StatusMovedPermanently, http.StatusFound:
			return RedirectRetransmit, nil
		default:
			return RedirectGet, nil
		}
	})
)

type header struct {
	name  string
	value string
}

// Request configures one logical HTTP operation. It is built by the caller
// and not modified by execution.
type Request struct {
	uri    *url.URL
	holder *Holder

	method string
	entity Entity

	successOnly     bool
	redirectHandler RedirectHandler
	validator       *Validator
	keepAlive       bool

	outputListener OutputListener
	rangeStart     int64
	rangeEnd       int64

	connectTimeout time.Duration
	readTimeout    time.Duration
	delay          time.Duration

	headers []header
	cookies *CookieBuilder
}

// NewRequest returns a GET request for uri on holder.
func NewRequest(uri *url.URL, holder *Holder) *Request {
	opts := holder.client.opts
	return &Request{
		uri:             uri,
		holder:          holder,
		method:          http.MethodGet,
		successOnly:     true,
		redirectHandler: RedirectBrowser,
		keepAlive:       true,
		rangeStart:      -1,
		rangeEnd:        -1,
		connectTimeout:  opts.ConnectTimeout,
		readTimeout:     opts.ReadTimeout,
	}
}

// NewPresetRequest returns a GET request for uri configured by preset.
func NewPresetRequest(uri *url.URL, preset Preset) *Request {
	r := NewRequest(uri, preset.Holder())
	if p, ok := preset.(TimeoutsPreset); ok {
		r.Timeouts(p.Timeouts())
	}
	if p, ok := preset.(OutputListenerPreset); ok {
		r.OutputListener(p.OutputListener())
	}
	if p, ok := preset.(RangePreset); ok {
		r.Range(p.Range())
	}
	return r
}

// URI returns the initial target.
func (r *Request) URI() *url.URL {
	return r.uri
}

// Holder returns the holder the request runs on.
func (r *Request) Holder() *Holder {
	return r.holder
}

// Method returns the configured method.
func (r *Request) Method() string {
	return r.method
}

func (r *Request) setMethod(method string, entity Entity) *Request {
	r.method = method
	r.entity = entity
	return r
}

func (r *Request) Get() *Request {
	return r.setMethod(http.MethodGet, nil)
}

func (r *Request) Head() *Request {
	return r.setMethod(http.MethodHead, nil)
}

func (r *Request) Post(entity Entity) *Request {
	return r.setMethod(http.MethodPost, entity)
}

func (r *Request) Put(entity Entity) *Request {
	return r.setMethod(http.MethodPut, entity)
}

func (r *Request) Delete(entity Entity) *Request {
	return r.setMethod(http.MethodDelete, entity)
}

// SuccessOnly makes responses outside 200..303 and 307 fail with a status
// error. It is on by default.
func (r *Request) SuccessOnly(successOnly bool) *Request {
	r.successOnly = successOnly
	return r
}

func (r *Request) KeepAlive(keepAlive bool) *Request {
	r.keepAlive = keepAlive
	return r
}

// RedirectHandler sets the redirect policy. A nil handler panics.
func (r *Request) RedirectHandler(handler RedirectHandler) *Request {
	if handler == nil {
		panic("http: nil redirect handler")
	}
	r.redirectHandler = handler
	return r
}

// Validator makes the request conditional. A 304 response then fails with
// an error matching ErrNotModified.
func (r *Request) Validator(v *Validator) *Request {
	r.validator = v
	return r
}

// Timeouts sets the connect and read timeouts. A negative value keeps the
// current one.
func (r *Request) Timeouts(connect, read time.Duration) *Request {
	if connect >= 0 {
		r.connectTimeout = connect
	}
	if read >= 0 {
		r.readTimeout = read
	}
	return r
}

// Delay sets the minimum spacing between connections to the same authority.
func (r *Request) Delay(delay time.Duration) *Request {
	r.delay = delay
	return r
}

func (r *Request) OutputListener(listener OutputListener) *Request {
	r.outputListener = listener
	return r
}

// Range requests bytes start..end inclusive. A negative bound is open.
func (r *Request) Range(start, end int64) *Request {
	r.rangeStart = start
	r.rangeEnd = end
	return r
}

// AddHeader appends a header. Headers are applied in order, so a later value
// replaces an earlier one with the same name.
func (r *Request) AddHeader(name, value string) *Request {
	r.headers = append(r.headers, header{name: name, value: value})
	return r
}

func (r *Request) ClearHeaders() *Request {
	r.headers = nil
	return r
}

func (r *Request) AddCookie(name, value string) *Request {
	r.cookieBuilder().Append(name, value)
	return r
}

// AddCookieString appends every cookie of a header value such as "a=1; b=2".
func (r *Request) AddCookieString(cookie string) *Request {
	r.cookieBuilder().AppendString(cookie)
	return r
}

func (r *Request) AddCookies(cookies *CookieBuilder) *Request {
	if cookies != nil {
		r.cookieBuilder().AppendBuilder(cookies)
	}
	return r
}

func (r *Request) ClearCookies() *Request {
	r.cookies = nil
	return r
}

func (r *Request) cookieBuilder() *CookieBuilder {
	if r.cookies == nil {
		r.cookies = NewCookieBuilder()
	}
	return r.cookies
}

// Copy returns an independent request with the same configuration except
// the byte range.
func (r *Request) Copy() *Request {
	c := NewRequest(r.uri, r.holder)
	c.setMethod(r.method, r.entity)
	c.successOnly = r.successOnly
	c.redirectHandler = r.redirectHandler
	c.validator = r.validator
	c.keepAlive = r.keepAlive
	c.outputListener = r.outputListener
	c.connectTimeout = r.connectTimeout
	c.readTimeout = r.readTimeout
	c.delay = r.delay
	c.headers = append([]header(nil), r.headers...)
	c.cookies = r.cookies.Copy()
	return c
}

// Perform starts a new session on the request's holder and executes it.
func (r *Request) Perform(ctx context.Context) (*Response, error) {
	client := r.holder.client
	s := r.holder.NewSession(r.uri, r.delay, client.opts.MaxAttempts)
	return client.Execute(ctx, s, r)
}
