package http

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Common errors. A *Error matches these with errors.Is.
var (
	ErrInterrupted       = errors.New("http: interrupted")
	ErrNotModified       = errors.New("http: not modified")
	ErrRangeNotSupported = errors.New("http: server does not support range requests")
	ErrNotFound          = errors.New("http: resource not found")
	ErrForbidden         = errors.New("http: access forbidden")
	ErrUnauthorized      = errors.New("http: unauthorized")
	ErrServerError       = errors.New("http: server error")
)

// ErrorType classifies failures that are not plain HTTP status errors.
type ErrorType int

const (
	ErrorUnknown ErrorType = iota
	ErrorUnsupportedScheme
	ErrorConnectionReset
	ErrorConnectTimeout
	ErrorReadTimeout
	ErrorInvalidCertificate
	ErrorSSL
	ErrorUnsafeRedirect
	ErrorRelayBlock
	ErrorDownload
	ErrorEmptyResponse
	ErrorInvalidResponse
)

var errorTypeNames = [...]string{
	ErrorUnknown:            "unknown",
	ErrorUnsupportedScheme:  "unsupported scheme",
	ErrorConnectionReset:    "connection reset",
	ErrorConnectTimeout:     "connect timeout",
	ErrorReadTimeout:        "read timeout",
	ErrorInvalidCertificate: "invalid certificate",
	ErrorSSL:                "ssl error",
	ErrorUnsafeRedirect:     "unsafe redirect",
	ErrorRelayBlock:         "blocked by relay",
	ErrorDownload:           "download error",
	ErrorEmptyResponse:      "empty response",
	ErrorInvalidResponse:    "invalid response",
}

func (t ErrorType) String() string {
	if t >= 0 && int(t) < len(errorTypeNames) {
		return errorTypeNames[t]
	}
	return fmt.Sprintf("error type %d", int(t))
}

// Error is the error returned by every operation of this package.
//
// An Error is exactly one of:
//   - a status error (IsStatus reports true) carrying the response code and message
//   - a typed fault with Type set
//   - a cancellation with Interrupted set
type Error struct {
	Type        ErrorType
	StatusCode  int
	Message     string
	Interrupted bool

	// Socket is set when the fault was raised by the connection rather than by
	// protocol or policy checks.
	Socket bool

	// Policy is set for faults that callers should report rather than retry,
	// such as an unsafe redirect or an unresolved relay block.
	Policy bool

	Err    error
	status bool
}

// NewError returns a fault of type t caused by err.
func NewError(t ErrorType, err error) *Error {
	return &Error{Type: t, Err: err}
}

// PolicyError returns a fault callers should report rather than retry.
func PolicyError(t ErrorType) *Error {
	return &Error{Type: t, Policy: true}
}

func socketError(t ErrorType, err error) *Error {
	return &Error{Type: t, Socket: true, Err: err}
}

// StatusError returns an error describing an HTTP response code.
func StatusError(code int, message string) *Error {
	return &Error{StatusCode: code, Message: message, status: true}
}

// InterruptedError returns a cancellation caused by err, which may be nil.
func InterruptedError(err error) *Error {
	return &Error{Interrupted: true, Err: err}
}

// IsStatus reports whether e describes an HTTP response code.
func (e *Error) IsStatus() bool {
	return e.status
}

func (e *Error) Error() string {
	switch {
	case e.Interrupted:
		return "http: interrupted"
	case e.status:
		if e.Message != "" {
			return fmt.Sprintf("http: %d %s", e.StatusCode, e.Message)
		}
		return fmt.Sprintf("http: %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("http: %s: %v", e.Type, e.Err)
	default:
		return "http: " + e.Type.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInterrupted:
		return e.Interrupted
	case ErrNotModified:
		return e.status && e.StatusCode == 304
	case ErrNotFound:
		return e.status && e.StatusCode == 404
	case ErrForbidden:
		return e.status && e.StatusCode == 403
	case ErrUnauthorized:
		return e.status && e.StatusCode == 401
	case ErrRangeNotSupported:
		return e.status && e.StatusCode == 416
	case ErrServerError:
		return e.status && e.StatusCode >= 500
	}
	return false
}

// IsInterrupted reports whether err is a cancellation rather than a fault.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

// StatusCode returns the HTTP response code carried by err, or -1.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) && e.status {
		return e.StatusCode
	}
	return -1
}

// TypeOf returns the fault type carried by err.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorUnknown
}

var resetMessages = []string{
	"connection reset by peer",
	"connection closed by peer",
	"unexpected end of stream",
	"connection refused",
	"broken pipe",
}

// isConnectionReset reports whether err means the peer dropped the connection
// and the request may be sent again.
func isConnectionReset(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, s := range resetMessages {
		if strings.Contains(message, s) {
			return true
		}
	}
	return false
}

// isProtocolVersionError reports the handshake failure raised by servers that
// only answer an SSLv3 hello.
func isProtocolVersionError(err error) bool {
	var alert tls.AlertError
	if errors.As(err, &alert) && alert == 70 {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "unsupported protocol version") ||
		strings.Contains(message, "protocol version not supported")
}

type handshakeTimeoutError struct {
	err error
}

func (e *handshakeTimeoutError) Error() string {
	return "tls handshake timed out: " + e.err.Error()
}

func (e *handshakeTimeoutError) Unwrap() error {
	return e.err
}

// classifyTransportError maps a connection level error to its fault type.
func classifyTransportError(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	if isConnectionReset(err) {
		return ErrorConnectionReset
	}
	var handshakeTimeout *handshakeTimeoutError
	if errors.As(err, &handshakeTimeout) {
		return ErrorConnectTimeout
	}
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownErr  x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &unknownErr) ||
		errors.As(err, &hostnameErr) || errors.As(err, &invalidErr) {
		return ErrorInvalidCertificate
	}
	var (
		recordErr tls.RecordHeaderError
		alertErr  tls.AlertError
	)
	if errors.As(err, &recordErr) || errors.As(err, &alertErr) || strings.Contains(err.Error(), "tls: ") {
		return ErrorSSL
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && opErr.Timeout() {
		return ErrorConnectTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorReadTimeout
	}
	return ErrorDownload
}

// TransportError converts a connection error into an *Error. Cancellation
// caused by Interrupt is reported as such and never as a fault.
func TransportError(err error, interrupted bool) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if interrupted {
		return InterruptedError(err)
	}
	return socketError(classifyTransportError(err), err)
}
