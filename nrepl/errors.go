package nrepl

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIncomplete reports that a buffer ends before the bencode value it holds
// does. It is recoverable: read more bytes and retry. Every other codec
// failure is a *CodecError and means the input is malformed.
var ErrIncomplete = errors.New("nrepl: incomplete bencode value")

const previewBytes = 100

// ConnectionError wraps a transport-level I/O failure, including the peer
// closing the stream.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("nrepl: connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CodecError reports malformed bencode. Offset is the byte position in the
// buffer being decoded; Preview, when set, holds a hex dump of the buffer
// head for diagnostics.
type CodecError struct {
	Msg     string
	Offset  int
	Preview string
}

func (e *CodecError) Error() string {
	if e.Preview != "" {
		return fmt.Sprintf("nrepl: codec error at byte %d: %s (buffer preview: %s)", e.Offset, e.Msg, e.Preview)
	}
	return fmt.Sprintf("nrepl: codec error at byte %d: %s", e.Offset, e.Msg)
}

// ProtocolError reports a structurally valid message that is semantically
// wrong: a required field is missing, or a resource limit was exceeded.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "nrepl: protocol error: " + e.Msg
}

// SessionNotFoundError reports a session id that is not tracked by this
// connection. It is raised before any network I/O.
type SessionNotFoundError struct {
	ID string
}

func (e *SessionNotFoundError) Error() string {
	return "nrepl: session not found: " + e.ID
}

// OperationFailedError reports that the server explicitly failed the
// operation.
type OperationFailedError struct {
	Msg string
}

func (e *OperationFailedError) Error() string {
	return "nrepl: operation failed: " + e.Msg
}

// TimeoutError reports that an operation's deadline expired before the
// server completed it. The connection itself remains usable.
type TimeoutError struct {
	Op       string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("nrepl: timeout after %v while awaiting %s", e.Duration, e.Op)
}

func codecErr(msg string, offset int) *CodecError {
	return &CodecError{Msg: msg, Offset: offset}
}

func codecPreviewErr(msg string, offset int, buf []byte) *CodecError {
	return &CodecError{Msg: msg, Offset: offset, Preview: hexPreview(buf)}
}

func hexPreview(buf []byte) string {
	n := len(buf)
	if n > previewBytes {
		n = previewBytes
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%02x", buf[i])
	}
	return strings.Join(parts, " ")
}

// errorLabel buckets an operation error for metrics.
func errorLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		connErr     *ConnectionError
		codec       *CodecError
		proto       *ProtocolError
		notFound    *SessionNotFoundError
		failed      *OperationFailedError
		timedOutErr *TimeoutError
	)
	switch {
	case errors.As(err, &timedOutErr):
		return "timeout"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &codec):
		return "codec"
	case errors.As(err, &proto):
		return "protocol"
	case errors.As(err, &notFound):
		return "session_not_found"
	case errors.As(err, &failed):
		return "operation_failed"
	default:
		return "error"
	}
}
