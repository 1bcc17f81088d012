// Package transport implements the three physical reader protocols (serial,
// TCP/IP, Wiegand) behind a single capability contract. A transport turns a
// byte or pulse stream into decoded tag reads; connection lifecycle and
// reconnects belong to the owning reader session, never to the transport.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// RawRead is one decoded tag detection before it is stamped into a TagEvent
// by the reader session.
type RawRead struct {
	EPC         string
	RSSI        *float64
	AntennaPort *int
}

// Transport is the capability contract shared by all reader variants.
//
// Connect opens the underlying medium and fails with a TransportError of kind
// ConfigInvalid or IOFailure. ReadLoop blocks, invoking emit for every
// successfully decoded frame, until the context is cancelled, Close is
// called, or an I/O error occurs; decode failures are recovered locally and
// never end the loop. Close releases the medium and unblocks a running
// ReadLoop.
type Transport interface {
	Connect(ctx context.Context) error
	ReadLoop(ctx context.Context, emit func(RawRead)) error
	Close() error
}

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// ConfigInvalid marks a configuration rejected at registration. Never
	// retried.
	ConfigInvalid ErrorKind = iota
	// IOFailure marks a connectivity or stream error. The owning session
	// recovers it with backoff.
	IOFailure
	// FrameCorrupt marks a frame failing its checksum. Dropped, loop
	// continues.
	FrameCorrupt
	// FrameIncomplete marks a partial frame abandoned on idle timeout.
	FrameIncomplete
	// ParityError marks a Wiegand frame failing its parity check.
	ParityError
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigInvalid:
		return "config_invalid"
	case IOFailure:
		return "io_failure"
	case FrameCorrupt:
		return "frame_corrupt"
	case FrameIncomplete:
		return "frame_incomplete"
	case ParityError:
		return "parity_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// TransportError wraps a failure with its taxonomy kind so callers can decide
// between reject, drop-and-continue, and reconnect.
type TransportError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Errf builds a TransportError of the given kind from a format string.
func Errf(kind ErrorKind, format string, args ...any) error {
	return &TransportError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err. The second return is false when err
// is not a TransportError.
func KindOf(err error) (ErrorKind, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is a TransportError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ErrKeepAliveTimeout is returned by the TCP transport when the peer stays
// silent past the read timeout. The session treats it like any other stream
// end and reconnects.
var ErrKeepAliveTimeout = errors.New("keep-alive timeout: no data within read timeout")

// DecodeStats counts frames dropped by local decode recovery. Counters are
// updated from the read loop goroutine and may be read concurrently by
// monitoring.
type DecodeStats struct {
	FramesCorrupt    atomic.Uint64
	FramesIncomplete atomic.Uint64
	ParityErrors     atomic.Uint64
	FramesDecoded    atomic.Uint64
}

// Record classifies a decode error into the matching counter.
func (s *DecodeStats) Record(err error) {
	switch k, _ := KindOf(err); k {
	case FrameCorrupt:
		s.FramesCorrupt.Add(1)
	case FrameIncomplete:
		s.FramesIncomplete.Add(1)
	case ParityError:
		s.ParityErrors.Add(1)
	}
}
