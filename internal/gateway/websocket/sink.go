package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SinkState mirrors the transport's client state, consulted before every send.
type SinkState int

const (
	SinkConnecting SinkState = iota
	SinkConnected
	SinkClosing
	SinkClosed
)

func (s SinkState) String() string {
	switch s {
	case SinkConnecting:
		return "connecting"
	case SinkConnected:
		return "connected"
	case SinkClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Sink is the abstract per-connection transport the manager speaks to. The
// core is protocol-agnostic about the wire; the gorilla implementation below
// is the production sink, tests substitute fakes.
type Sink interface {
	// SendJSON writes one JSON message. It may block and may return a
	// closed-class or transient error.
	SendJSON(ctx context.Context, v any) error
	// Close shuts the transport down. Idempotent; a second call returns nil.
	Close(code int, reason string) error
	// State reports the transport's view of the connection.
	State() SinkState
}

// IsClosedError classifies a transport error as permanent "closed": further
// sends on this sink can never succeed.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, errSinkClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

// IsTransientError classifies a transport error as retryable.
func IsTransientError(err error) bool {
	if err == nil || IsClosedError(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

var errSinkClosed = errors.New("websocket: sink is closed")

// gorillaSink adapts a gorilla connection to the Sink contract. Writes are
// serialized by a mutex because gorilla permits one concurrent writer.
type gorillaSink struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex
	state  SinkState
	closed bool
}

// NewGorillaSink wraps an upgraded gorilla connection.
func NewGorillaSink(conn *websocket.Conn, writeWait time.Duration) Sink {
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &gorillaSink{conn: conn, writeWait: writeWait, state: SinkConnected}
}

func (s *gorillaSink) SendJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SinkConnected {
		return errSinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return &EncodingError{Err: err}
	}

	deadline := time.Now().Add(s.writeWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = s.conn.SetWriteDeadline(deadline)

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if IsClosedError(err) {
			s.state = SinkClosed
		}
		return err
	}
	return nil
}

func (s *gorillaSink) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.state = SinkClosed

	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	return s.conn.Close()
}

func (s *gorillaSink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EncodingError marks a payload the transport cannot represent even after
// safe serialization. Never retried and never queued.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string { return "websocket: payload not encodable: " + e.Err.Error() }
func (e *EncodingError) Unwrap() error { return e.Err }
