package httpstream

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrOverflow is reported when a single message outgrows the stream's
// accumulator limit.
var ErrOverflow = errors.New("httpstream: message exceeds buffer limit")

// Stream accumulates the bytes of one direction of a connection and decodes
// messages from them as soon as they are complete. It implements io.Writer so
// it can sit on the side of a forwarding copy; Write never fails, whatever
// the bytes are.
//
// A Stream is fed by a single goroutine. Stop may be called from any goroutine.
type Stream[T any] struct {
	dir    Direction
	decode func([]byte) (T, []byte, error)
	emit   func(T)
	fault  func(Direction, error)
	max    int

	buf     []byte
	fed     atomic.Int64
	decoded atomic.Int64
	stopped atomic.Bool
}

// StreamOption configures a Stream.
type StreamOption func(*streamOptions)

type streamOptions struct {
	fault func(Direction, error)
	max   int
}

// WithFault sets the callback invoked once when the stream gives up decoding,
// either because the bytes are not HTTP or because a message got too large.
func WithFault(fn func(Direction, error)) StreamOption {
	return func(o *streamOptions) { o.fault = fn }
}

// WithMaxBuffer bounds the accumulator. Zero means unbounded.
func WithMaxBuffer(n int) StreamOption {
	return func(o *streamOptions) { o.max = n }
}

func newStream[T any](dir Direction, decode func([]byte) (T, []byte, error), emit func(T), opts []StreamOption) *Stream[T] {
	var o streamOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Stream[T]{
		dir:    dir,
		decode: decode,
		emit:   emit,
		fault:  o.fault,
		max:    o.max,
	}
}

// NewRequestStream returns a client-to-server stream that calls emit for
// every complete request, in arrival order.
func NewRequestStream(emit func(*Request), opts ...StreamOption) *Stream[*Request] {
	decode := func(b []byte) (*Request, []byte, error) {
		req, err := ParseRequest(b)
		if err != nil {
			return nil, nil, err
		}
		return req, req.Leftover, nil
	}
	return newStream(ClientToServer, decode, emit, opts)
}

// NewResponseStream returns a server-to-client stream that calls emit for
// every complete response. method is consulted before each decode attempt
// for the method of the request the next response answers ("" if unknown).
func NewResponseStream(method func() string, emit func(*Response), opts ...StreamOption) *Stream[*Response] {
	decode := func(b []byte) (*Response, []byte, error) {
		m := ""
		if method != nil {
			m = method()
		}
		resp, err := ParseResponse(b, m)
		if err != nil {
			return nil, nil, err
		}
		return resp, resp.Leftover, nil
	}
	return newStream(ServerToClient, decode, emit, opts)
}

// Write appends p to the accumulator and emits every message that is now
// complete. It always reports len(p) bytes written and a nil error.
func (s *Stream[T]) Write(p []byte) (int, error) {
	s.fed.Add(int64(len(p)))
	if s.stopped.Load() {
		s.buf = nil
		return len(p), nil
	}
	s.buf = append(s.buf, p...)
	s.drain()
	return len(p), nil
}

// drain decodes against the whole accumulator until it runs out of complete
// messages, so that several messages delivered in one read all come out.
func (s *Stream[T]) drain() {
	for len(s.buf) > 0 && !s.stopped.Load() {
		msg, leftover, err := s.decode(s.buf)
		switch {
		case err == nil:
			s.buf = leftover
			s.decoded.Add(1)
			s.emit(msg)
		case errors.Is(err, ErrIncomplete):
			if s.max > 0 && len(s.buf) > s.max {
				s.Stop(fmt.Errorf("%w (%d bytes buffered)", ErrOverflow, len(s.buf)))
			}
			return
		default:
			s.Stop(err)
		}
	}
	if s.stopped.Load() {
		s.buf = nil
	}
}

// Stop ends decoding; later writes are counted and discarded. A non-nil err
// is passed to the fault callback. Only the first call has any effect.
func (s *Stream[T]) Stop(err error) {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if err != nil && s.fault != nil {
		s.fault(s.dir, err)
	}
}

// Stopped reports whether the stream has stopped decoding.
func (s *Stream[T]) Stopped() bool {
	return s.stopped.Load()
}

// Direction returns the direction the stream decodes.
func (s *Stream[T]) Direction() Direction {
	return s.dir
}

// Buffered returns the number of bytes waiting for the rest of a message.
func (s *Stream[T]) Buffered() int {
	return len(s.buf)
}

// Fed returns the total number of bytes written to the stream.
func (s *Stream[T]) Fed() int64 {
	return s.fed.Load()
}

// Decoded returns the number of messages emitted so far.
func (s *Stream[T]) Decoded() int64 {
	return s.decoded.Load()
}
