// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Sentinels returned by [*ByteBufferStream.TryReadByte].
const (
	// EOF indicates that the stream ended normally.
	EOF = -1

	// Nothing indicates that no byte is available yet.
	Nothing = -2
)

// ErrStreamClosed indicates that the stream is closed.
//
// Reads return it after the consumer called Close and after a producer
// failure has already been reported once.
var ErrStreamClosed = errors.New("byte buffer stream closed")

// StreamError wraps the cause with which the producer closed the queue.
type StreamError struct {
	Cause error
}

// Error implements error.
func (e *StreamError) Error() string {
	return "byte buffer stream failed: " + e.Cause.Error()
}

// Unwrap allows [errors.Is] and [errors.As] to reach the cause.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

type queueState int

const (
	queueOpen queueState = iota
	queueClosed
	queueFailed
)

// ByteBufferStream hands byte slices from a producer goroutine to a
// consumer goroutine that reads them as a stream.
//
// There must be at most one producer and one consumer at any time. The
// producer calls [*ByteBufferStream.Put] and eventually either
// [*ByteBufferStream.CloseQueue] or [*ByteBufferStream.CloseQueueWithError].
// The consumer uses the blocking [*ByteBufferStream.Read] and
// [*ByteBufferStream.ReadByte] or the non-blocking
// [*ByteBufferStream.TryRead] and [*ByteBufferStream.TryReadByte], and
// calls [*ByteBufferStream.Close] when done.
//
// Bytes are delivered in the order in which they were put.
//
// Construct using [NewByteBufferStream].
type ByteBufferStream struct {
	buffers  [][]byte
	cause    error
	closed   bool
	cond     *sync.Cond
	maxBytes int
	mu       sync.Mutex
	queued   int
	state    queueState
}

var (
	_ io.ReadCloser = &ByteBufferStream{}
	_ io.ByteReader = &ByteBufferStream{}
)

// NewByteBufferStream creates a new [*ByteBufferStream].
//
// When maxQueuedBytes is positive, Put blocks while the queue holds data and
// adding the new buffer would exceed maxQueuedBytes. Otherwise the queue is
// unbounded and Put never blocks.
func NewByteBufferStream(maxQueuedBytes int) *ByteBufferStream {
	s := &ByteBufferStream{maxBytes: max(maxQueuedBytes, 0)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Put enqueues buf and takes ownership of it.
//
// Returns false when the queue or the stream has been closed, in which case
// the producer should stop. Returns ctx.Err() if the context is done while
// waiting for room in a bounded queue.
func (s *ByteBufferStream) Put(ctx context.Context, buf []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxBytes > 0 {
		stop := context.AfterFunc(ctx, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer stop()
		for s.acceptingLocked() && s.queued > 0 && s.queued+len(buf) > s.maxBytes {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			s.cond.Wait()
		}
	}

	if !s.acceptingLocked() {
		return false, nil
	}
	if len(buf) > 0 {
		s.buffers = append(s.buffers, buf)
		s.queued += len(buf)
		s.cond.Broadcast()
	}
	return true, nil
}

func (s *ByteBufferStream) acceptingLocked() bool {
	return s.state == queueOpen && !s.closed
}

// CloseQueue signals the normal end of the stream.
//
// Buffered data remains readable. Calling it more than once, or after
// [*ByteBufferStream.CloseQueueWithError], has no effect.
func (s *ByteBufferStream) CloseQueue() {
	s.CloseQueueWithError(nil)
}

// CloseQueueWithError signals the end of the stream caused by err.
//
// Once the buffered data has been read, the next read returns a
// [*StreamError] wrapping err and subsequent reads return
// [ErrStreamClosed]. A nil err is equivalent to CloseQueue.
func (s *ByteBufferStream) CloseQueueWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != queueOpen {
		return
	}
	if err == nil {
		s.state = queueClosed
	} else {
		s.state, s.cause = queueFailed, err
	}
	s.cond.Broadcast()
}

// Read implements [io.Reader].
//
// Blocks until at least one byte is available or the stream ends and
// returns [io.EOF] at the normal end of the stream.
func (s *ByteBufferStream) Read(p []byte) (int, error) {
	return s.read(p, true)
}

// ReadByte implements [io.ByteReader] and blocks like Read.
func (s *ByteBufferStream) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := s.read(b[:], true); err != nil {
		return 0, err
	}
	return b[0], nil
}

// TryRead is the non-blocking version of Read.
//
// Returns 0 and a nil error when no data is available yet, and 0 and
// [io.EOF] at the normal end of the stream.
func (s *ByteBufferStream) TryRead(p []byte) (int, error) {
	return s.read(p, false)
}

// TryReadByte is the non-blocking version of ReadByte.
//
// Returns the byte value, [Nothing] when no data is available yet, or
// [EOF] at the normal end of the stream. Failures are returned as errors.
func (s *ByteBufferStream) TryReadByte() (int, error) {
	var b [1]byte
	n, err := s.read(b[:], false)
	switch {
	case errors.Is(err, io.EOF):
		return EOF, nil
	case err != nil:
		return 0, err
	case n == 0:
		return Nothing, nil
	default:
		return int(b[0]), nil
	}
}

func (s *ByteBufferStream) read(p []byte, block bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buffers) <= 0 || s.closed {
		if s.closed {
			return 0, ErrStreamClosed
		}
		switch s.state {
		case queueClosed:
			return 0, io.EOF
		case queueFailed:
			if err := s.takeCauseLocked(); err != nil {
				return 0, err
			}
			return 0, ErrStreamClosed
		}
		if !block || len(p) <= 0 {
			return 0, nil
		}
		s.cond.Wait()
	}

	var count int
	for count < len(p) && len(s.buffers) > 0 {
		head := s.buffers[0]
		n := copy(p[count:], head)
		count += n
		if n < len(head) {
			s.buffers[0] = head[n:]
			continue
		}
		s.buffers[0] = nil
		s.buffers = s.buffers[1:]
	}
	s.queued -= count
	if count > 0 {
		s.cond.Broadcast()
	}
	return count, nil
}

func (s *ByteBufferStream) takeCauseLocked() error {
	if s.cause == nil {
		return nil
	}
	err := &StreamError{Cause: s.cause}
	s.cause = nil
	return err
}

// Available returns the number of bytes that can be read without blocking.
//
// Returns zero after [*ByteBufferStream.Close].
func (s *ByteBufferStream) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return s.queued
}

// Close releases the stream on the consumer side.
//
// Buffered data is discarded, a producer blocked in Put wakes up and
// returns false, and subsequent reads return [ErrStreamClosed]. If the
// producer failed and the failure was not read yet, Close returns it
// wrapped in a [*StreamError].
func (s *ByteBufferStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.buffers, s.queued = nil, 0
	s.cond.Broadcast()
	return s.takeCauseLocked()
}
