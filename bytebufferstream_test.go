// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func mustPut(t *testing.T, s *ByteBufferStream, data string) {
	t.Helper()
	ok, err := s.Put(context.Background(), []byte(data))
	require.NoError(t, err)
	require.True(t, ok)
}

// Reading fully returns the concatenation of the buffers followed by EOF.
func TestByteBufferStreamFIFOAndEOF(t *testing.T) {
	t.Run("blocking reads", func(t *testing.T) {
		s := NewByteBufferStream(0)
		mustPut(t, s, "hello")
		mustPut(t, s, ", ")
		mustPut(t, s, "world")
		s.CloseQueue()

		data, err := io.ReadAll(s)
		require.NoError(t, err)
		assert.Equal(t, "hello, world", string(data))

		for range 3 {
			count, err := s.Read(make([]byte, 4))
			assert.Equal(t, 0, count)
			assert.ErrorIs(t, err, io.EOF)
		}
	})

	t.Run("non-blocking reads", func(t *testing.T) {
		s := NewByteBufferStream(0)
		mustPut(t, s, "abc")
		mustPut(t, s, "def")
		s.CloseQueue()

		var out []byte
		buf := make([]byte, 2)
		for {
			count, err := s.TryRead(buf)
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			out = append(out, buf[:count]...)
		}
		assert.Equal(t, "abcdef", string(out))

		value, err := s.TryReadByte()
		require.NoError(t, err)
		assert.Equal(t, EOF, value)
	})

	t.Run("byte by byte", func(t *testing.T) {
		s := NewByteBufferStream(0)
		mustPut(t, s, "ab")
		s.CloseQueue()

		b, err := s.ReadByte()
		require.NoError(t, err)
		assert.Equal(t, byte('a'), b)

		value, err := s.TryReadByte()
		require.NoError(t, err)
		assert.Equal(t, int('b'), value)

		_, err = s.ReadByte()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("CloseQueue is idempotent", func(t *testing.T) {
		s := NewByteBufferStream(0)
		s.CloseQueue()
		s.CloseQueue()
		s.CloseQueueWithError(errors.New("ignored"))

		_, err := s.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
		_, err = s.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})
}

// A read never consumes more than what was asked, even across buffers.
func TestByteBufferStreamPartialReads(t *testing.T) {
	s := NewByteBufferStream(0)
	mustPut(t, s, "abcd")
	mustPut(t, s, "ef")

	buf := make([]byte, 3)
	count, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:count]))

	buf = make([]byte, 8)
	count, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "def", string(buf[:count]))
}

// The producer failure surfaces once after the buffered data.
func TestByteBufferStreamCauseOnce(t *testing.T) {
	cause := errors.New("connection reset")
	s := NewByteBufferStream(0)
	mustPut(t, s, "partial")
	s.CloseQueueWithError(cause)

	buf := make([]byte, 64)
	count, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(buf[:count]))

	_, err = s.Read(buf)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.ErrorIs(t, err, cause)

	for range 3 {
		_, err = s.Read(buf)
		assert.ErrorIs(t, err, ErrStreamClosed)
		assert.NotErrorIs(t, err, cause)
	}

	_, err = s.TryReadByte()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

// A blocked reader wakes up when the producer fails.
func TestByteBufferStreamWakesOnFailure(t *testing.T) {
	cause := errors.New("mid-stream failure")
	s := NewByteBufferStream(0)

	errch := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 8))
		errch <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.CloseQueueWithError(cause)

	select {
	case err := <-errch:
		assert.ErrorIs(t, err, cause)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not wake up")
	}

	_, err := s.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrStreamClosed)
}

// Available accounts for the bytes not read yet.
func TestByteBufferStreamAvailable(t *testing.T) {
	s := NewByteBufferStream(0)
	assert.Equal(t, 0, s.Available())

	mustPut(t, s, "0123456789")
	mustPut(t, s, "abcde")
	assert.Equal(t, 15, s.Available())

	_, err := io.ReadFull(s, make([]byte, 12))
	require.NoError(t, err)
	assert.Equal(t, 3, s.Available())

	s.CloseQueue()
	assert.Equal(t, 3, s.Available())

	_, err = io.ReadFull(s, make([]byte, 3))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Available())

	s2 := NewByteBufferStream(0)
	mustPut(t, s2, "abc")
	require.NoError(t, s2.Close())
	assert.Equal(t, 0, s2.Available())
}

// Non-blocking reads report that nothing is available yet.
func TestByteBufferStreamNothingYet(t *testing.T) {
	s := NewByteBufferStream(0)

	count, err := s.TryRead(make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	value, err := s.TryReadByte()
	require.NoError(t, err)
	assert.Equal(t, Nothing, value)
}

// Closing on the consumer side stops the producer without errors.
func TestByteBufferStreamConsumerClose(t *testing.T) {
	t.Run("Put returns false", func(t *testing.T) {
		s := NewByteBufferStream(0)
		require.NoError(t, s.Close())

		ok, err := s.Put(context.Background(), []byte("x"))
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Read(make([]byte, 1))
		assert.ErrorIs(t, err, ErrStreamClosed)
		require.NoError(t, s.Close())
	})

	t.Run("blocked Put wakes up", func(t *testing.T) {
		s := NewByteBufferStream(4)
		mustPut(t, s, "1234")

		resch := make(chan bool, 1)
		go func() {
			ok, _ := s.Put(context.Background(), []byte("5"))
			resch <- ok
		}()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, s.Close())

		select {
		case ok := <-resch:
			assert.False(t, ok)
		case <-time.After(5 * time.Second):
			t.Fatal("producer did not wake up")
		}
	})

	t.Run("Close returns the unobserved cause", func(t *testing.T) {
		cause := errors.New("never read")
		s := NewByteBufferStream(0)
		s.CloseQueueWithError(cause)

		err := s.Close()
		assert.ErrorIs(t, err, cause)
	})

	t.Run("Put after CloseQueue returns false", func(t *testing.T) {
		s := NewByteBufferStream(0)
		s.CloseQueue()

		ok, err := s.Put(context.Background(), []byte("x"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// A bounded queue applies backpressure to the producer.
func TestByteBufferStreamBounded(t *testing.T) {
	t.Run("Put resumes after a read", func(t *testing.T) {
		s := NewByteBufferStream(4)
		mustPut(t, s, "abcd")

		resch := make(chan bool, 1)
		go func() {
			ok, _ := s.Put(context.Background(), []byte("ef"))
			resch <- ok
		}()

		select {
		case <-resch:
			t.Fatal("Put should be blocked")
		case <-time.After(20 * time.Millisecond):
		}

		_, err := io.ReadFull(s, make([]byte, 2))
		require.NoError(t, err)

		select {
		case ok := <-resch:
			assert.True(t, ok)
		case <-time.After(5 * time.Second):
			t.Fatal("producer did not resume")
		}
		assert.Equal(t, 4, s.Available())
	})

	t.Run("oversized buffer into an empty queue", func(t *testing.T) {
		s := NewByteBufferStream(4)
		mustPut(t, s, "0123456789")
		assert.Equal(t, 10, s.Available())
	})

	t.Run("context cancellation interrupts Put", func(t *testing.T) {
		s := NewByteBufferStream(4)
		mustPut(t, s, "abcd")

		ctx, cancel := context.WithCancel(context.Background())
		errch := make(chan error, 1)
		go func() {
			_, err := s.Put(ctx, []byte("e"))
			errch <- err
		}()

		time.Sleep(10 * time.Millisecond)
		cancel()

		select {
		case err := <-errch:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("producer did not wake up")
		}
	})
}

// Concurrent producer and consumer preserve the byte sequence.
func TestByteBufferStreamConcurrent(t *testing.T) {
	for _, bound := range []int{0, 16} {
		s := NewByteBufferStream(bound)

		var expect bytes.Buffer
		chunks := make([][]byte, 0, 500)
		for i := range 500 {
			chunk := bytes.Repeat([]byte{byte(i)}, 1+i%7)
			expect.Write(chunk)
			chunks = append(chunks, chunk)
		}

		var got []byte
		group, ctx := errgroup.WithContext(context.Background())
		group.Go(func() error {
			defer s.CloseQueue()
			for _, chunk := range chunks {
				if _, err := s.Put(ctx, chunk); err != nil {
					return err
				}
			}
			return nil
		})
		group.Go(func() error {
			data, err := io.ReadAll(s)
			got = data
			return err
		})

		require.NoError(t, group.Wait())
		assert.Equal(t, expect.Bytes(), got)
	}
}
