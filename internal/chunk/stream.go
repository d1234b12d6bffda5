// Package chunk accumulates byte chunks read from a socket and serves
// exact-length reads across chunk boundaries.
package chunk

import "errors"

// ErrShortBuffer is returned when more bytes are requested than are buffered.
var ErrShortBuffer = errors.New("chunk: cannot read more bytes than buffered")

// Stream is a FIFO of byte chunks. It is not safe for concurrent use.
//
// Accepted chunks are owned by the Stream; slices returned by Read and Peek
// may alias them, so callers must not modify an accepted chunk afterwards.
type Stream struct {
	chunks [][]byte
	total  int
}

// Len returns the number of buffered bytes.
func (s *Stream) Len() int { return s.total }

// AcceptChunk appends buf. Empty chunks are ignored.
func (s *Stream) AcceptChunk(buf []byte) {
	if len(buf) == 0 {
		return
	}
	s.chunks = append(s.chunks, buf)
	s.total += len(buf)
}

// Read removes and returns exactly n bytes.
func (s *Stream) Read(n int) ([]byte, error) {
	return s.read(n, true)
}

// Peek returns exactly n bytes without removing them.
func (s *Stream) Peek(n int) ([]byte, error) {
	return s.read(n, false)
}

// ReadAll removes and returns everything buffered.
func (s *Stream) ReadAll() []byte {
	b, _ := s.read(s.total, true)
	return b
}

func (s *Stream) read(n int, advance bool) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	if n < 0 || n > s.total {
		return nil, ErrShortBuffer
	}

	first := s.chunks[0]

	// Exactly the first chunk: hand it over as is.
	if len(first) == n {
		if advance {
			s.chunks[0] = nil
			s.chunks = s.chunks[1:]
			s.total -= n
		}
		return first, nil
	}

	// Entirely inside the first chunk: sub-slice, no copy.
	if len(first) > n {
		if advance {
			s.chunks[0] = first[n:]
			s.total -= n
		}
		return first[:n:n], nil
	}

	result := make([]byte, n)
	off := 0
	idx := 0
	for off < n {
		c := s.chunks[idx]
		want := n - off
		if len(c) > want {
			// this chunk survives
			copy(result[off:], c[:want])
			off += want
			if advance {
				s.chunks[idx] = c[want:]
			}
			break
		}

		copy(result[off:], c)
		off += len(c)
		idx++
	}

	if advance {
		clear(s.chunks[:idx])
		s.chunks = s.chunks[idx:]
		s.total -= n
	}
	return result, nil
}
