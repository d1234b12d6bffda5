package chunk

import (
	"bytes"
	"errors"
	"testing"
)

func newStream(chunks ...string) *Stream {
	s := &Stream{}
	for _, c := range chunks {
		s.AcceptChunk([]byte(c))
	}
	return s
}

// TestStreamRead covers the exact-chunk, in-chunk and spanning read paths.
func TestStreamRead(t *testing.T) {
	testCases := []struct {
		name   string
		chunks []string
		reads  []int
		want   []string
		rest   int
	}{
		{"exact first chunk", []string{"abc", "def"}, []int{3}, []string{"abc"}, 3},
		{"within first chunk", []string{"abcdef"}, []int{2, 2}, []string{"ab", "cd"}, 2},
		{"spanning chunks", []string{"ab", "cd", "ef"}, []int{5}, []string{"abcde"}, 1},
		{"spanning then exact", []string{"ab", "cd", "ef"}, []int{4, 2}, []string{"abcd", "ef"}, 0},
		{"zero length", []string{"ab"}, []int{0, 2}, []string{"", "ab"}, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStream(tc.chunks...)
			for i, n := range tc.reads {
				got, err := s.Read(n)
				if err != nil {
					t.Fatalf("Read(%d) failed: %v", n, err)
				}
				if string(got) != tc.want[i] {
					t.Errorf("Read(%d) = %q, want %q", n, got, tc.want[i])
				}
			}
			if s.Len() != tc.rest {
				t.Errorf("Len() = %d, want %d", s.Len(), tc.rest)
			}
		})
	}
}

// TestStreamPeekDoesNotAdvance verifies Peek leaves the buffer intact.
func TestStreamPeekDoesNotAdvance(t *testing.T) {
	s := newStream("ab", "cd", "ef")

	for _, n := range []int{1, 2, 3, 6} {
		got, err := s.Peek(n)
		if err != nil {
			t.Fatalf("Peek(%d) failed: %v", n, err)
		}
		if want := "abcdef"[:n]; string(got) != want {
			t.Errorf("Peek(%d) = %q, want %q", n, got, want)
		}
	}
	if s.Len() != 6 {
		t.Fatalf("Len() = %d after peeks, want 6", s.Len())
	}

	got, _ := s.Read(6)
	if string(got) != "abcdef" {
		t.Errorf("Read(6) after peeks = %q", got)
	}
}

// TestStreamShortBuffer verifies over-reads fail without consuming anything.
func TestStreamShortBuffer(t *testing.T) {
	s := newStream("abc")

	if _, err := s.Read(4); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("Read(4) error = %v, want ErrShortBuffer", err)
	}
	if _, err := s.Peek(4); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("Peek(4) error = %v, want ErrShortBuffer", err)
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}

// TestStreamFastPathAliases verifies single-chunk reads do not copy.
func TestStreamFastPathAliases(t *testing.T) {
	buf := []byte("abcdef")
	s := &Stream{}
	s.AcceptChunk(buf)

	got, _ := s.Read(3)
	if &got[0] != &buf[0] {
		t.Error("in-chunk read copied the data")
	}
	got, _ = s.Read(3)
	if &got[0] != &buf[3] {
		t.Error("exact-chunk read copied the data")
	}
}

// TestStreamReadAll verifies ReadAll drains every chunk in order.
func TestStreamReadAll(t *testing.T) {
	s := newStream("ab", "", "cd")
	if got := s.ReadAll(); !bytes.Equal(got, []byte("abcd")) {
		t.Errorf("ReadAll() = %q, want %q", got, "abcd")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after ReadAll, want 0", s.Len())
	}
	if got := s.ReadAll(); len(got) != 0 {
		t.Errorf("ReadAll() on empty stream = %q", got)
	}
}
