package protocol

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/relink/internal/clock"
)

// Reader turns socket chunks into Messages. Chunks must be fed from one
// goroutine at a time (the socket's delivery goroutine); handlers run on
// that goroutine, outside the Reader's lock.
type Reader struct {
	clk       clock.Clock
	rec       Recorder
	onMessage func(*Message)
	onError   func(error)

	mu           sync.Mutex
	dec          *Decoder
	lastReadTime time.Time
	failed       bool

	disposed atomic.Bool
}

// NewReader returns a Reader emitting decoded messages to onMessage and the
// first framing error, if any, to onError. Bodies above maxSize bytes are a
// framing error (maxSize <= 0 disables the bound).
func NewReader(clk clock.Clock, rec Recorder, maxSize int, onMessage func(*Message), onError func(error)) *Reader {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Reader{
		clk:          clk,
		rec:          rec,
		onMessage:    onMessage,
		onError:      onError,
		dec:          NewDecoder(maxSize),
		lastReadTime: clk.Now(),
	}
}

// AcceptChunk buffers data and emits every message it completes. It stops
// early if a handler disposes the reader.
func (r *Reader) AcceptChunk(data []byte) {
	if len(data) == 0 || r.disposed.Load() {
		return
	}

	r.mu.Lock()
	r.lastReadTime = r.clk.Now()
	r.dec.Write(data)
	r.mu.Unlock()

	for !r.disposed.Load() {
		r.mu.Lock()
		if r.failed {
			r.mu.Unlock()
			return
		}
		msg, err := r.dec.Next()
		if err != nil {
			r.failed = true
		}
		r.mu.Unlock()

		if err != nil {
			if r.onError != nil {
				r.onError(err)
			}
			return
		}
		if msg == nil {
			return
		}

		r.rec.MessageRead(msg.Type, HeaderSize+len(msg.Data))
		r.onMessage(msg)
	}
}

// LastReadTime returns when the last non-empty chunk arrived (or when the
// reader was created).
func (r *Reader) LastReadTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReadTime
}

// ReadEntireBuffer removes and returns the bytes not yet decoded.
func (r *Reader) ReadEntireBuffer() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dec.ReadAll()
}

// Dispose stops message emission, also in the middle of AcceptChunk.
func (r *Reader) Dispose() {
	r.disposed.Store(true)
}
