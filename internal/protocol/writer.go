package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/relink/internal/clock"
	"github.com/1ureka/relink/internal/util"
)

// Writer serializes Messages onto a socket. Writes issued before the
// scheduled flush runs are coalesced into a single socket write.
type Writer struct {
	sock  Socket
	clk   clock.Clock
	sched Scheduler
	rec   Recorder

	// flushMu serializes socket writes so two flushes never interleave.
	flushMu sync.Mutex

	mu            sync.Mutex
	pending       []byte
	lastWriteTime time.Time
	disposed      bool
}

// NewWriter returns a Writer for sock. LastWriteTime starts at creation.
func NewWriter(sock Socket, clk clock.Clock, sched Scheduler, rec Recorder) *Writer {
	if sched == nil {
		sched = GoScheduler
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Writer{
		sock:          sock,
		clk:           clk,
		sched:         sched,
		rec:           rec,
		lastWriteTime: clk.Now(),
	}
}

// Write stamps msg.WrittenTime and buffers its wire form. The first write
// into an empty buffer schedules a flush. Writes after Dispose are ignored:
// late responses to a torn down session are expected.
func (w *Writer) Write(msg *Message) {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	now := w.clk.Now()
	msg.WrittenTime = now
	w.lastWriteTime = now
	wasEmpty := len(w.pending) == 0
	w.pending = AppendEncode(w.pending, msg)
	w.mu.Unlock()

	w.rec.MessageWritten(msg.Type, HeaderSize+len(msg.Data))

	if wasEmpty {
		w.sched.Schedule(func() {
			if err := w.Flush(); err != nil && !errors.Is(err, ErrDisposed) {
				util.Logf("%s: deferred flush failed: %v", w.sock, err)
			}
		})
	}
}

// Flush hands the pending bytes to the socket now. It returns ErrDisposed
// once the writer is disposed.
func (w *Writer) Flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return ErrDisposed
	}
	data := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	return w.sock.Write(data)
}

// Drain flushes and waits for the socket to drain its own buffers.
// It returns ErrDisposed once the writer is disposed.
func (w *Writer) Drain(ctx context.Context) error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.sock.Drain(ctx)
}

// LastWriteTime returns when the last message was written.
func (w *Writer) LastWriteTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastWriteTime
}

// disposeFlushWait bounds the final flush of Dispose. A peer that stopped
// reading can block a socket write until the socket is closed.
const disposeFlushWait = 250 * time.Millisecond

// Dispose stops accepting writes and hands what is pending to the socket,
// best effort: it waits at most disposeFlushWait for that final write.
func (w *Writer) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	data := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(data) == 0 {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.flushMu.Lock()
		defer w.flushMu.Unlock()
		// the socket may already be closed
		_ = w.sock.Write(data)
	}()

	t := time.NewTimer(disposeFlushWait)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		util.Logf("%s: final flush still blocked, giving up", w.sock)
	}
}
