package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/relink/internal/event"
	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/util"
)

const (
	HighWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	LowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this

	// maxChunkSize bounds a single DataChannel message; larger writes are
	// split, the receiver reassembles them as a byte stream.
	maxChunkSize = 16 * 1024
)

// ErrChannelClosed is returned by writes on a closed DataChannel.
var ErrChannelClosed = errors.New("data channel closed")

// Compile-time interface check.
var _ protocol.Socket = (*DataChannelSocket)(nil)

// DataChannelSocket is a protocol.Socket over a pion DataChannel, with
// high/low watermark backpressure on the send side.
type DataChannelSocket struct {
	dc     *webrtc.DataChannel
	closer func() error

	writeMu     sync.Mutex
	drainSignal chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once

	data  event.Buffered[[]byte]
	close event.Buffered[protocol.CloseEvent]

	stats *util.Stats
}

// newDataChannelSocket wires the receive and backpressure callbacks on dc.
// Messages arriving before anyone subscribes are buffered.
func newDataChannelSocket(dc *webrtc.DataChannel, closer func() error, stats *util.Stats) *DataChannelSocket {
	s := &DataChannelSocket{
		dc:          dc,
		closer:      closer,
		drainSignal: make(chan struct{}, 1),
		closed:      make(chan struct{}),
		stats:       stats,
	}

	dc.SetBufferedAmountLowThreshold(uint64(LowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if len(msg.Data) == 0 {
			return
		}
		if s.stats != nil {
			s.stats.AddRecv(len(msg.Data))
		}
		s.data.Fire(msg.Data)
	})

	return s
}

func (s *DataChannelSocket) OnData(fn func([]byte)) func() {
	return s.data.Subscribe(fn)
}

func (s *DataChannelSocket) OnClose(fn func(protocol.CloseEvent)) func() {
	return s.close.Subscribe(fn)
}

func (s *DataChannelSocket) fireClose(err error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		e := protocol.CloseEvent{Err: err}
		util.Logf("%s %s", s, e)
		s.close.Fire(e)
	})
}

// waitBelow blocks until bufferedAmount is at most limit, the channel
// closes or ctx is done.
func (s *DataChannelSocket) waitBelow(ctx context.Context, limit uint64) error {
	for s.dc.BufferedAmount() > limit {
		select {
		case <-s.drainSignal:
		case <-s.closed:
			return ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Write sends p in chunks of at most 16 KiB, blocking while the channel's
// send buffer is above the high-water mark.
func (s *DataChannelSocket) Write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for len(p) > 0 {
		if err := s.waitBelow(context.Background(), HighWaterMark); err != nil {
			return err
		}

		n := min(len(p), maxChunkSize)
		if err := s.dc.Send(p[:n]); err != nil {
			return fmt.Errorf("data channel send: %w", err)
		}
		if s.stats != nil {
			s.stats.AddSent(n)
		}
		p = p[n:]
	}
	return nil
}

// Drain waits until the send buffer fell below the low-water mark.
func (s *DataChannelSocket) Drain(ctx context.Context) error {
	return s.waitBelow(ctx, LowWaterMark)
}

// End closes the channel: DataChannels have no half-close.
func (s *DataChannelSocket) End() error {
	return s.Close()
}

// Close closes the DataChannel and its PeerConnection.
func (s *DataChannelSocket) Close() error {
	err := s.closer()
	s.fireClose(nil)
	return err
}

func (s *DataChannelSocket) String() string {
	id := uint16(0)
	if p := s.dc.ID(); p != nil {
		id = *p
	}
	return fmt.Sprintf("[dc %s#%d] webrtc", s.dc.Label(), id)
}
