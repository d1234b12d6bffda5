package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/relink/internal/clock"
	"github.com/1ureka/relink/internal/event"
	"github.com/1ureka/relink/internal/util"
)

// Persistent is a reliable, ordered message channel over a socket that may
// be replaced while the session lives on.
//
// Regular messages get monotonically increasing ids starting at 1 and stay
// queued until the peer acknowledges them; every message type carries the
// sender's current ack. A gap in incoming ids triggers a (throttled) replay
// request; duplicates are dropped. Keep-alives and timeouts watch the
// socket, but a timeout is only reported while the process is not itself
// overloaded.
//
// When the socket is lost the owner may call BeginAcceptReconnection with a
// new socket and EndAcceptReconnection once its handshake is done; all
// unacknowledged messages are then written again, in their original order,
// before anything sent later.
//
// Events are buffered until a listener subscribes. All methods are safe for
// concurrent use; listeners run outside the internal lock and may call back
// into the protocol.
type Persistent struct {
	opts Options
	clk  clock.Clock

	mu           sync.Mutex
	disposed     bool
	reconnecting bool
	deferred     []func()

	unacked       Queue[*Message]
	outgoingMsgID uint32
	outgoingAckID uint32

	incomingMsgID       uint32
	incomingAckID       uint32
	incomingMsgLastTime time.Time

	lastReplayRequestTime time.Time

	ackTimeoutTimer       clock.Timer // our oldest unacked message
	ackSendTimer          clock.Timer // deferred standalone ack
	keepAliveSendTimer    clock.Timer
	keepAliveTimeoutTimer clock.Timer

	sock         Socket
	writer       *Writer
	reader       *Reader
	socketUnsubs []func()

	onMessage        event.Buffered[[]byte]
	onControlMessage event.Buffered[[]byte]
	onDidDispose     event.Buffered[struct{}]
	onSocketClose    event.Buffered[CloseEvent]
	onSocketTimeout  event.Buffered[struct{}]
}

// NewPersistent binds a new session to sock. initialChunk holds bytes that
// arrived before the protocol took over the socket (e.g. read together with
// a handshake); they are decoded before anything read from sock.
func NewPersistent(sock Socket, initialChunk []byte, opts Options) *Persistent {
	opts = opts.withDefaults()
	p := &Persistent{opts: opts, clk: opts.Clock}

	p.mu.Lock()
	r := p.bindLocked(sock)
	p.mu.Unlock()

	p.startReading(r, sock, initialChunk)

	p.mu.Lock()
	p.sendKeepAliveCheckLocked()
	p.recvKeepAliveCheckLocked()
	p.unlock()

	return p
}

// unlock releases p.mu and then runs the work deferred while it was held:
// event delivery must never happen under the lock.
func (p *Persistent) unlock() {
	deferred := p.deferred
	p.deferred = nil
	p.mu.Unlock()

	for _, fn := range deferred {
		fn()
	}
}

func (p *Persistent) afterUnlock(fn func()) {
	p.deferred = append(p.deferred, fn)
}

// bindLocked creates the reader and writer for sock. Reading starts in
// startReading, outside the lock.
func (p *Persistent) bindLocked(sock Socket) *Reader {
	p.sock = sock
	p.writer = NewWriter(sock, p.clk, p.opts.Scheduler, p.opts.Recorder)

	var r *Reader
	r = NewReader(p.clk, p.opts.Recorder, p.opts.MaxMessageSize,
		func(msg *Message) { p.receiveMessage(r, msg) },
		func(err error) { p.readFailed(r, err) },
	)
	p.reader = r
	return r
}

func (p *Persistent) startReading(r *Reader, sock Socket, initialChunk []byte) {
	if len(initialChunk) > 0 {
		r.AcceptChunk(initialChunk)
	}

	unsubClose := sock.OnClose(func(e CloseEvent) { p.socketClosed(r, e) })
	unsubData := sock.OnData(r.AcceptChunk)

	p.mu.Lock()
	if p.disposed || p.reader != r {
		// replaced or disposed while we were subscribing
		p.mu.Unlock()
		unsubData()
		unsubClose()
		return
	}
	p.socketUnsubs = append(p.socketUnsubs, unsubData, unsubClose)
	p.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// OnMessage subscribes to Regular payloads, delivered once each, in order.
func (p *Persistent) OnMessage(fn func([]byte)) (unsubscribe func()) {
	return p.onMessage.Subscribe(fn)
}

// OnControlMessage subscribes to Control payloads.
func (p *Persistent) OnControlMessage(fn func([]byte)) (unsubscribe func()) {
	return p.onControlMessage.Subscribe(fn)
}

// OnDidDispose fires when the peer sent Disconnect or AcceptDisconnect was
// called: the session is over.
func (p *Persistent) OnDidDispose(fn func()) (unsubscribe func()) {
	return p.onDidDispose.Subscribe(func(struct{}) { fn() })
}

// OnSocketClose fires when the bound socket closes or its byte stream turns
// out to be corrupt. The session itself survives and may be reconnected.
func (p *Persistent) OnSocketClose(fn func(CloseEvent)) (unsubscribe func()) {
	return p.onSocketClose.Subscribe(fn)
}

// OnSocketTimeout fires when the peer stopped reading or acknowledging while
// the local process was not overloaded. The socket is suspect.
func (p *Persistent) OnSocketTimeout(fn func()) (unsubscribe func()) {
	return p.onSocketTimeout.Subscribe(func(struct{}) { fn() })
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send queues data as the next Regular message and writes it unless a
// reconnection is in progress. The protocol takes ownership of data: it is
// kept for retransmission until acknowledged, so the caller must not modify
// it afterwards.
func (p *Persistent) Send(data []byte) {
	p.mu.Lock()
	defer p.unlock()
	if p.disposed {
		return
	}

	p.outgoingMsgID++
	p.incomingAckID = p.incomingMsgID
	msg := &Message{Type: TypeRegular, ID: p.outgoingMsgID, Ack: p.incomingAckID, Data: data}
	p.unacked.Push(msg)

	if !p.reconnecting {
		p.writer.Write(msg)
		p.recvAckCheckLocked()
	}
}

// SendControl writes data as a Control message right away, also during a
// reconnection. Control messages are not tracked and carry no ack: a lost
// one is not replayed, so callers repeat them after reconnecting.
func (p *Persistent) SendControl(data []byte) {
	p.mu.Lock()
	defer p.unlock()
	if p.disposed {
		return
	}
	p.writer.Write(&Message{Type: TypeControl, Data: data})
}

// SendDisconnect tells the peer the session is over and flushes.
func (p *Persistent) SendDisconnect() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	w := p.writer
	w.Write(&Message{Type: TypeDisconnect, Data: []byte{}})
	p.unlock()

	if err := w.Flush(); err != nil {
		util.Logf("%s: flushing disconnect: %v", p.opts.Name, err)
	}
}

// Flush hands pending writes to the socket now.
func (p *Persistent) Flush() error {
	p.mu.Lock()
	w := p.writer
	p.mu.Unlock()
	return w.Flush()
}

// Drain flushes and waits until the socket drained its buffers. It returns
// ErrDisposed once the protocol is disposed.
func (p *Persistent) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrDisposed
	}
	w := p.writer
	p.mu.Unlock()
	return w.Drain(ctx)
}

// ---------------------------------------------------------------------------
// Receiving
// ---------------------------------------------------------------------------

func (p *Persistent) receiveMessage(r *Reader, msg *Message) {
	p.mu.Lock()
	defer p.unlock()
	if p.disposed || p.reader != r {
		return
	}

	if msg.Ack > p.outgoingAckID {
		ack := msg.Ack
		if ack > p.outgoingMsgID {
			util.Logf("%s: peer acknowledged %d, only %d sent", p.opts.Name, ack, p.outgoingMsgID)
			ack = p.outgoingMsgID
		}
		p.outgoingAckID = ack
		for {
			first, ok := p.unacked.Peek()
			if !ok || first.ID > ack {
				break
			}
			p.unacked.Pop()
		}
	}

	switch msg.Type {
	case TypeRegular:
		switch {
		case msg.ID <= p.incomingMsgID:
			// already delivered
		case msg.ID != p.incomingMsgID+1:
			p.requestReplayLocked(msg.ID)
		default:
			p.incomingMsgID = msg.ID
			p.incomingMsgLastTime = p.clk.Now()
			p.sendAckCheckLocked()
			p.onMessage.Enqueue(msg.Data)
			p.afterUnlock(p.onMessage.Deliver)
		}

	case TypeControl:
		p.onControlMessage.Enqueue(msg.Data)
		p.afterUnlock(p.onControlMessage.Deliver)

	case TypeDisconnect:
		p.onDidDispose.Enqueue(struct{}{})
		p.afterUnlock(p.onDidDispose.Deliver)

	case TypeReplayRequest:
		if p.reconnecting {
			// EndAcceptReconnection rewrites the queue anyway
			return
		}
		p.resendUnackedLocked()
		p.recvAckCheckLocked()
	}
}

func (p *Persistent) requestReplayLocked(got uint32) {
	if p.reconnecting {
		return
	}
	now := p.clk.Now()
	if !p.lastReplayRequestTime.IsZero() && now.Sub(p.lastReplayRequestTime) <= p.opts.ReplayRequestThrottle {
		return
	}
	p.lastReplayRequestTime = now
	util.Logf("%s: expected message %d, got %d: requesting replay", p.opts.Name, p.incomingMsgID+1, got)
	p.writer.Write(&Message{Type: TypeReplayRequest, Data: []byte{}})
	p.opts.Recorder.ReplayRequested()
}

func (p *Persistent) resendUnackedLocked() {
	toSend := p.unacked.ToSlice()
	for _, msg := range toSend {
		p.writer.Write(msg)
	}
	if len(toSend) > 0 {
		p.opts.Recorder.Retransmitted(len(toSend))
	}
}

func (p *Persistent) socketClosed(r *Reader, e CloseEvent) {
	p.mu.Lock()
	defer p.unlock()
	if p.disposed || p.reader != r {
		return
	}
	p.onSocketClose.Enqueue(e)
	p.afterUnlock(p.onSocketClose.Deliver)
}

func (p *Persistent) readFailed(r *Reader, err error) {
	util.LogWarning("%s: dropping socket %s: %v", p.opts.Name, p.sockName(r), err)
	p.socketClosed(r, CloseEvent{Err: err})
}

func (p *Persistent) sockName(r *Reader) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reader == r {
		return p.sock.String()
	}
	return "(replaced)"
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

func (p *Persistent) paused() bool {
	return p.disposed || p.reconnecting
}

// sendKeepAliveCheckLocked writes a KeepAlive if nothing was written for
// KeepAliveTime and re-arms itself.
func (p *Persistent) sendKeepAliveCheckLocked() {
	if p.keepAliveSendTimer != nil || p.paused() {
		return
	}

	since := p.clk.Since(p.writer.LastWriteTime())
	if since >= p.opts.KeepAliveTime {
		p.writer.Write(&Message{Type: TypeKeepAlive, Data: []byte{}})
		since = 0
	}

	p.keepAliveSendTimer = p.clk.AfterFunc(p.opts.KeepAliveTime-since+timerSlack, func() {
		p.mu.Lock()
		defer p.unlock()
		p.keepAliveSendTimer = nil
		p.sendKeepAliveCheckLocked()
	})
}

// recvKeepAliveCheckLocked reports a timeout when nothing was read for
// KeepAliveTimeoutTime, unless we are the slow party.
func (p *Persistent) recvKeepAliveCheckLocked() {
	if p.keepAliveTimeoutTimer != nil || p.paused() {
		return
	}

	since := p.clk.Since(p.reader.LastReadTime())
	if since >= p.opts.KeepAliveTimeoutTime {
		if !p.opts.Load.HasHighLoad() {
			p.reportTimeoutLocked("keep-alive", since)
			return
		}
		util.Logf("%s: no data for %v but the process is under high load, waiting", p.opts.Name, since)
	}

	p.keepAliveTimeoutTimer = p.clk.AfterFunc(max(p.opts.KeepAliveTimeoutTime-since, 0)+timerSlack, func() {
		p.mu.Lock()
		defer p.unlock()
		p.keepAliveTimeoutTimer = nil
		p.recvKeepAliveCheckLocked()
	})
}

// sendAckCheckLocked sends a standalone Ack once AcknowledgeTime passed since
// an unacknowledged message arrived and nothing carried the ack meanwhile.
func (p *Persistent) sendAckCheckLocked() {
	if p.incomingMsgID <= p.incomingAckID {
		return
	}
	if p.ackSendTimer != nil || p.paused() {
		return
	}

	since := p.clk.Since(p.incomingMsgLastTime)
	if since >= p.opts.AcknowledgeTime {
		p.incomingAckID = p.incomingMsgID
		p.writer.Write(&Message{Type: TypeAck, Ack: p.incomingAckID, Data: []byte{}})
		return
	}

	p.ackSendTimer = p.clk.AfterFunc(p.opts.AcknowledgeTime-since+timerSlack, func() {
		p.mu.Lock()
		defer p.unlock()
		p.ackSendTimer = nil
		p.sendAckCheckLocked()
	})
}

// recvAckCheckLocked reports a timeout when our oldest unacknowledged message
// was written more than AcknowledgeTimeoutTime ago, unless we are the slow
// party.
func (p *Persistent) recvAckCheckLocked() {
	if p.outgoingMsgID <= p.outgoingAckID {
		return
	}
	if p.ackTimeoutTimer != nil || p.paused() {
		return
	}

	oldest, ok := p.unacked.Peek()
	if !ok {
		return
	}
	written := oldest.WrittenTime
	if written.IsZero() {
		written = p.clk.Now()
	}

	since := p.clk.Since(written)
	if since >= p.opts.AcknowledgeTimeoutTime {
		if !p.opts.Load.HasHighLoad() {
			p.reportTimeoutLocked("acknowledge", since)
			return
		}
		util.Logf("%s: message %d unacknowledged for %v but the process is under high load, waiting", p.opts.Name, oldest.ID, since)
	}

	p.ackTimeoutTimer = p.clk.AfterFunc(max(p.opts.AcknowledgeTimeoutTime-since, 0)+timerSlack, func() {
		p.mu.Lock()
		defer p.unlock()
		p.ackTimeoutTimer = nil
		p.recvAckCheckLocked()
	})
}

func (p *Persistent) reportTimeoutLocked(kind string, since time.Duration) {
	util.LogWarning("%s: %s timeout on %s after %v", p.opts.Name, kind, p.sock, since.Round(time.Millisecond))
	p.opts.Recorder.SocketTimeout(kind)
	p.onSocketTimeout.Enqueue(struct{}{})
	p.afterUnlock(p.onSocketTimeout.Deliver)
}

func (p *Persistent) stopTimersLocked() {
	for _, t := range []*clock.Timer{&p.ackTimeoutTimer, &p.ackSendTimer, &p.keepAliveSendTimer, &p.keepAliveTimeoutTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// ---------------------------------------------------------------------------
// Reconnection
// ---------------------------------------------------------------------------

// BeginAcceptReconnection moves the session onto sock. The old socket is
// closed first, then its reader and writer are disposed, and sock is read
// from with initialChunk decoded first. Until EndAcceptReconnection, Send
// only queues and the timers are paused. Buffered control, close and timeout
// events of the old socket are dropped. It reports false, leaving sock
// untouched, when the protocol is already disposed.
func (p *Persistent) BeginAcceptReconnection(sock Socket, initialChunk []byte) bool {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return false
	}

	p.reconnecting = true
	p.stopTimersLocked()
	oldSock, oldWriter, oldReader, unsubs := p.sock, p.writer, p.reader, p.socketUnsubs
	p.socketUnsubs = nil

	p.onControlMessage.Flush()
	p.onSocketClose.Flush()
	p.onSocketTimeout.Flush()

	p.lastReplayRequestTime = time.Time{}

	r := p.bindLocked(sock)
	p.unlock()

	for _, u := range unsubs {
		u()
	}
	// a peer that stopped reading blocks writes on the old socket until
	// it is closed
	if oldSock != sock {
		if err := oldSock.Close(); err != nil {
			util.Logf("%s: closing replaced socket %s: %v", p.opts.Name, oldSock, err)
		}
	}
	oldReader.Dispose()
	oldWriter.Dispose()

	p.startReading(r, sock, initialChunk)
	return true
}

// EndAcceptReconnection writes every unacknowledged message again, in order,
// and resumes the acknowledgement and keep-alive timers.
func (p *Persistent) EndAcceptReconnection() {
	p.mu.Lock()
	defer p.unlock()
	if p.disposed || !p.reconnecting {
		return
	}

	p.reconnecting = false
	p.opts.Recorder.Reconnected()

	p.resendUnackedLocked()
	p.recvAckCheckLocked()
	p.sendAckCheckLocked()
	p.sendKeepAliveCheckLocked()
	p.recvKeepAliveCheckLocked()
}

// AcceptDisconnect ends the session from the owner's side: OnDidDispose fires.
func (p *Persistent) AcceptDisconnect() {
	p.onDidDispose.Fire(struct{}{})
}

// ---------------------------------------------------------------------------
// Accessors & teardown
// ---------------------------------------------------------------------------

// UnacknowledgedCount returns how many sent Regular messages the peer has
// not acknowledged yet.
func (p *Persistent) UnacknowledgedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.outgoingMsgID - p.outgoingAckID)
}

// SinceLastIncomingData returns the time since bytes were last read.
func (p *Persistent) SinceLastIncomingData() time.Duration {
	p.mu.Lock()
	r := p.reader
	p.mu.Unlock()
	return p.clk.Since(r.LastReadTime())
}

// Socket returns the currently bound socket.
func (p *Persistent) Socket() Socket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sock
}

// ReadEntireBuffer removes and returns the bytes read but not yet decoded.
// A server uses it to pass what followed a handshake to the session the
// socket is handed to.
func (p *Persistent) ReadEntireBuffer() []byte {
	p.mu.Lock()
	r := p.reader
	p.mu.Unlock()
	return r.ReadEntireBuffer()
}

// Dispose stops every timer and disposes the socket's reader and writer.
// Pending writes get one bounded flush attempt; see Writer.Dispose. The
// socket itself is left open for its owner. Dispose is idempotent.
func (p *Persistent) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.stopTimersLocked()
	reader, writer, unsubs := p.reader, p.writer, p.socketUnsubs
	p.socketUnsubs = nil
	p.unlock()

	for _, u := range unsubs {
		u()
	}
	reader.Dispose()
	writer.Dispose()
}
