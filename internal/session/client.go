package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/relink/internal/clock"
	"github.com/1ureka/relink/internal/event"
	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/util"
)

// Dialer opens a new socket to the server.
type Dialer interface {
	Dial(ctx context.Context) (protocol.Socket, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context) (protocol.Socket, error)

func (f DialerFunc) Dial(ctx context.Context) (protocol.Socket, error) { return f(ctx) }

// Client is the dialing side of a session. When its socket is lost it
// redials with backoff and resumes the session until the grace time runs
// out.
type Client struct {
	opts   Options
	clk    clock.Clock
	dialer Dialer

	proto  *protocol.Persistent
	waiter *handshakeWaiter
	token  string

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	reconnecting bool
	closed       bool
	err          error
	finishOnce   sync.Once
	done         chan struct{}

	onDisconnect event.Buffered[error]
}

// Dial opens a session. Failed attempts are retried with backoff for up to
// ShortGraceTime; a rejection from the server is returned at once.
func Dial(ctx context.Context, d Dialer, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	c := &Client{
		opts:   opts,
		clk:    opts.Protocol.Clock,
		dialer: d,
		done:   make(chan struct{}),
	}

	start := c.clk.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 && c.clk.Since(start) >= opts.ShortGraceTime {
			return nil, fmt.Errorf("giving up after %d attempt(s): %w", attempt, lastErr)
		}
		if err := c.sleep(ctx, opts.backoff(attempt)); err != nil {
			return nil, err
		}

		err := c.connect(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		util.LogWarning("connection attempt %d failed: %v", attempt+1, err)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.proto.OnSocketClose(func(e protocol.CloseEvent) { c.socketLost(e.String()) })
	c.proto.OnSocketTimeout(func() { c.socketLost("timed out") })
	c.proto.OnDidDispose(func() { c.finish(ErrPeerDisconnected) })
	// a close between the handshake and the subscriptions above only
	// reached the waiter
	select {
	case <-c.waiter.closed:
		c.socketLost("closed")
	default:
	}
	return c, nil
}

// connect dials once and runs a fresh hello.
func (c *Client) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	sock, err := c.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	p := protocol.NewPersistent(sock, nil, c.opts.protocolOptions("client"))
	w := newHandshakeWaiter(p)
	p.SendControl(handshake{Type: handshakeHello}.encode())

	h, err := w.wait(ctx, c.clk, c.opts.HandshakeTimeout)
	if err == nil {
		switch h.Type {
		case handshakeOK:
			if h.Token != "" {
				c.proto, c.waiter, c.token = p, w, h.Token
				util.LogSuccess("session %s established on %s", c, sock)
				return nil
			}
			err = fmt.Errorf("%w: no session token", ErrRejected)
		case handshakeError:
			err = fmt.Errorf("%w: %s", ErrRejected, h.Message)
		default:
			err = fmt.Errorf("%w: unexpected %s", ErrRejected, h.Type)
		}
	}
	w.stop()
	p.Dispose()
	sock.Close()
	return err
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	fired := make(chan struct{})
	t := c.clk.AfterFunc(d, func() { close(fired) })
	defer t.Stop()
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) socketLost(reason string) {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	util.LogWarning("session %s: socket %s, reconnecting", c, reason)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	start := c.clk.Now()
	for attempt := 0; ; attempt++ {
		if err := c.sleep(c.ctx, c.opts.backoff(attempt)); err != nil {
			return
		}
		if c.clk.Since(start) >= c.opts.GraceTime {
			c.finish(ErrGraceExpired)
			return
		}

		err := c.reconnect()
		switch {
		case err == nil:
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			util.LogSuccess("session %s resumed after %d attempt(s)", c, attempt+1)
			return
		case errors.Is(err, ErrUnknownSession):
			c.finish(err)
			return
		case c.ctx.Err() != nil:
			return
		}
		util.LogWarning("reconnection attempt %d failed: %v", attempt+1, err)
	}
}

// reconnect dials once and presents the session token on the new socket.
func (c *Client) reconnect() error {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.HandshakeTimeout)
	defer cancel()

	sock, err := c.dialer.Dial(ctx)
	if err != nil {
		return err
	}

	c.waiter.drain()
	if !c.proto.BeginAcceptReconnection(sock, nil) {
		sock.Close()
		return protocol.ErrDisposed
	}
	c.proto.SendControl(handshake{Type: handshakeHello, Token: c.token, Reconnect: true}.encode())

	h, err := c.waiter.wait(ctx, c.clk, c.opts.HandshakeTimeout)
	if err != nil {
		return err
	}
	switch h.Type {
	case handshakeOK:
		c.proto.EndAcceptReconnection()
		return nil
	case handshakeError:
		return fmt.Errorf("%w: %s", ErrUnknownSession, h.Message)
	default:
		return fmt.Errorf("%w: unexpected %s", ErrRejected, h.Type)
	}
}

func (c *Client) finish(err error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		c.mu.Unlock()

		c.cancel()
		c.waiter.stop()
		c.proto.Socket().Close()
		c.proto.Dispose()
		close(c.done)

		if err != nil {
			util.LogWarning("session %s ended: %v", c, err)
			c.onDisconnect.Fire(err)
		}
	})
}

func (c *Client) String() string {
	if len(c.token) > 8 {
		return c.token[:8]
	}
	return c.token
}

// Token identifies the session across reconnections.
func (c *Client) Token() string { return c.token }

// Protocol exposes the underlying protocol, mostly for diagnostics.
func (c *Client) Protocol() *protocol.Persistent { return c.proto }

// Send queues data for the server.
func (c *Client) Send(data []byte) { c.proto.Send(data) }

// OnMessage subscribes to data from the server.
func (c *Client) OnMessage(fn func([]byte)) (unsubscribe func()) {
	return c.proto.OnMessage(fn)
}

// OnDisconnect fires once with the reason when the session ends for any
// reason other than Close.
func (c *Client) OnDisconnect(fn func(error)) (unsubscribe func()) {
	return c.onDisconnect.Subscribe(fn)
}

// Drain waits until queued data was handed to the network.
func (c *Client) Drain(ctx context.Context) error { return c.proto.Drain(ctx) }

// Done is closed when the session ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the session ended, nil while it is live or after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tells the server the session is over and releases it.
func (c *Client) Close() error {
	c.proto.SendDisconnect()
	if err := c.proto.Socket().End(); err != nil {
		util.Logf("session %s: ending socket: %v", c, err)
	}
	c.finish(nil)
	return nil
}
