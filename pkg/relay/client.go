package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"
	"nostrswarm.dev/pkg/crypto/signer"
	"nostrswarm.dev/pkg/encoders/event"
	"nostrswarm.dev/pkg/encoders/tag"
	"nostrswarm.dev/pkg/encoders/timestamp"
	"nostrswarm.dev/pkg/verify"
)

const (
	defaultDialTimeout  = 7 * time.Second
	defaultPublishWait  = 7 * time.Second
	pingInterval        = 29 * time.Second
	clientAuthKind      = 22242 // NIP-42: ephemeral, not signed for broadcast
)

// Client owns one relay connection: dial/reconnect, the write queue, the
// read loop, OK-callback tracking for Publish, and NIP-42 AUTH. Its
// inbound dispatch is delegated entirely to a Mux.
//
// A write-queue goroutine serializes all outbound frames, a ping ticker
// keeps the connection alive, and a dedicated read loop classifies
// inbound frames and fans them out.
type Client struct {
	URL    string
	Signer signer.I // optional; used to answer NIP-42 AUTH challenges

	Mux *Mux

	closeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelCauseFunc

	t atomic.Pointer[transport]

	writeQueue chan writeRequest
	okCallback *xsync.MapOf[string, func(bool, string)]

	challenge atomic.Pointer[string]

	backoff *Backoff

	// disconnected is signalled (non-blocking) whenever the read or
	// write loop observes the transport has died, waking reconnectLoop
	// instead of having it poll.
	disconnected chan struct{}

	// dial opens a transport; tests substitute a fake here instead of
	// dialing a real relay.
	dial func(ctx context.Context, url string) (transport, error)
}

type writeRequest struct {
	msg    []byte
	answer chan error
}

// NewClient builds a client for one relay URL with its own Mux around
// sampler, which a pool shares across every relay it manages.
func NewClient(url string, sampler *verify.Sampler) *Client {
	c := &Client{
		URL:        url,
		writeQueue:   make(chan writeRequest),
		okCallback:   xsync.NewMapOf[string, func(bool, string)](),
		backoff:      NewBackoff(500*time.Millisecond, 60*time.Second),
		disconnected: make(chan struct{}, 1),
	}
	c.dial = func(ctx context.Context, url string) (transport, error) {
		return dialWS(ctx, url)
	}
	c.Mux = NewMux(url, sampler, c.enqueue)
	return c
}

// NewClientWithDialer builds a client that uses dial instead of a real
// websocket dial, for tests (e.g. pool tests that need a connected
// client without a live relay).
func NewClientWithDialer(url string, sampler *verify.Sampler, dial func(ctx context.Context, url string) (Transport, error)) *Client {
	c := NewClient(url, sampler)
	c.dial = dial
	return c
}

// Connect dials the relay and starts the write-queue and read-loop
// goroutines. The client's internal context is cancelled when the
// connection is permanently closed (via Close).
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancelCause(context.Background())

	t, err := c.dialOnce(ctx)
	if err != nil {
		return err
	}
	c.t.Store(&t)
	c.Mux.SetSender(c.enqueue)

	go c.writeLoop()
	go c.readLoop()
	go c.reconnectLoop()
	return nil
}

func (c *Client) dialOnce(ctx context.Context) (transport, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}
	t, err := c.dial(ctx, c.URL)
	if err != nil {
		return nil, newErr(ErrTransportIO, c.URL, "dial failed", err)
	}
	return t, nil
}

func (c *Client) currentTransport() transport {
	p := c.t.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			t := c.currentTransport()
			if t == nil {
				continue
			}
			if err := t.Ping(c.ctx); chk.E(err) {
				log.D.F("relay %s: ping failed, will reconnect: %v", c.URL, err)
				c.invalidateTransport()
			}
		case wr := <-c.writeQueue:
			t := c.currentTransport()
			if t == nil {
				wr.answer <- newErr(ErrTransportClosed, c.URL, "no active connection", nil)
				continue
			}
			log.T.F("relay %s: sending %s", c.URL, wr.msg)
			err := t.Write(c.ctx, wr.msg)
			wr.answer <- err
		}
	}
}

func (c *Client) readLoop() {
	for {
		t := c.currentTransport()
		if t == nil {
			return
		}
		raw, err := t.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.D.F("relay %s: read failed, will reconnect: %v", c.URL, err)
			c.invalidateTransport()
			continue
		}
		env, err := parseMessage(raw)
		if chk.E(err) {
			continue
		}
		switch env.Tag {
		case "AUTH":
			ch := env.Challenge
			c.challenge.Store(&ch)
			if c.Signer != nil {
				go func() {
					if err := c.Auth(c.ctx, c.Signer); chk.E(err) {
						log.E.F("relay %s: NIP-42 auth failed: %v", c.URL, err)
					}
				}()
			}
		case "OK":
			if cb, ok := c.okCallback.Load(env.OKEventID); ok {
				cb(env.OKAccepted, env.OKMessage)
			}
		default:
			c.Mux.HandleFrame(env)
		}
	}
}

// invalidateTransport drops the current transport so readLoop exits and
// wakes reconnectLoop.
func (c *Client) invalidateTransport() {
	var nilT transport
	c.t.Store(&nilT)
	select {
	case c.disconnected <- struct{}{}:
	default:
	}
}

func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.disconnected:
		}

		for {
			delay := c.backoff.Next()
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}

			nt, err := c.dialOnce(c.ctx)
			if err != nil {
				log.D.F("relay %s: reconnect failed, retrying: %v", c.URL, err)
				continue
			}
			c.t.Store(&nt)
			c.backoff.Reset()
			c.Mux.SetSender(c.enqueue)
			go c.readLoop()

			if err := c.Mux.Resubscribe(c.ctx); chk.E(err) {
				log.E.F("relay %s: resubscribe after reconnect failed: %v", c.URL, err)
			}
			break
		}
	}
}

// enqueue is the sender Mux uses to write REQ/CLOSE frames.
func (c *Client) enqueue(ctx context.Context, raw []byte) error {
	ch := make(chan error, 1)
	select {
	case c.writeQueue <- writeRequest{msg: raw, answer: ch}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return newErr(ErrTransportClosed, c.URL, "client closed", context.Cause(c.ctx))
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends EVENT and waits for the relay's OK.
func (c *Client) Publish(ctx context.Context, e *event.E) error {
	return c.publish(ctx, e.Id, eventEnvelope{Event: e}.MarshalJSON)
}

// Auth answers a NIP-42 AUTH challenge with a signed kind 22242 event.
// Blossom's kind 24242 auth shares this event shape; the relay auth kind
// is fixed by NIP-42.
func (c *Client) Auth(ctx context.Context, s signer.I) error {
	chPtr := c.challenge.Load()
	if chPtr == nil {
		return newErr(ErrUnauthorized, c.URL, "no pending AUTH challenge", nil)
	}
	authEvent := event.New()
	authEvent.CreatedAt = timestamp.Now()
	authEvent.Kind = clientAuthKind
	authEvent.Tags = tag.Tags{
		tag.T{"relay", c.URL},
		tag.T{"challenge", *chPtr},
	}
	if err := authEvent.Sign(s); err != nil {
		return newErr(ErrSignerFailed, c.URL, "sign auth event", err)
	}
	return c.publish(ctx, authEvent.Id, authEnvelope{Event: authEvent}.MarshalJSON)
}

func (c *Client) publish(ctx context.Context, id string, marshal func() ([]byte, error)) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPublishWait)
		defer cancel()
	}

	result := make(chan error, 1)
	c.okCallback.Store(id, func(ok bool, reason string) {
		if ok {
			result <- nil
		} else {
			result <- newErr(ErrServer, c.URL, reason, nil)
		}
	})
	defer c.okCallback.Delete(id)

	raw, err := marshal()
	if err != nil {
		return fmt.Errorf("relay: encode EVENT: %w", err)
	}
	if err := c.enqueue(ctx, raw); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return newErr(ErrTimeout, c.URL, "no OK before deadline", ctx.Err())
	}
}

// Close permanently shuts down the client: no more reconnects.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.cancel == nil {
		return nil
	}
	c.cancel(fmt.Errorf("relay: client closed"))
	cancel := c.cancel
	c.cancel = nil
	_ = cancel
	if t := c.currentTransport(); t != nil {
		return t.Close()
	}
	return nil
}
