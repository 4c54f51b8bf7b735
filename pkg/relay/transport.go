package relay

import (
	"context"

	"github.com/coder/websocket"
)

// transport abstracts the wire connection so tests can substitute an
// in-memory fake instead of dialing a real relay.
type transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Transport is transport's exported name, so callers outside this
// package (notably pool tests) can supply a fake dialer via
// NewClientWithDialer without a live relay.
type Transport = transport

// wsTransport is the coder/websocket-backed transport used outside
// tests.
type wsTransport struct {
	conn *websocket.Conn
}

func dialWS(ctx context.Context, url string) (*wsTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"nostr"},
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}, nil
}

const maxFrameBytes = 16 << 20

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}
