// Package wsconn implements the vibemesh transport contracts over
// websockets: every reachable address in the overlay is a ws:// or wss://
// URL and every frame is one text message.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibemesh/vibemesh"
)

const defaultHandshakeTimeout = 10 * time.Second

// Conn adapts one websocket connection to vibemesh.Conn. The read loop
// starts on Bind and delivers frames sequentially; the close handler fires
// exactly once, when the loop ends or Close is called.
type Conn struct {
	ws *websocket.Conn

	writeLk sync.Mutex

	onFrame func([]byte)
	onClose func(error)

	closeOnce sync.Once
}

// Wrap takes ownership of an established websocket connection.
func Wrap(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) Bind(onFrame func(frame []byte), onClose func(reason error)) {
	c.onFrame = onFrame
	c.onClose = onClose
	go c.readLoop()
}

func (c *Conn) readLoop() {
	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.terminate(err)
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

func (c *Conn) Send(frame []byte) error {
	c.writeLk.Lock()
	defer c.writeLk.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %w", vibemesh.ErrConnClosed, err)
	}
	return nil
}

// Close sends a close frame carrying reason, on a best-effort basis, then
// tears the connection down.
func (c *Conn) Close(reason string) error {
	c.writeLk.Lock()
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	c.writeLk.Unlock()
	c.terminate(fmt.Errorf("%w: %s", vibemesh.ErrConnClosed, reason))
	return nil
}

func (c *Conn) terminate(reason error) {
	c.closeOnce.Do(func() {
		c.ws.Close()
		if c.onClose != nil {
			c.onClose(reason)
		}
	})
}

// Dialer opens outbound websocket connections. The zero value is ready to
// use.
type Dialer struct {
	// HandshakeTimeout bounds the dial; defaults to 10s.
	HandshakeTimeout time.Duration
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (vibemesh.Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	wsd := websocket.Dialer{HandshakeTimeout: timeout}
	ws, res, err := wsd.DialContext(ctx, url, header)
	if err != nil {
		if res != nil {
			res.Body.Close()
		}
		return nil, fmt.Errorf("%w: %w", vibemesh.ErrConnClosed, err)
	}
	return Wrap(ws), nil
}
