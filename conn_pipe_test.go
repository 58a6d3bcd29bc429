package vibemesh

import (
	"errors"
	"sync"
)

// pipeConn is an in-process Conn for tests: two ends exchanging frames
// through buffered channels, with a pump goroutine per end delivering to
// the bound handlers.
type pipeConn struct {
	peer *pipeConn

	lk      sync.Mutex
	closed  bool
	reason  string
	inbox   chan []byte
	onFrame func([]byte)
	onClose func(error)

	closeOnce sync.Once
}

func newPipe() (*pipeConn, *pipeConn) {
	a := &pipeConn{inbox: make(chan []byte, 64)}
	b := &pipeConn{inbox: make(chan []byte, 64)}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *pipeConn) Bind(onFrame func([]byte), onClose func(error)) {
	c.onFrame = onFrame
	c.onClose = onClose
	go c.pump()
}

func (c *pipeConn) pump() {
	for frame := range c.inbox {
		c.onFrame(frame)
	}
	c.lk.Lock()
	reason := c.reason
	c.lk.Unlock()
	c.onClose(errors.New(reason))
}

func (c *pipeConn) Send(frame []byte) error {
	c.lk.Lock()
	closed := c.closed
	c.lk.Unlock()
	if closed {
		return ErrConnClosed
	}
	return c.peer.deliver(frame)
}

func (c *pipeConn) deliver(frame []byte) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return nil
	}
	c.inbox <- frame
	return nil
}

// Close terminates both ends, as a closed socket would.
func (c *pipeConn) Close(reason string) error {
	c.shutdown(reason)
	c.peer.shutdown(reason)
	return nil
}

func (c *pipeConn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.lk.Lock()
		c.closed = true
		c.reason = reason
		close(c.inbox)
		c.lk.Unlock()
	})
}
