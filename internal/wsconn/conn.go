// Package wsconn wraps a gorilla websocket with a dedicated reader goroutine
// so that peer disconnects surface as context cancellation.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Message is one frame received from the peer.
type Message struct {
	Type int
	Data []byte
}

func (m Message) Binary() bool { return m.Type == websocket.BinaryMessage }

// Conn serializes writes and pumps reads into a channel. Its context ends
// when the peer goes away or Close is called.
type Conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	wmu  sync.Mutex
	msgs chan Message
	err  error

	closeOnce sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Accept upgrades an HTTP request. readLimit caps inbound message size.
func Accept(w http.ResponseWriter, r *http.Request, readLimit int64) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	return newConn(r.Context(), ws), nil
}

// Dial opens a client connection whose lifetime is bound to ctx.
func Dial(ctx context.Context, url string, handshakeTimeout time.Duration) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s failed (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s failed: %w", url, err)
	}
	return newConn(ctx, ws), nil
}

func newConn(parent context.Context, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		msgs:   make(chan Message),
	}
	go c.readLoop()
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.msgs)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			c.cancel()
			return
		}
		select {
		case c.msgs <- Message{Type: typ, Data: data}:
		case <-c.ctx.Done():
			c.err = c.ctx.Err()
			return
		}
	}
}

func (c *Conn) Context() context.Context { return c.ctx }

// Messages is closed once the read side fails; Err then reports why.
func (c *Conn) Messages() <-chan Message { return c.msgs }

func (c *Conn) Err() error { return c.err }

// Closed reports whether the peer went away as a normal close.
func Closed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

func (c *Conn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

// Forward writes m unchanged, preserving its frame type.
func (c *Conn) Forward(m Message) error {
	return c.write(m.Type, m.Data)
}

func (c *Conn) WriteJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) write(typ int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(typ, data)
}

// Close sends a normal close frame and tears the connection down. Safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		c.cancel()
		err = c.ws.Close()
	})
	return err
}
