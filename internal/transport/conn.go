// Package transport runs the two WebSocket listeners named in spec.md §6:
// the client session protocol and the node protocol. Both sides share the
// same connection shape, grounded on the asr_server session manager's
// SendQueue-plus-dedicated-sendLoop pattern: writes never block the
// reader goroutine, and a buffered channel plus an atomic closed flag
// keep a slow or dead peer from wedging the whole connection.
package transport

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lingua-speech/scheduler/internal/logging"
)

const sendQueueSize = 64
const maxSendErrors = 3

// conn wraps one live WebSocket with a buffered outbound queue and a
// dedicated writer goroutine, exactly the shape session-manager.go uses
// for its per-session Conn/SendQueue/sendLoop trio.
type conn struct {
	ws        *websocket.Conn
	sendQueue chan interface{}
	closed    int32
	sendErrs  int32
	log       *logging.Logger
}

func newConn(ws *websocket.Conn, log *logging.Logger) *conn {
	c := &conn{ws: ws, sendQueue: make(chan interface{}, sendQueueSize), log: log}
	go c.sendLoop()
	return c
}

// Send enqueues a message for the writer goroutine. Non-blocking: a full
// queue means a wedged peer, so the message is dropped rather than
// stalling the caller.
func (c *conn) Send(v interface{}) bool {
	if atomic.LoadInt32(&c.closed) == 1 {
		return false
	}
	select {
	case c.sendQueue <- v:
		return true
	default:
		c.log.Warn("send queue full, dropping message")
		return false
	}
}

func (c *conn) sendLoop() {
	for msg := range c.sendQueue {
		if atomic.LoadInt32(&c.closed) == 1 {
			continue
		}
		c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.ws.WriteJSON(msg); err != nil {
			if atomic.AddInt32(&c.sendErrs, 1) > maxSendErrors {
				c.Close()
			}
			continue
		}
		atomic.StoreInt32(&c.sendErrs, 0)
	}
}

// Close marks the connection closed and tears down the socket. Safe to
// call more than once.
func (c *conn) Close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.ws.Close()
	}
}

func (c *conn) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}
