package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/shardgate"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	closeWait      = time.Second
	maxReadSize    = 10 * 1024 * 1024
)

var errSendBufferFull = errors.New("send buffer full")

// connection is one socket incarnation of a shard. A shard opens a new
// connection on every spawn; the old one is closed and never reused.
type connection struct {
	id     string
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan []byte
	mu     sync.RWMutex
	closed bool
}

func newConnection(ws *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	ws.SetReadLimit(maxReadSize)
	return &connection{
		id:     uuid.New().String(),
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		sendCh: make(chan []byte, sendBufferSize),
	}
}

// enqueue hands a frame to the write pump without blocking.
func (c *connection) enqueue(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return shardgate.ErrConnectionClosed
	}

	// Keep the lock while sending to prevent race with close()
	select {
	case c.sendCh <- frame:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", c.id, errSendBufferFull)
	}
}

// close sends a close frame with code and reason, then closes the socket.
func (c *connection) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWait))

	close(c.sendCh)
	_ = c.ws.Close()
}

// writePump moves frames from the send channel to the socket. A write error
// closes the socket, which ends the read loop.
func (c *connection) writePump(onError func(error)) {
	defer c.ws.Close()

	for {
		select {
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}

			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				if onError != nil {
					onError(fmt.Errorf("connection %s: write: %w", c.id, err))
				}
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
