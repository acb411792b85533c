package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next frame from the peer. The read deadline
	// is refreshed on every frame, including pongs.
	pongWait = 30 * time.Second

	// Ping cadence. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Consecutive full-buffer writes before the client is disconnected as
	// too slow.
	slowClientLimit = 3
)

var (
	errClientClosed = errors.New("client connection closed")
	errClientSlow   = errors.New("client send buffer full")
)

// client is the transport side of one WebSocket connection. It implements
// session.Sink: writes are queued on a buffered channel and drained by the
// write pump, which keeps per-connection ordering with one frame in flight.
type client struct {
	conn   net.Conn
	logger zerolog.Logger

	send chan []byte
	done chan struct{}

	// writeMu serializes all writes to conn: the write pump, the
	// close-time flush and the close frame itself.
	writeMu sync.Mutex

	closeOnce    sync.Once
	sendAttempts int32
	sessionID    int64
}

func newClient(conn net.Conn, bufferSize int, logger zerolog.Logger) *client {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &client{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}
}

// WriteMessage queues one frame for the write pump. A full buffer counts
// against the slow-client allowance; crossing it closes the connection.
func (c *client) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- data:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return nil
	default:
		attempts := atomic.AddInt32(&c.sendAttempts, 1)
		if attempts >= slowClientLimit {
			c.logger.Warn().
				Int64("session_id", atomic.LoadInt64(&c.sessionID)).
				Int32("consecutive_failures", attempts).
				Msg("Disconnecting slow client")
			_ = c.Close(int(ws.StatusPolicyViolation), "client too slow to process messages")
		}
		return errClientSlow
	}
}

// Close flushes frames still queued on the send channel, writes a close
// frame with the given code and tears the TCP connection down. The flush
// keeps final replies such as the GOODBYE echo from losing the race
// against the write pump. Safe to call more than once.
func (c *client) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.flushPending()
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// flushPending drains frames that were queued before the close so they
// reach the peer ahead of the close frame.
func (c *client) flushPending() {
	for {
		select {
		case message := <-c.send:
			if c.writeFrame(ws.OpText, message) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) writeFrame(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(c.conn, op, data)
}

// writePump drains the send channel onto the wire, one text frame per
// message, and keeps the connection alive with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close(int(ws.StatusAbnormalClosure), "")
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			if err := c.writeFrame(ws.OpText, message); err != nil {
				c.logger.Debug().
					Int64("session_id", atomic.LoadInt64(&c.sessionID)).
					Err(err).
					Msg("Failed to write frame")
				return
			}
		case <-ticker.C:
			if err := c.writeFrame(ws.OpPing, nil); err != nil {
				c.logger.Debug().
					Int64("session_id", atomic.LoadInt64(&c.sessionID)).
					Err(err).
					Msg("Failed to send ping")
				return
			}
		}
	}
}
