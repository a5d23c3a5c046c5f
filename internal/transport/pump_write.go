package transport

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/SloMR/pastepoint/internal/monitoring"
)

// writePump is the only goroutine writing the socket. Queued frames are
// batched through one buffered writer to reduce syscalls; control frames
// bypass the buffer. Closing the socket on exit unblocks readPump.
func (c *Connection) writePump() {
	defer monitoring.RecoverPanic(c.logger, "writePump")

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(c.heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.writeFrame(writer, frame) {
				return
			}

			// Batch whatever else is already queued, then flush once.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if !c.writeFrame(writer, <-c.send) {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to flush writer")
				return
			}

		case payload := <-c.pongs:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPong, payload); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to write pong")
				return
			}

		case <-ticker.C:
			if c.heartbeatStale() {
				if c.metrics != nil {
					c.metrics.HeartbeatTimeouts.Inc()
				}
				c.logger.Info().Msg("Heartbeat timeout, closing connection")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to send ping")
				return
			}

		case <-c.done:
			c.drainAndClose(writer)
			return
		}
	}
}

func (c *Connection) writeFrame(writer *bufio.Writer, frame string) bool {
	if err := wsutil.WriteServerMessage(writer, ws.OpText, []byte(frame)); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to write frame")
		return false
	}
	if c.metrics != nil {
		c.metrics.MessagesSent.Inc()
		c.metrics.BytesSent.Add(float64(len(frame)))
	}
	return true
}

// drainAndClose flushes frames queued before shutdown, best effort, and
// says goodbye with a close frame.
func (c *Connection) drainAndClose(writer *bufio.Writer) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(writer, frame) {
				return
			}
		default:
			if err := writer.Flush(); err != nil {
				return
			}
			wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
			return
		}
	}
}
