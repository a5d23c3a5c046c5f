package transport

import (
	"errors"
	"io"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/SloMR/pastepoint/internal/chat"
	"github.com/SloMR/pastepoint/internal/monitoring"
	"github.com/SloMR/pastepoint/internal/protocol"
)

var (
	errPeerClosed      = errors.New("peer sent close frame")
	errMessageTooLarge = errors.New("message exceeds assembly limit")
)

// readPump reads frames until the peer goes away and dispatches data
// messages inline, so one connection's traffic is handled in arrival order.
// It owns teardown: every exit path detaches the connection from the
// coordinator and the session store.
func (c *Connection) readPump() {
	defer monitoring.RecoverPanic(c.logger, "readPump")
	defer c.teardown()

	if c.autoJoin {
		c.joinRoom(chat.MainRoom)
	}

	reader := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		MaxFrameSize:   protocol.MaxFrameSize,
		OnIntermediate: c.handleControl,
	}

	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			if errors.Is(err, wsutil.ErrFrameTooLarge) {
				c.protocolError()
			}
			return
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, reader); err != nil {
				return
			}
			continue
		}

		payload, err := readMessage(reader)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) || errors.Is(err, wsutil.ErrFrameTooLarge) {
				c.protocolError()
			}
			return
		}
		c.refreshHeartbeat()
		if c.metrics != nil {
			c.metrics.MessagesReceived.Inc()
			c.metrics.BytesReceived.Add(float64(len(payload)))
		}

		switch hdr.OpCode {
		case ws.OpText:
			if err := c.handleText(string(payload)); err != nil {
				return
			}
		case ws.OpBinary:
			c.handleBinary(payload)
		}
	}
}

// handleControl answers one control frame. Pongs go through the write pump
// so only one goroutine ever writes the socket. Any inbound frame counts as
// a heartbeat.
func (c *Connection) handleControl(hdr ws.Header, src io.Reader) error {
	payload := make([]byte, int(hdr.Length))
	if _, err := io.ReadFull(src, payload); err != nil {
		return err
	}
	switch hdr.OpCode {
	case ws.OpPing:
		c.refreshHeartbeat()
		c.enqueuePong(payload)
	case ws.OpPong:
		c.refreshHeartbeat()
	case ws.OpClose:
		return errPeerClosed
	}
	return nil
}

func (c *Connection) enqueuePong(payload []byte) {
	select {
	case c.pongs <- payload:
	default:
	}
}

// readMessage drains one complete message, transparently joining
// continuation frames, and enforces the assembled size cap.
func readMessage(reader *wsutil.Reader) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(reader, maxMessageSize+1))
	if err != nil {
		return nil, err
	}
	if len(payload) > maxMessageSize {
		return nil, errMessageTooLarge
	}
	return payload, nil
}

// protocolError tells the peer its frame was malformed. The caller returns
// right after, which flushes the error and closes the socket.
func (c *Connection) protocolError() {
	c.logger.Warn().Msg("Oversized or malformed message, closing connection")
	c.reply(protocol.SystemError("Invalid message format"))
}
