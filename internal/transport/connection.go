package transport

import (
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/SloMR/pastepoint/internal/chat"
	"github.com/SloMR/pastepoint/internal/monitoring"
	"github.com/SloMR/pastepoint/internal/protocol"
	"github.com/SloMR/pastepoint/internal/session"
)

// Timing and buffer parameters of a connection.
const (
	writeWait         = 5 * time.Second
	heartbeatInterval = 120 * time.Second
	heartbeatTimeout  = 300 * time.Second
	keepAliveInterval = 3600 * time.Second

	sendBufferSize = 256
	pongBufferSize = 8

	// maxMessageSize caps an assembled message at one frame above the
	// signaling limit so an oversized signal is still read in full and
	// answered with a proper error instead of a stream desync.
	maxMessageSize = protocol.MaxSignalSize + protocol.MaxFrameSize
)

// errClientGone signals an orderly disconnect requested by the peer.
var errClientGone = errors.New("client requested disconnect")

// Connection is the per-socket state between one WebSocket peer and the
// coordinator. readPump owns every field not marked otherwise; writePump is
// the only goroutine writing the socket.
type Connection struct {
	conn  net.Conn
	hub   *chat.Server
	store *session.Store

	sessionID string
	clientID  uint64
	name      string
	room      string
	autoJoin  bool

	send     chan string   // frames from the coordinator and local replies
	pongs    chan []byte   // control replies routed through the write pump
	done     chan struct{} // closed once to stop both pumps
	stopOnce sync.Once

	lastHeartbeat atomic.Int64 // unix nanos, shared between pumps

	reassemblers map[string]*protocol.FileReassembler

	// Overridable in tests to avoid multi-minute waits.
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	metrics *monitoring.Metrics
	logger  zerolog.Logger
}

func newConnection(conn net.Conn, sessionID string, autoJoin bool, hub *chat.Server, store *session.Store, metrics *monitoring.Metrics, logger zerolog.Logger) *Connection {
	c := &Connection{
		conn:              conn,
		hub:               hub,
		store:             store,
		sessionID:         sessionID,
		clientID:          chat.NewClientID(),
		name:              randomDisplayName(),
		autoJoin:          autoJoin,
		send:              make(chan string, sendBufferSize),
		pongs:             make(chan []byte, pongBufferSize),
		done:              make(chan struct{}),
		reassemblers:      make(map[string]*protocol.FileReassembler),
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		metrics:           metrics,
	}
	c.logger = logger.With().
		Str("component", "connection").
		Str("session", sessionID).
		Str("name", c.name).
		Logger()
	c.refreshHeartbeat()
	return c
}

// Close asks both pumps to stop. Safe to call repeatedly and from any
// goroutine.
func (c *Connection) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Connection) refreshHeartbeat() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

func (c *Connection) heartbeatStale() bool {
	last := time.Unix(0, c.lastHeartbeat.Load())
	return time.Since(last) > c.heartbeatTimeout
}

// handleText routes one text message by its tag prefix.
func (c *Connection) handleText(text string) error {
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(trimmed, protocol.PrefixUserCommand):
		c.handleCommand(strings.TrimSpace(strings.TrimPrefix(trimmed, protocol.PrefixUserCommand)))
	case strings.HasPrefix(trimmed, protocol.PrefixSignalMessage):
		c.handleSignal(trimmed)
	case strings.HasPrefix(trimmed, protocol.PrefixUserDisconnected):
		return errClientGone
	default:
		c.reply(protocol.SystemError("Error Unknown command: Not Found"))
	}
	return nil
}

// handleCommand executes one slash command.
func (c *Connection) handleCommand(cmd string) {
	name, args, _ := strings.Cut(cmd, " ")
	switch name {
	case "/list":
		c.reply(protocol.RoomList(c.hub.ListRooms(c.sessionID)))
	case "/join":
		roomName := strings.TrimSpace(args)
		if roomName == "" {
			c.reply(protocol.SystemError("Room name is required"))
			return
		}
		c.joinRoom(roomName)
	case "/name":
		c.reply(protocol.NameReply(c.name))
	default:
		if strings.HasPrefix(name, "/") {
			c.reply(protocol.SystemError("Unknown command: " + name))
		} else {
			c.reply(protocol.SystemError("Error Unknown command: Not Found"))
		}
	}
}

// joinRoom moves the connection between rooms. Rejoining the current room is
// a no-op.
func (c *Connection) joinRoom(roomName string) {
	if c.room == roomName {
		return
	}
	if c.room != "" {
		c.hub.Leave(c.sessionID, c.room, c.clientID)
	}
	c.clientID = c.hub.Join(c.sessionID, roomName, c.name, c.clientID, c.send)
	c.room = roomName
	c.logger.Debug().Str("room", roomName).Msg("Joined room")
}

// handleSignal validates a signaling message and hands it to the coordinator
// for name-addressed relay.
func (c *Connection) handleSignal(text string) {
	if len(text) > protocol.MaxSignalSize {
		c.reply(protocol.SystemError("Signal message too large"))
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(text, protocol.PrefixSignalMessage))

	var sig struct {
		To string `json:"to"`
	}
	if err := json.Unmarshal([]byte(payload), &sig); err != nil {
		c.reply(protocol.SystemError("Invalid signaling message format"))
		return
	}
	if sig.To == "" {
		c.reply(protocol.SystemError("Signaling message missing 'to' field"))
		return
	}
	c.hub.ValidateAndRelaySignal(c.sessionID, c.name, sig.To, payload)
}

// handleBinary buffers one file chunk and fans the file out to the room once
// every chunk has arrived.
func (c *Connection) handleBinary(frame []byte) {
	meta, chunk, err := protocol.SplitFileFrame(frame)
	if err != nil {
		c.reply(protocol.SystemError(err.Error()))
		return
	}
	cm, err := protocol.ParseChunkMetadata(meta)
	if err != nil {
		c.reply(protocol.SystemError(err.Error()))
		return
	}

	r, ok := c.reassemblers[cm.FileName]
	if !ok {
		r = protocol.NewFileReassembler(cm.TotalChunks)
		c.reassemblers[cm.FileName] = r
	}
	if err := r.AddChunk(cm.CurrentChunk, chunk); err != nil {
		c.reply(protocol.SystemError(err.Error()))
		return
	}
	if !r.Complete() {
		return
	}
	delete(c.reassemblers, cm.FileName)

	data, err := r.Reassemble()
	if err != nil {
		c.reply(protocol.SystemError(err.Error()))
		return
	}
	c.hub.SendFile(c.sessionID, c.room, c.clientID, cm.FileName, cm.MimeType, data)
}

// reply queues a frame for this connection only, dropping it when the writer
// is backed up.
func (c *Connection) reply(frame string) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn().Msg("Reply dropped, send buffer full")
	}
}

// teardown detaches the connection from the coordinator and the session
// store, then stops the write pump. Runs exactly once, from readPump.
func (c *Connection) teardown() {
	if c.room != "" {
		c.hub.Leave(c.sessionID, c.room, c.clientID)
		c.room = ""
	}
	c.store.Release(c.sessionID)
	c.Close()
	if c.metrics != nil {
		c.metrics.ConnectionsActive.Dec()
	}
	c.logger.Info().Msg("Connection closed")
}
