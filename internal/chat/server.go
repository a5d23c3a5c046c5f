// Package chat owns the session → room → client tree. A single goroutine
// consumes commands so tree mutations serialise without locks, and every
// delivery is a non-blocking send so one stuck client cannot stall the loop.
package chat

import (
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SloMR/pastepoint/internal/monitoring"
	"github.com/SloMR/pastepoint/internal/protocol"
)

// MainRoom is the room every connection lands in when auto-join is on. It is
// never removed by emptiness while its session lives.
const MainRoom = "main"

// DefaultCleanupInterval is how often sessions whose rooms are all empty get
// swept.
const DefaultCleanupInterval = time.Hour

const commandBuffer = 1024

type clientMetadata struct {
	name string
	sink chan<- string
}

type room map[uint64]clientMetadata

// Server is the coordinator. All public methods are safe for concurrent use;
// they enqueue commands for the single loop goroutine.
type Server struct {
	commands chan any
	sessions map[string]map[string]room

	cleanupInterval time.Duration
	metrics         *monitoring.Metrics
	logger          zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer builds a stopped coordinator. cleanupInterval <= 0 selects the
// default; metrics may be nil.
func NewServer(cleanupInterval time.Duration, metrics *monitoring.Metrics, logger zerolog.Logger) *Server {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &Server{
		commands:        make(chan any, commandBuffer),
		sessions:        make(map[string]map[string]room),
		cleanupInterval: cleanupInterval,
		metrics:         metrics,
		logger:          logger.With().Str("component", "chat_server").Logger(),
		done:            make(chan struct{}),
	}
}

// Start launches the coordinator loop under a supervisor that restarts it
// with a fresh tree after a panic. Clients reconnect and rebuild state.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.supervise()
}

// Shutdown stops the coordinator and waits for the loop to exit.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Server) supervise() {
	defer s.wg.Done()
	for {
		if s.runLoop() {
			return
		}
		s.resetTree()
		s.logger.Warn().Msg("Coordinator restarted with empty state")
	}
}

// runLoop consumes commands until shutdown. It reports true when told to
// stop and false when it died on a panic and wants a restart.
func (s *Server) runLoop() (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Coordinator panicked")
		}
	}()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return true
		case cmd := <-s.commands:
			s.dispatch(cmd)
		case <-ticker.C:
			s.sweepIdleSessions()
		}
	}
}

func (s *Server) resetTree() {
	s.sessions = make(map[string]map[string]room)
	if s.metrics != nil {
		s.metrics.RoomsActive.Set(0)
	}
}

// submit enqueues a command unless the server is shutting down.
func (s *Server) submit(cmd any) bool {
	select {
	case s.commands <- cmd:
		return true
	case <-s.done:
		return false
	}
}

// NewClientID returns a uniformly-random non-zero 64-bit client id.
func NewClientID() uint64 {
	for {
		if id := rand.Uint64(); id != 0 {
			return id
		}
	}
}

// Join adds a client to (session, room) and returns its effective client id.
// A zero clientID asks the coordinator to allocate one; re-adding an existing
// id keeps the existing entry. The call blocks until the coordinator has
// processed the join, so a caller observing the return is already a member.
func (s *Server) Join(session, roomName, name string, clientID uint64, sink chan<- string) uint64 {
	reply := make(chan uint64, 1)
	cmd := joinRoom{
		session:  session,
		room:     roomName,
		name:     name,
		clientID: clientID,
		sink:     sink,
		reply:    reply,
	}
	if !s.submit(cmd) {
		return clientID
	}
	select {
	case id := <-reply:
		return id
	case <-s.done:
		return clientID
	}
}

// Leave removes a client from (session, room). Unknown ids are ignored.
func (s *Server) Leave(session, roomName string, clientID uint64) {
	s.submit(leaveRoom{session: session, room: roomName, clientID: clientID})
}

// ListRooms returns the session's room names, sorted.
func (s *Server) ListRooms(session string) []string {
	reply := make(chan []string, 1)
	if !s.submit(listRooms{session: session, reply: reply}) {
		return nil
	}
	select {
	case rooms := <-reply:
		return rooms
	case <-s.done:
		return nil
	}
}

// SendMessage fans a text frame out to every member of (session, room)
// except the sender.
func (s *Server) SendMessage(session, roomName string, sender uint64, frame string) {
	s.submit(sendMessage{session: session, room: roomName, sender: sender, frame: frame})
}

// SendFile delivers a reassembled file to the room: the sender gets the ack
// frame, everyone else the file frame.
func (s *Server) SendFile(session, roomName string, sender uint64, fileName, mimeType string, data []byte) {
	s.submit(sendFile{
		session:  session,
		room:     roomName,
		sender:   sender,
		fileName: fileName,
		mimeType: mimeType,
		data:     data,
	})
}

// RelaySignal delivers a signaling payload to the first client named to,
// searching every session. Legacy path without membership validation.
func (s *Server) RelaySignal(from, to, payload string) {
	s.submit(relaySignal{from: from, to: to, payload: payload})
}

// ValidateAndRelaySignal delivers a signaling payload to the client named to
// inside session, provided from and to currently share a room. Violations
// are dropped with a warning.
func (s *Server) ValidateAndRelaySignal(session, from, to, payload string) {
	s.submit(validateAndRelaySignal{session: session, from: from, to: to, payload: payload})
}

// CleanupSession drops the whole session subtree. It implements the session
// store's Cleaner and backstops Leave, which already removes sessions whose
// last client left.
func (s *Server) CleanupSession(sessionID string) {
	s.submit(cleanupSession{session: sessionID})
}

func (s *Server) dispatch(cmd any) {
	switch c := cmd.(type) {
	case joinRoom:
		s.handleJoin(c)
	case leaveRoom:
		s.handleLeave(c)
	case listRooms:
		c.reply <- s.roomNames(c.session)
	case sendMessage:
		s.fanOutRoom(c.session, c.room, c.frame, c.sender)
	case sendFile:
		s.handleSendFile(c)
	case relaySignal:
		s.handleRelaySignal(c)
	case validateAndRelaySignal:
		s.handleValidatedSignal(c)
	case cleanupSession:
		s.dropSession(c.session)
	default:
		s.logger.Error().Type("command", cmd).Msg("Unknown coordinator command")
	}
}

func (s *Server) handleJoin(cmd joinRoom) {
	id := cmd.clientID
	if id == 0 {
		id = NewClientID()
	}

	rooms, ok := s.sessions[cmd.session]
	if !ok {
		rooms = make(map[string]room)
		s.sessions[cmd.session] = rooms
	}
	rm, ok := rooms[cmd.room]
	if !ok {
		rm = make(room)
		rooms[cmd.room] = rm
		if s.metrics != nil {
			s.metrics.RoomsActive.Inc()
		}
	}
	// Re-adding an existing id is a no-op; the existing entry wins.
	if _, taken := rm[id]; !taken {
		rm[id] = clientMetadata{name: cmd.name, sink: cmd.sink}
	}
	cmd.reply <- id

	s.logger.Debug().
		Str("session", cmd.session).
		Str("room", cmd.room).
		Str("name", cmd.name).
		Uint64("client", id).
		Msg("Client joined room")

	s.fanOutRoom(cmd.session, cmd.room, protocol.JoinNotice(cmd.name, cmd.room), id)
	s.broadcastRoomMembers(cmd.session, cmd.room)
	s.broadcastRoomList(cmd.session)
}

func (s *Server) handleLeave(cmd leaveRoom) {
	rooms, ok := s.sessions[cmd.session]
	if !ok {
		return
	}
	rm, ok := rooms[cmd.room]
	if !ok {
		return
	}
	delete(rm, cmd.clientID)
	if len(rm) == 0 && cmd.room != MainRoom {
		delete(rooms, cmd.room)
		if s.metrics != nil {
			s.metrics.RoomsActive.Dec()
		}
	}

	s.logger.Debug().
		Str("session", cmd.session).
		Str("room", cmd.room).
		Uint64("client", cmd.clientID).
		Msg("Client left room")

	if sessionEmptied(rooms) {
		s.dropSession(cmd.session)
		return
	}
	s.broadcastRoomList(cmd.session)
	s.broadcastRoomMembers(cmd.session, cmd.room)
}

func (s *Server) handleSendFile(cmd sendFile) {
	rm, ok := s.lookupRoom(cmd.session, cmd.room)
	if !ok {
		s.logger.Warn().
			Str("session", cmd.session).
			Str("room", cmd.room).
			Str("file", cmd.fileName).
			Msg("File for unknown room dropped")
		return
	}

	fileFrame := protocol.FileFrame(cmd.fileName, cmd.mimeType, cmd.data)
	ackFrame := protocol.AckFrame(cmd.fileName)

	var failed []uint64
	for id, member := range rm {
		frame := fileFrame
		if id == cmd.sender {
			frame = ackFrame
		}
		if !deliver(member.sink, frame) {
			failed = append(failed, id)
		}
	}
	s.evictAll(cmd.session, cmd.room, failed)

	if s.metrics != nil {
		s.metrics.FilesAssembled.Inc()
		s.metrics.FileBytes.Add(float64(len(cmd.data)))
	}
	s.logger.Info().
		Str("room", cmd.room).
		Str("file", cmd.fileName).
		Str("mime", cmd.mimeType).
		Int("bytes", len(cmd.data)).
		Msg("File fanned out")
}

func (s *Server) handleValidatedSignal(cmd validateAndRelaySignal) {
	if cmd.from == cmd.to {
		s.dropSignal(cmd.from, cmd.to, "self-addressed signal")
		return
	}
	if !s.usersShareRoom(cmd.session, cmd.from, cmd.to) {
		s.dropSignal(cmd.from, cmd.to, "peers do not share a room")
		return
	}
	if !s.relayWithin(cmd.session, cmd.to, cmd.payload) {
		s.dropSignal(cmd.from, cmd.to, "target not found")
	}
}

func (s *Server) handleRelaySignal(cmd relaySignal) {
	for session := range s.sessions {
		if s.relayWithin(session, cmd.to, cmd.payload) {
			return
		}
	}
	s.dropSignal(cmd.from, cmd.to, "target not found")
}

// relayWithin delivers the payload to the first client named to inside the
// session. Names are assumed unique; with duplicates an arbitrary one wins.
func (s *Server) relayWithin(session, to, payload string) bool {
	rooms, ok := s.sessions[session]
	if !ok {
		return false
	}
	frame := protocol.SignalFrame(payload)
	for roomName, rm := range rooms {
		for id, member := range rm {
			if member.name != to {
				continue
			}
			if deliver(member.sink, frame) {
				if s.metrics != nil {
					s.metrics.SignalsRelayed.Inc()
				}
				s.logger.Debug().Str("to", to).Str("room", roomName).Msg("Signal relayed")
			} else {
				s.evict(session, roomName, id)
				s.broadcastRoomList(session)
				s.dropSignal("", to, "target sink full")
			}
			return true
		}
	}
	return false
}

func (s *Server) dropSignal(from, to, reason string) {
	if s.metrics != nil {
		s.metrics.SignalsDropped.Inc()
	}
	s.logger.Warn().
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("Signal dropped")
}

// usersShareRoom reports whether some room of the session contains clients
// named a and b at the same time.
func (s *Server) usersShareRoom(session, a, b string) bool {
	rooms, ok := s.sessions[session]
	if !ok {
		return false
	}
	for _, rm := range rooms {
		var hasA, hasB bool
		for _, member := range rm {
			if member.name == a {
				hasA = true
			}
			if member.name == b {
				hasB = true
			}
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

func (s *Server) dropSession(session string) {
	rooms, ok := s.sessions[session]
	if !ok {
		return
	}
	delete(s.sessions, session)
	if s.metrics != nil {
		s.metrics.RoomsActive.Sub(float64(len(rooms)))
	}
	s.logger.Info().Str("session", session).Int("rooms", len(rooms)).Msg("Session removed")
}

// sweepIdleSessions reaps sessions whose rooms are all empty. Normally the
// last Leave already removed them; this catches evictions and abandoned
// subtrees.
func (s *Server) sweepIdleSessions() {
	var idle []string
	for session, rooms := range s.sessions {
		if sessionEmptied(rooms) {
			idle = append(idle, session)
		}
	}
	for _, session := range idle {
		s.dropSession(session)
	}
	if len(idle) > 0 {
		s.logger.Info().Int("sessions", len(idle)).Msg("Swept idle sessions")
	}
}

// fanOutRoom try-sends frame to every member of the room except exclude.
// Members whose sinks are full are treated as gone and evicted.
func (s *Server) fanOutRoom(session, roomName, frame string, exclude uint64) {
	rm, ok := s.lookupRoom(session, roomName)
	if !ok {
		return
	}
	var failed []uint64
	for id, member := range rm {
		if id == exclude {
			continue
		}
		if !deliver(member.sink, frame) {
			failed = append(failed, id)
		}
	}
	s.evictAll(session, roomName, failed)
}

func (s *Server) evictAll(session, roomName string, ids []uint64) {
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		s.evict(session, roomName, id)
	}
	s.broadcastRoomList(session)
}

// evict removes a client whose sink stopped draining.
func (s *Server) evict(session, roomName string, id uint64) {
	rooms, ok := s.sessions[session]
	if !ok {
		return
	}
	rm, ok := rooms[roomName]
	if !ok {
		return
	}
	if _, present := rm[id]; !present {
		return
	}
	delete(rm, id)
	if len(rm) == 0 && roomName != MainRoom {
		delete(rooms, roomName)
		if s.metrics != nil {
			s.metrics.RoomsActive.Dec()
		}
	}
	if s.metrics != nil {
		s.metrics.SlowClientEvictions.Inc()
	}
	s.logger.Warn().
		Str("session", session).
		Str("room", roomName).
		Uint64("client", id).
		Msg("Evicted unresponsive client")
}

// broadcastRoomList pushes the session's sorted room names to every client
// in every room. Failures here are dropped; the data paths evict.
func (s *Server) broadcastRoomList(session string) {
	rooms, ok := s.sessions[session]
	if !ok {
		return
	}
	frame := protocol.RoomList(sortedKeys(rooms))
	for _, rm := range rooms {
		for _, member := range rm {
			deliver(member.sink, frame)
		}
	}
}

// broadcastRoomMembers pushes the sorted member names of a room to everyone
// inside it.
func (s *Server) broadcastRoomMembers(session, roomName string) {
	rm, ok := s.lookupRoom(session, roomName)
	if !ok || len(rm) == 0 {
		return
	}
	names := make([]string, 0, len(rm))
	for _, member := range rm {
		names = append(names, member.name)
	}
	sort.Strings(names)
	frame := protocol.MemberList(names)
	for _, member := range rm {
		deliver(member.sink, frame)
	}
}

func (s *Server) roomNames(session string) []string {
	rooms, ok := s.sessions[session]
	if !ok {
		return nil
	}
	return sortedKeys(rooms)
}

func (s *Server) lookupRoom(session, roomName string) (room, bool) {
	rooms, ok := s.sessions[session]
	if !ok {
		return nil, false
	}
	rm, ok := rooms[roomName]
	return rm, ok
}

func deliver(sink chan<- string, frame string) bool {
	select {
	case sink <- frame:
		return true
	default:
		return false
	}
}

func sessionEmptied(rooms map[string]room) bool {
	for _, rm := range rooms {
		if len(rm) > 0 {
			return false
		}
	}
	return true
}

func sortedKeys(rooms map[string]room) []string {
	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
