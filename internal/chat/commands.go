package chat

// Coordinator commands. Every mutation of the rooms tree travels through one
// channel so handling serialises without locks; replies use buffered
// channels the loop never blocks on.

type joinRoom struct {
	session  string
	room     string
	name     string
	clientID uint64
	sink     chan<- string
	reply    chan<- uint64
}

type leaveRoom struct {
	session  string
	room     string
	clientID uint64
}

type listRooms struct {
	session string
	reply   chan<- []string
}

type sendMessage struct {
	session string
	room    string
	sender  uint64
	frame   string
}

type sendFile struct {
	session  string
	room     string
	sender   uint64
	fileName string
	mimeType string
	data     []byte
}

type relaySignal struct {
	from    string
	to      string
	payload string
}

type validateAndRelaySignal struct {
	session string
	from    string
	to      string
	payload string
}

type cleanupSession struct {
	session string
}
