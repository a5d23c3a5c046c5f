// Package protocol defines the PastePoint wire protocol: the tag-prefixed
// text frames exchanged over a WebSocket, the null-delimited binary framing
// for chunked file uploads, and the size limits the transport enforces.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Frame and message size limits.
const (
	MaxFrameSize  = 64 * 1024   // max payload of a single WebSocket frame
	MaxSignalSize = 1024 * 1024 // max byte length of a signaling message
)

// Inbound message prefixes.
const (
	PrefixUserCommand      = "[UserCommand]"
	PrefixSignalMessage    = "[SignalMessage]"
	PrefixUserDisconnected = "[UserDisconnected]"
)

// Outbound message prefixes.
const (
	PrefixSystemError   = "[SystemError]"
	PrefixSystemRooms   = "[SystemRooms]"
	PrefixSystemName    = "[SystemName]"
	PrefixSystemJoin    = "[SystemJoin]"
	PrefixSystemMembers = "[SystemMembers]"
)

// ChunkMetadata is the JSON header of a binary file-chunk frame. Chunk
// indexes are zero-based.
type ChunkMetadata struct {
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	TotalChunks  int    `json:"total_chunks"`
	CurrentChunk int    `json:"current_chunk"`
}

// SplitFileFrame splits a binary frame into its JSON metadata header and the
// chunk payload. The two parts are separated by the first zero byte.
func SplitFileFrame(frame []byte) (meta, chunk []byte, err error) {
	pos := bytes.IndexByte(frame, 0)
	if pos < 0 {
		return nil, nil, ErrInvalidFile
	}
	return frame[:pos], frame[pos+1:], nil
}

// ParseChunkMetadata decodes the metadata header of a file-chunk frame.
func ParseChunkMetadata(meta []byte) (ChunkMetadata, error) {
	var cm ChunkMetadata
	if err := json.Unmarshal(meta, &cm); err != nil {
		return ChunkMetadata{}, ErrMetadataParsing
	}
	if cm.TotalChunks <= 0 {
		return ChunkMetadata{}, ErrMetadataParsing
	}
	return cm, nil
}

// SystemError renders a user-visible error frame.
func SystemError(msg string) string {
	return PrefixSystemError + " " + msg
}

// RoomList renders the room-list broadcast for a session.
func RoomList(rooms []string) string {
	return PrefixSystemRooms + " " + strings.Join(rooms, ", ")
}

// MemberList renders the roster broadcast for a room.
func MemberList(names []string) string {
	return PrefixSystemMembers + " " + strings.Join(names, ", ")
}

// JoinNotice renders the notification sent to a room when a client joins.
func JoinNotice(name, room string) string {
	return fmt.Sprintf("%s %s %s", name, PrefixSystemJoin, room)
}

// NameReply renders the response to the /name command.
func NameReply(name string) string {
	return PrefixSystemName + " " + name
}

// SignalFrame renders a relayed signaling payload.
func SignalFrame(payload string) string {
	return PrefixSignalMessage + " " + payload
}

// FileFrame renders a reassembled file for room fan-out. The payload is
// base64 (standard alphabet, padded) so it survives the text channel.
func FileFrame(name, mime string, data []byte) string {
	return fmt.Sprintf("[SystemFile]:%s:%s:%s", name, mime, base64.StdEncoding.EncodeToString(data))
}

// AckFrame renders the acknowledgement sent to the uploader once a file has
// been fanned out.
func AckFrame(name string) string {
	return fmt.Sprintf("[SystemAck]: File '%s' sent successfully.", name)
}
