package protocol

import "errors"

// Errors raised while parsing and reassembling file-chunk frames. The texts
// are user-visible: the transport forwards them verbatim inside
// [SystemError] frames.
var (
	ErrIndexOutOfBounds = errors.New("Index out of bounds")
	ErrChunkMissing     = errors.New("Chunk Missing")
	ErrFileReassembly   = errors.New("File Reassembly Error")
	ErrMetadataParsing  = errors.New("Metadata Parsing Error")
	ErrInvalidFile      = errors.New("Invalid File")
)
