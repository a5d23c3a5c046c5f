package protocol

// FileReassembler collects the chunks of a single file upload and stitches
// them back together once every chunk has arrived. Chunks may arrive out of
// order; a repeated index overwrites the earlier payload. It is not safe for
// concurrent use, matching the one-goroutine-per-connection read path.
type FileReassembler struct {
	total  int
	chunks map[int][]byte
}

// NewFileReassembler returns a reassembler expecting total chunks.
func NewFileReassembler(total int) *FileReassembler {
	return &FileReassembler{
		total:  total,
		chunks: make(map[int][]byte, total),
	}
}

// AddChunk stores the payload for a zero-based chunk index.
func (r *FileReassembler) AddChunk(index int, data []byte) error {
	if index < 0 || index >= r.total {
		return ErrIndexOutOfBounds
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	r.chunks[index] = buf
	return nil
}

// Complete reports whether every expected chunk has been received.
func (r *FileReassembler) Complete() bool {
	return len(r.chunks) == r.total
}

// Reassemble concatenates the chunks in index order.
func (r *FileReassembler) Reassemble() ([]byte, error) {
	size := 0
	for _, c := range r.chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for i := 0; i < r.total; i++ {
		c, ok := r.chunks[i]
		if !ok {
			return nil, ErrChunkMissing
		}
		out = append(out, c...)
	}
	return out, nil
}
