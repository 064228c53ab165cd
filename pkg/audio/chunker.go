package audio

// Chunker reslices a byte stream into fixed-size chunks. Outbound audio
// arrives from the upstream session in deltas of arbitrary length; the
// telephony side expects steady frames of one chunk duration each, so the
// bridge pushes deltas in and sends out whatever complete chunks fall out.
//
// Chunker is not safe for concurrent use.
type Chunker struct {
	size int
	rem  []byte
}

// NewChunker creates a Chunker emitting chunks of size bytes.
// Panics if size is not positive; chunk size is derived from configuration
// that is validated at load time.
func NewChunker(size int) *Chunker {
	if size <= 0 {
		panic("audio: chunk size must be positive")
	}
	return &Chunker{size: size}
}

// Size returns the chunk size in bytes.
func (c *Chunker) Size() int { return c.size }

// Push appends data to the stream and returns all complete chunks now
// available, in order. Each returned chunk is freshly allocated and exactly
// Size bytes long. Leftover bytes are held until the next Push or Flush.
func (c *Chunker) Push(data []byte) [][]byte {
	c.rem = append(c.rem, data...)
	if len(c.rem) < c.size {
		return nil
	}

	n := len(c.rem) / c.size
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		chunk := make([]byte, c.size)
		copy(chunk, c.rem[i*c.size:(i+1)*c.size])
		out = append(out, chunk)
	}
	c.rem = append(c.rem[:0], c.rem[n*c.size:]...)
	return out
}

// Flush returns any buffered partial chunk and clears the buffer. Returns
// nil when nothing is buffered. The final short chunk of an utterance goes
// out as-is rather than padded.
func (c *Chunker) Flush() []byte {
	if len(c.rem) == 0 {
		return nil
	}
	out := make([]byte, len(c.rem))
	copy(out, c.rem)
	c.rem = c.rem[:0]
	return out
}

// Pending returns the number of buffered bytes awaiting a complete chunk.
func (c *Chunker) Pending() int { return len(c.rem) }

// Reset discards any buffered bytes. Used when outbound audio is cleared on
// barge-in so stale tail bytes never leak into the next utterance.
func (c *Chunker) Reset() { c.rem = c.rem[:0] }
