package sotp

import "sync"

// Index is the ordered set of fixed-size chunks produced by splitting
// one overlay-side write after encryption. Popping its last chunk marks
// that chunk as PUSH.
type Index struct {
	chunks [][]byte
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{}
}

// Add appends chunk to the index.
func (i *Index) Add(chunk []byte) {
	i.chunks = append(i.chunks, chunk)
}

// OverlayBuffer is the outbound queue of Indices awaiting transmission.
// It is written by the data-ingest goroutine (AddIndex) and drained by
// the state-machine goroutine (NextChunk), so access is mutex-guarded.
type OverlayBuffer struct {
	mu   sync.Mutex
	data []*Index
}

// NewOverlayBuffer returns an empty OverlayBuffer.
func NewOverlayBuffer() *OverlayBuffer {
	return &OverlayBuffer{}
}

// AddIndex appends idx to the tail of the buffer.
func (b *OverlayBuffer) AddIndex(idx *Index) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, idx)
}

// NextChunk pops the head chunk of the head Index. push is true iff
// this chunk empties that Index, in which case the Index is also
// removed. ok is false if the buffer has no queued Index.
func (b *OverlayBuffer) NextChunk() (chunk []byte, push bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil, false, false
	}
	head := b.data[0]
	if len(head.chunks) == 0 {
		b.data = b.data[1:]
		return nil, false, false
	}
	chunk = head.chunks[0]
	head.chunks = head.chunks[1:]
	if len(head.chunks) == 0 {
		b.data = b.data[1:]
		return chunk, true, true
	}
	return chunk, false, true
}

// AnyIndex reports whether any Index is queued.
func (b *OverlayBuffer) AnyIndex() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) > 0
}

// WrapperBuffer accumulates inbound chunks since the last PUSH. Drain
// concatenates everything received so far and resets the buffer to a
// fresh Index.
type WrapperBuffer struct {
	mu   sync.Mutex
	data *Index
}

// NewWrapperBuffer returns an empty WrapperBuffer.
func NewWrapperBuffer() *WrapperBuffer {
	return &WrapperBuffer{data: NewIndex()}
}

// AddChunk appends chunk to the buffer.
func (b *WrapperBuffer) AddChunk(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data.Add(chunk)
}

// Drain returns every chunk buffered since the last Drain, in arrival
// order, and resets the buffer. ok is false if nothing was buffered.
func (b *WrapperBuffer) Drain() (chunks [][]byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data.chunks) == 0 {
		return nil, false
	}
	chunks = b.data.chunks
	b.data = NewIndex()
	return chunks, true
}
