package sotp

import (
	"bytes"
	"testing"
)

func TestOverlayBufferNextChunkMarksPush(t *testing.T) {
	buf := NewOverlayBuffer()
	idx := NewIndex()
	idx.Add([]byte("aaa"))
	idx.Add([]byte("bbb"))
	buf.AddIndex(idx)

	chunk, push, ok := buf.NextChunk()
	if !ok || push || !bytes.Equal(chunk, []byte("aaa")) {
		t.Fatalf("unexpected first chunk: %q push=%v ok=%v", chunk, push, ok)
	}
	if !buf.AnyIndex() {
		t.Fatal("expected index still queued")
	}

	chunk, push, ok = buf.NextChunk()
	if !ok || !push || !bytes.Equal(chunk, []byte("bbb")) {
		t.Fatalf("unexpected second chunk: %q push=%v ok=%v", chunk, push, ok)
	}
	if buf.AnyIndex() {
		t.Fatal("expected index drained after its last chunk")
	}
}

func TestOverlayBufferFIFOAcrossIndices(t *testing.T) {
	buf := NewOverlayBuffer()
	first := NewIndex()
	first.Add([]byte("1"))
	second := NewIndex()
	second.Add([]byte("2"))
	buf.AddIndex(first)
	buf.AddIndex(second)

	c1, _, _ := buf.NextChunk()
	c2, _, _ := buf.NextChunk()
	if !bytes.Equal(c1, []byte("1")) || !bytes.Equal(c2, []byte("2")) {
		t.Fatalf("expected FIFO order, got %q then %q", c1, c2)
	}
}

func TestWrapperBufferDrainResets(t *testing.T) {
	buf := NewWrapperBuffer()
	buf.AddChunk([]byte("foo"))
	buf.AddChunk([]byte("bar"))

	chunks, ok := buf.Drain()
	if !ok || len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %v ok=%v", chunks, ok)
	}
	if !bytes.Equal(chunks[0], []byte("foo")) || !bytes.Equal(chunks[1], []byte("bar")) {
		t.Fatalf("unexpected chunk order: %v", chunks)
	}

	_, ok = buf.Drain()
	if ok {
		t.Fatal("expected empty buffer after drain")
	}
}
