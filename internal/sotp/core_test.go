package sotp

import (
	"bytes"
	"testing"
)

func TestStoreAndDecryptRoundTrip(t *testing.T) {
	core, err := NewCore([]byte("secret"), 3, 4)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	payload := []byte("hello world, this spans several chunks")
	core.StoreOverlayContent(payload)

	var reassembled []byte
	for {
		chunk, push, ok := core.BufOverlay.NextChunk()
		if !ok {
			t.Fatal("buffer exhausted before PUSH")
		}
		core.BufWrapper.AddChunk(chunk)
		reassembled = append(reassembled, chunk...)
		if push {
			break
		}
	}

	// Decrypting what was queued on the wrapper side, with a fresh
	// cipher of the same key, must reproduce the original payload.
	mirror, err2 := NewCore([]byte("secret"), 3, 4)
	if err2 != nil {
		t.Fatalf("NewCore mirror: %v", err2)
	}
	for _, chunk := range reassembled2Chunks(reassembled, 4) {
		mirror.BufWrapper.AddChunk(chunk)
	}
	plain, errDecrypt := mirror.DecryptWrapperData()
	if errDecrypt != nil {
		t.Fatalf("DecryptWrapperData: %v", errDecrypt)
	}
	if !bytes.Equal(plain, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", plain, payload)
	}
}

func reassembled2Chunks(data []byte, size int) [][]byte {
	var out [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	return out
}

func TestCheckForRetriesResetsAtMax(t *testing.T) {
	core, _ := NewCore([]byte("k"), 2, 64)
	if core.CheckForRetries() {
		t.Fatal("should not exhaust on first retry")
	}
	if core.CheckForRetries() {
		t.Fatal("should not exhaust on second retry")
	}
	if !core.CheckForRetries() {
		t.Fatal("should exhaust on reaching maxRetries")
	}
	// counter must have reset
	if core.CheckForRetries() {
		t.Fatal("should not exhaust immediately after reset")
	}
}

func TestCheckConfirmation(t *testing.T) {
	core, _ := NewCore([]byte("k"), 1, 64)
	_, err := core.CheckConfirmation(&Packet{Ack: 5})
	if err == nil {
		t.Fatal("expected error when nothing has been sent yet")
	}

	core.LastPacketSent = &Packet{SeqNumber: 5}
	ok, err := core.CheckConfirmation(&Packet{Ack: 5})
	if err != nil || !ok {
		t.Fatalf("expected confirmation to match, got ok=%v err=%v", ok, err)
	}
	ok, err = core.CheckConfirmation(&Packet{Ack: 6})
	if err != nil || ok {
		t.Fatalf("expected confirmation mismatch, got ok=%v err=%v", ok, err)
	}
}

func TestCheckTermination(t *testing.T) {
	core, _ := NewCore([]byte("k"), 1, 64)
	good := &Packet{SessionID: 1, SeqNumber: 1, Ack: 1, Flags: FlagSync, HasSync: true, SyncType: SyncSessionTermination}
	if !core.CheckTermination(good) {
		t.Fatal("expected valid termination packet to pass")
	}
	bad := &Packet{SessionID: 1, SeqNumber: 1, Ack: 1, Flags: FlagSync, HasSync: true, SyncType: SyncPollingRequest}
	if core.CheckTermination(bad) {
		t.Fatal("expected non-termination sync type to fail")
	}
}

func TestMaxSizeRejected(t *testing.T) {
	_, err := NewCore([]byte("k"), 1, MaxDataLen+1)
	sotpErr, ok := err.(*Error)
	if !ok || sotpErr.Kind != ErrConfigError {
		t.Fatalf("expected ErrConfigError for oversized maxSize, got %v", err)
	}
}
