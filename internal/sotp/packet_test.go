package sotp

import (
	"bytes"
	"testing"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Packet{
		{
			SessionID: 7,
			SeqNumber: 1,
			Ack:       0,
			DataLen:   2,
			Flags:     FlagSync,
			HasSync:   true,
			SyncType:  SyncRequestAuth,
			Content:   []byte{0xAB, 0xCD},
		},
		{
			SessionID: 7,
			SeqNumber: 42,
			Ack:       41,
			DataLen:   5,
			Flags:     0,
			Content:   []byte("hello"),
		},
		{
			SessionID: 7,
			SeqNumber: 43,
			Ack:       42,
			DataLen:   0,
			Flags:     FlagPush,
			Content:   nil,
		},
	}

	for _, want := range cases {
		encoded := want.Encode()
		got, errDecode := Decode(encoded)
		if errDecode != nil {
			t.Fatalf("decode failed: %v", errDecode)
		}
		if got.SessionID != want.SessionID || got.SeqNumber != want.SeqNumber ||
			got.Ack != want.Ack || got.DataLen != want.DataLen || got.Flags != want.Flags {
			t.Fatalf("header mismatch: got %+v want %+v", got, want)
		}
		if got.HasSync != want.HasSync || (got.HasSync && got.SyncType != want.SyncType) {
			t.Fatalf("sync sub-header mismatch: got %+v want %+v", got, want)
		}
		if !bytes.Equal(got.Content, want.Content) {
			t.Fatalf("content mismatch: got %v want %v", got.Content, want.Content)
		}
	}
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	if err == nil || err.Kind != ErrMalformedPacket {
		t.Fatalf("expected ErrMalformedPacket, got %v", err)
	}
}

func TestDecodeRejectsSyncWithoutSubHeader(t *testing.T) {
	raw := []byte{1, 0, 1, 0, 0, 0, 0, uint8(FlagSync)}
	_, err := Decode(raw)
	if err == nil || err.Kind != ErrMalformedPacket {
		t.Fatalf("expected ErrMalformedPacket, got %v", err)
	}
}

func TestDecodeRejectsDataLenMismatch(t *testing.T) {
	p := &Packet{SessionID: 1, SeqNumber: 1, Ack: 1, DataLen: 10, Content: []byte("short")}
	raw := p.Encode()
	// DataLen lies about the content length baked into the header.
	_, err := Decode(raw)
	if err == nil || err.Kind != ErrMalformedPacket {
		t.Fatalf("expected ErrMalformedPacket for data_len mismatch, got %v", err)
	}
}

func TestIsFlagActiveIsExactEquality(t *testing.T) {
	p := &Packet{Flags: FlagSync}
	if !p.IsFlagActive(FlagSync) {
		t.Fatal("expected SYNC flag active")
	}
	if p.IsFlagActive(FlagPush) {
		t.Fatal("did not expect PUSH flag active")
	}

	combined := &Packet{Flags: FlagSync | FlagPush}
	if combined.IsFlagActive(FlagSync) || combined.IsFlagActive(FlagPush) {
		t.Fatal("a packet carrying both bits should match neither single flag")
	}
}

func TestAnyContentAvailable(t *testing.T) {
	empty := &Packet{DataLen: 0, Content: nil}
	if empty.AnyContentAvailable() {
		t.Fatal("expected no content available")
	}
	full := &Packet{DataLen: 3, Content: []byte{1, 2, 3}}
	if !full.AnyContentAvailable() {
		t.Fatal("expected content available")
	}
}
