package sotp

import "encoding/binary"

// Packet is one SOTP frame: the fixed 8-byte mandatory header, an
// optional 1-byte sync_type sub-header present iff Flags carries SYNC,
// and a variable-length content payload.
type Packet struct {
	SessionID uint8
	SeqNumber uint16
	Ack       uint16
	DataLen   uint16
	Flags     Flags

	HasSync  bool
	SyncType SyncType

	Content []byte
}

// IsFlagActive reports whether Flags is exactly checkFlag. The protocol
// never combines SYNC and PUSH in one packet, so this is an equality
// test, not a bitmask test: a packet carrying both would match neither.
func (p *Packet) IsFlagActive(checkFlag Flags) bool {
	return p.Flags == checkFlag
}

// IsSyncType reports whether p carries a sync sub-header of the given
// type.
func (p *Packet) IsSyncType(checkType SyncType) bool {
	return p.HasSync && p.SyncType == checkType
}

// AnyContentAvailable reports whether p carries a non-empty payload.
func (p *Packet) AnyContentAvailable() bool {
	return p.DataLen > 0 && len(p.Content) > 0
}

// Encode writes p as its wire representation: big-endian mandatory
// header, the sync_type byte iff HasSync, then content.
func (p *Packet) Encode() []byte {
	size := HeaderSize + len(p.Content)
	if p.HasSync {
		size += OptionalHeaderSize
	}
	out := make([]byte, size)
	out[0] = p.SessionID
	binary.BigEndian.PutUint16(out[1:3], p.SeqNumber)
	binary.BigEndian.PutUint16(out[3:5], p.Ack)
	binary.BigEndian.PutUint16(out[5:7], p.DataLen)
	out[7] = uint8(p.Flags)

	offset := HeaderSize
	if p.HasSync {
		out[offset] = uint8(p.SyncType)
		offset++
	}
	copy(out[offset:], p.Content)
	return out
}

// Decode parses raw into a Packet. It fails with ErrMalformedPacket if
// fewer than HeaderSize bytes are presented, if the SYNC flag is set
// without a trailing sync_type byte, or if data_len disagrees with the
// measured content length.
func Decode(raw []byte) (*Packet, *Error) {
	if len(raw) < HeaderSize {
		return nil, NewError(ErrMalformedPacket, "raw packet size %d is below minimum header size %d", len(raw), HeaderSize)
	}

	p := &Packet{
		SessionID: raw[0],
		SeqNumber: binary.BigEndian.Uint16(raw[1:3]),
		Ack:       binary.BigEndian.Uint16(raw[3:5]),
		DataLen:   binary.BigEndian.Uint16(raw[5:7]),
		Flags:     Flags(raw[7]),
	}

	body := raw[HeaderSize:]
	if p.Flags == FlagSync {
		if len(body) < OptionalHeaderSize {
			return nil, NewError(ErrMalformedPacket, "SYNC flag set but no sync_type byte present")
		}
		p.HasSync = true
		p.SyncType = SyncType(body[0])
		p.Content = body[OptionalHeaderSize:]
	} else {
		p.Content = body
	}

	if int(p.DataLen) != len(p.Content) {
		return nil, NewError(ErrMalformedPacket, "data_len %d disagrees with measured content length %d", p.DataLen, len(p.Content))
	}

	return p, nil
}
