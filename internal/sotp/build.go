package sotp

// ReinitTriggerSeq is the seq_number value that, once acknowledged,
// triggers a reinit: one below the absolute 16-bit ceiling, leaving
// headroom for the reinit control packet itself to carry the true
// maximum value before both sides reset to a small known value.
const ReinitTriggerSeq = MaxMessages - 1

// NewInitPacket builds the client's session-initiation request: the
// 2-byte overlay tag travels unencrypted in the content field.
func NewInitPacket(tag [2]byte) *Packet {
	content := append([]byte(nil), tag[:]...)
	return &Packet{
		SessionID: 0,
		SeqNumber: 1,
		Ack:       0,
		DataLen:   uint16(len(content)),
		Flags:     FlagSync,
		HasSync:   true,
		SyncType:  SyncRequestAuth,
		Content:   content,
	}
}

// NewAuthResponsePacket builds the router's Response-Auth reply to a
// freshly minted session.
func NewAuthResponsePacket(req *Packet, sessionID uint8) *Packet {
	return &Packet{
		SessionID: sessionID,
		SeqNumber: 1,
		Ack:       req.SeqNumber,
		DataLen:   0,
		Flags:     FlagSync,
		HasSync:   true,
		SyncType:  SyncResponseAuth,
		Content:   []byte{},
	}
}

// NewPollRequestPacket builds the client's voluntary idle poll: a SYNC
// control packet carrying no payload.
func NewPollRequestPacket(sessionID uint8, seq, ack uint16) *Packet {
	return &Packet{
		SessionID: sessionID,
		SeqNumber: seq,
		Ack:       ack,
		DataLen:   0,
		Flags:     FlagSync,
		HasSync:   true,
		SyncType:  SyncPollingRequest,
		Content:   []byte{},
	}
}

// NewEmptyTransferPacket builds a plain, un-flagged data packet with
// no content: the client's confirmation-only reply and the server's
// idle response (nothing new to push back) share this exact shape.
func NewEmptyTransferPacket(sessionID uint8, seq, ack uint16) *Packet {
	return &Packet{
		SessionID: sessionID,
		SeqNumber: seq,
		Ack:       ack,
		DataLen:   0,
		Flags:     0,
		Content:   []byte{},
	}
}

// NewTransferPacket builds a data-carrying packet, PUSH set iff push.
func NewTransferPacket(sessionID uint8, seq, ack uint16, content []byte, push bool) *Packet {
	flags := Flags(0)
	if push {
		flags = FlagPush
	}
	return &Packet{
		SessionID: sessionID,
		SeqNumber: seq,
		Ack:       ack,
		DataLen:   uint16(len(content)),
		Flags:     flags,
		Content:   content,
	}
}

// NewReinitRequestPacket builds the client's reinit control packet,
// sent once its own seq_number reaches ReinitTriggerSeq.
func NewReinitRequestPacket(sessionID uint8, seq, ack uint16) *Packet {
	return &Packet{
		SessionID: sessionID,
		SeqNumber: seq,
		Ack:       ack,
		DataLen:   0,
		Flags:     FlagSync,
		HasSync:   true,
		SyncType:  SyncReinitializing,
		Content:   []byte{},
	}
}

// NewReinitResponsePacket builds the server's reply to a reinit
// control packet: seq_number resets to the literal value 1. It
// carries no SYNC flag — the peer already knows it triggered a reinit
// from its own bookkeeping, not from inspecting this reply's shape.
func NewReinitResponsePacket(sessionID uint8, ack uint16) *Packet {
	return &Packet{
		SessionID: sessionID,
		SeqNumber: 1,
		Ack:       ack,
		DataLen:   0,
		Flags:     0,
		Content:   []byte{},
	}
}

// NewTerminatePacket builds a session-termination control packet, sent
// by whichever side initiates teardown.
func NewTerminatePacket(sessionID uint8, seq, ack uint16) *Packet {
	return &Packet{
		SessionID: sessionID,
		SeqNumber: seq,
		Ack:       ack,
		DataLen:   0,
		Flags:     FlagSync,
		HasSync:   true,
		SyncType:  SyncSessionTermination,
		Content:   []byte{},
	}
}

// IsReinitRequest reports whether p is a reinit control packet: a
// SYNC/Reinit packet carrying no payload.
func IsReinitRequest(p *Packet) bool {
	return p.IsSyncType(SyncReinitializing) && !p.AnyContentAvailable()
}

// IsPollRequest reports whether p is a voluntary idle poll: a
// SYNC/Poll packet carrying no payload.
func IsPollRequest(p *Packet) bool {
	return p.IsSyncType(SyncPollingRequest) && !p.AnyContentAvailable()
}

// ShouldReinit reports whether the packet this side is about to build
// to acknowledge ack should instead be a reinit control packet: true
// iff the last packet sent both carried the trigger seq_number and is
// the packet ack is confirming.
func (c *Core) ShouldReinit(ack uint16) bool {
	if c.LastPacketSent == nil {
		return false
	}
	return c.LastPacketSent.SeqNumber == ack && c.LastPacketSent.SeqNumber == ReinitTriggerSeq
}

// StorePackets records the packet this side just received and/or sent,
// for retransmission and ACK-checking on the next cycle.
func (c *Core) StorePackets(recv, sent *Packet) {
	if sent != nil {
		c.LastPacketSent = sent
	}
	if recv != nil {
		c.LastPacketRecv = recv
	}
}
