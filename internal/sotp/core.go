package sotp

// Core holds the session state shared by the client and server worker
// state machines: the retry counter, the last packet sent/received in
// each direction, the overlay/wrapper buffers, the keystream cipher,
// and the negotiated chunk size.
type Core struct {
	Status Status

	maxRetries int
	retries    int

	LastPacketSent *Packet
	LastPacketRecv *Packet

	BufOverlay *OverlayBuffer
	BufWrapper *WrapperBuffer

	cipher  *Cipher
	maxSize int
}

// NewCore builds a Core keyed with key, bounded to maxRetries resends
// of the last packet and maxSize bytes per content chunk.
func NewCore(key []byte, maxRetries, maxSize int) (*Core, error) {
	if maxSize > MaxDataLen {
		return nil, NewError(ErrConfigError, "max size %d exceeds max representable data_len %d", maxSize, MaxDataLen)
	}
	cipher, err := NewCipher(key)
	if err != nil {
		return nil, NewError(ErrConfigError, "building stream cipher: %v", err)
	}
	return &Core{
		Status:     StatusNotInitializing,
		maxRetries: maxRetries,
		BufOverlay: NewOverlayBuffer(),
		BufWrapper: NewWrapperBuffer(),
		cipher:     cipher,
		maxSize:    maxSize,
	}, nil
}

// CheckMainFields verifies the shape invariant shared by every
// non-initial packet: session_id, seq_number, and ack are all non-zero.
func (c *Core) CheckMainFields(p *Packet) bool {
	return p.SessionID != 0 && p.SeqNumber != 0 && p.Ack != 0
}

// CheckForRetries records one failed attempt. While fewer than
// maxRetries retries have been counted it increments the counter and
// returns false; on the call after the counter has reached maxRetries
// it resets the counter to zero and returns true (the caller is
// expected to treat this as RetriesExhausted). So maxRetries resends
// are allowed before the budget is spent.
func (c *Core) CheckForRetries() bool {
	if c.retries == c.maxRetries {
		c.retries = 0
		return true
	}
	c.retries++
	return false
}

// ResetRetries clears the retry counter; called on any valid response.
func (c *Core) ResetRetries() {
	c.retries = 0
}

// LostPacket returns the last packet sent, for resending on retry.
func (c *Core) LostPacket() (*Packet, *Error) {
	if c.LastPacketSent == nil {
		return nil, NewError(ErrMalformedPacket, "no packet has been sent yet, cannot resend")
	}
	return c.LastPacketSent, nil
}

// DecryptWrapperData drains the wrapper buffer, concatenates its
// chunks in arrival order, and decrypts the result with the session
// cipher.
func (c *Core) DecryptWrapperData() ([]byte, *Error) {
	chunks, ok := c.BufWrapper.Drain()
	if !ok {
		return nil, NewError(ErrMalformedPacket, "wrapper buffer has no chunks to drain")
	}
	var total int
	for _, chunk := range chunks {
		total += len(chunk)
	}
	content := make([]byte, 0, total)
	for _, chunk := range chunks {
		content = append(content, chunk...)
	}
	return c.cipher.Crypt(content), nil
}

// StoreOverlayContent encrypts data and splits the ciphertext into
// chunks of at most maxSize bytes, queued as a new Index.
func (c *Core) StoreOverlayContent(data []byte) {
	encrypted := c.cipher.Crypt(data)
	index := NewIndex()
	for i := 0; i < len(encrypted); i += c.maxSize {
		end := i + c.maxSize
		if end > len(encrypted) {
			end = len(encrypted)
		}
		index.Add(encrypted[i:end])
	}
	c.BufOverlay.AddIndex(index)
}

// SomeOverlayData reports whether the overlay buffer has data queued
// for transmission.
func (c *Core) SomeOverlayData() bool {
	return c.BufOverlay.AnyIndex()
}

// CheckConfirmation reports whether p.Ack acknowledges the last packet
// this side sent.
func (c *Core) CheckConfirmation(p *Packet) (bool, *Error) {
	if c.LastPacketSent == nil {
		return false, NewError(ErrMalformedPacket, "no packet has been sent yet, cannot confirm ack")
	}
	return c.LastPacketSent.SeqNumber == p.Ack, nil
}

// CheckTermination reports whether p is a valid session-termination
// control packet.
func (c *Core) CheckTermination(p *Packet) bool {
	if !c.CheckMainFields(p) {
		return false
	}
	if !p.IsFlagActive(FlagSync) {
		return false
	}
	return p.IsSyncType(SyncSessionTermination)
}
