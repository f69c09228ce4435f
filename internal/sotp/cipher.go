package sotp

import (
	"crypto/rc4"
	"sync"
)

// Cipher is the session's keyed keystream generator. One instance is
// created per worker and reused for the life of the session so the
// keystream stays synchronised across packets instead of resetting on
// each one. Encryption and decryption are the same XOR operation.
//
// crypto/rc4 keeps mutable S-box/i/j state and is not safe for
// concurrent use, hence the mutex.
type Cipher struct {
	mu     sync.Mutex
	stream *rc4.Cipher
}

// NewCipher builds a Cipher keyed with key.
func NewCipher(key []byte) (*Cipher, error) {
	stream, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{stream: stream}, nil
}

// Crypt XORs data against the next bytes of the keystream. Calling it
// twice on the same plaintext with a fresh Cipher of the same key
// reproduces the ciphertext; calling it on that ciphertext with a
// second fresh Cipher of the same key reproduces the plaintext.
func (c *Cipher) Crypt(data []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(data))
	c.stream.XORKeyStream(out, data)
	return out
}
