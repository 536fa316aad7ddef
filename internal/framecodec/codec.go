package framecodec

import (
	"encoding/binary"
	"errors"
)

// LengthSize is the size of a frame's length prefix.
const LengthSize = 4

// ErrIncomplete is returned by DecryptFrom/PeekFrame when the buffer
// does not yet hold a complete frame. It is not a protocol error; the
// caller should wait for more bytes and retry.
var ErrIncomplete = errors.New("framecodec: incomplete frame")

// Codec encrypts plaintext into frames and decrypts frames back into
// plaintext, using one CipherContext for both directions.
type Codec struct {
	cipher *CipherContext
}

// NewCodec returns a Codec bound to the given CipherContext.
func NewCodec(cipher *CipherContext) *Codec {
	return &Codec{cipher: cipher}
}

// EncryptTo encrypts plaintext and appends one frame (4-byte big-endian
// length + ciphertext) to b. It fails only on a cryptographic-library
// error.
func (c *Codec) EncryptTo(b *ConnectionBuffer, plaintext []byte) error {
	ciphertext, err := c.cipher.encrypt(plaintext)
	if err != nil {
		return err
	}

	var hdr [LengthSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(ciphertext)))

	b.Append(hdr[:])
	b.Append(ciphertext)
	return nil
}

// DecryptFrom returns the plaintext of the first complete frame in b,
// draining the frame's bytes from b. It returns ErrIncomplete (buffer
// left unchanged) if b does not yet hold a complete frame, or a
// different error if the frame is complete but decryption fails.
func (c *Codec) DecryptFrom(b *ConnectionBuffer) ([]byte, error) {
	plaintext, frameLen, err := c.decryptPeek(b)
	if err != nil {
		return nil, err
	}
	b.Drain(LengthSize + frameLen)
	return plaintext, nil
}

// PeekFrame behaves exactly like DecryptFrom but never drains b, so a
// caller can decide whether to consume more context before committing.
func (c *Codec) PeekFrame(b *ConnectionBuffer) ([]byte, error) {
	plaintext, _, err := c.decryptPeek(b)
	return plaintext, err
}

// DropFrame drains exactly one complete frame from b. It is a no-op if
// b does not hold a complete frame.
func (c *Codec) DropFrame(b *ConnectionBuffer) {
	frameLen, ok := peekFrameLen(b)
	if !ok {
		return
	}
	b.Drain(LengthSize + frameLen)
}

// decryptPeek reports the plaintext and wire length of the first frame
// in b without draining it.
func (c *Codec) decryptPeek(b *ConnectionBuffer) (plaintext []byte, frameLen int, err error) {
	frameLen, ok := peekFrameLen(b)
	if !ok {
		return nil, 0, ErrIncomplete
	}

	ciphertext, ok := b.Peek(LengthSize + frameLen)
	if !ok {
		return nil, 0, ErrIncomplete
	}

	plaintext, err = c.cipher.decrypt(ciphertext[LengthSize:])
	if err != nil {
		return nil, frameLen, err
	}
	return plaintext, frameLen, nil
}

// peekFrameLen reads the 4-byte length prefix without draining,
// reporting false if fewer than LengthSize bytes are buffered.
func peekFrameLen(b *ConnectionBuffer) (int, bool) {
	hdr, ok := b.Peek(LengthSize)
	if !ok {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(hdr)), true
}
