package framecodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the required length of a CipherContext key.
	KeySize = 32
	// BlockSize is the AES block size, also the PKCS#7 padding unit.
	BlockSize = aes.BlockSize
)

// CipherContext holds the AES-256 key and CBC initialization vector for
// one Tunnel. It is immutable after construction.
type CipherContext struct {
	key []byte
	iv  []byte
}

// NewCipherContext validates key and iv lengths and returns a
// CipherContext. key must be 32 bytes, iv must be 16 bytes.
func NewCipherContext(key, iv []byte) (*CipherContext, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("framecodec: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("framecodec: iv must be %d bytes, got %d", BlockSize, len(iv))
	}
	return &CipherContext{key: key, iv: iv}, nil
}

// DeriveIV derives a 16-byte CBC initialization vector from the shared
// key via HKDF-SHA256. The wire protocol is CBC-only and unauthenticated
// by design (see Non-goals); using a random per-connection IV would
// require carrying it across the wire, which the framing does not do,
// so the IV is instead a deliberate, documented function of the key
// rather than a fixed all-zero block.
func DeriveIV(key []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, key, nil, []byte("cbcsocks-iv"))
	iv := make([]byte, BlockSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, fmt.Errorf("framecodec: derive iv: %w", err)
	}
	return iv, nil
}

// NewCipherContextFromKey builds a CipherContext from just the shared
// key, deriving the IV via DeriveIV.
func NewCipherContextFromKey(key []byte) (*CipherContext, error) {
	iv, err := DeriveIV(key)
	if err != nil {
		return nil, err
	}
	return NewCipherContext(key, iv)
}

// encrypt returns AES-256-CBC(plaintext) with PKCS#7 padding applied.
func (c *CipherContext) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, BlockSize)
	ciphertext := make([]byte, len(padded))

	mode := cipher.NewCBCEncrypter(block, c.iv)
	mode.CryptBlocks(ciphertext, padded)

	return ciphertext, nil
}

// decrypt returns the PKCS#7-unpadded plaintext for an AES-256-CBC
// ciphertext. ciphertext must be a non-zero multiple of BlockSize.
func (c *CipherContext) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, fmt.Errorf("framecodec: ciphertext length %d is not a multiple of block size", len(ciphertext))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}

	padded := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, c.iv)
	mode.CryptBlocks(padded, ciphertext)

	return pkcs7Unpad(padded)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("framecodec: cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > BlockSize {
		return nil, fmt.Errorf("framecodec: invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("framecodec: invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
