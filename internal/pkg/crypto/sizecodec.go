package crypto

import (
	"encoding/binary"
	"fmt"
)

// SizeCodec deterministically encrypts integer sizes under the size key
// schedule (§4.1). It reuses the SIV construction: equal plaintext sizes
// always produce equal ciphertext, which lets the server perform integrity
// comparisons on OriginalSize without ever learning the value (§9 treats
// OriginalSize as informational, not authoritative).
type SizeCodec struct {
	siv *SIV
}

// NewSizeCodec derives a size-encryption codec from the 32-byte size key
// schedule (KeySet.SizeKey). The key is expanded into a 64-byte AES-SIV key
// with HKDF-SHA256 under a fixed domain tag, so the size cipher never reuses
// the raw path key bytes.
func NewSizeCodec(sizeKey []byte) (*SizeCodec, error) {
	if len(sizeKey) != 32 {
		return nil, fmt.Errorf("crypto: size key must be 32 bytes, got %d", len(sizeKey))
	}
	expanded, err := hkdfExpand(sizeKey, "rammingen-size-siv-v1", 64)
	if err != nil {
		return nil, fmt.Errorf("expand size key: %w", err)
	}
	siv, err := NewSIV(expanded)
	if err != nil {
		return nil, err
	}
	return &SizeCodec{siv: siv}, nil
}

// EncryptSize deterministically encrypts a non-negative size in bytes.
func (c *SizeCodec) EncryptSize(size int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(size))
	return c.siv.Seal(buf)
}

// DecryptSize reverses EncryptSize.
func (c *SizeCodec) DecryptSize(encrypted []byte) (int64, error) {
	plain, err := c.siv.Open(encrypted)
	if err != nil {
		return 0, err
	}
	if len(plain) != 8 {
		return 0, fmt.Errorf("crypto: decrypted size has wrong length %d", len(plain))
	}
	return int64(binary.BigEndian.Uint64(plain)), nil
}
