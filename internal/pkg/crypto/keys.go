// Package crypto provides the cryptographic primitives behind rammingen's
// end-to-end encryption: deterministic path-component encryption, streaming
// authenticated content encryption, and deterministic size encryption (§4.1).
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the size in bytes of the single deployment encryption key
// every client holds (§4.1).
const MasterKeySize = 32

// ErrInvalidMasterKey indicates the master key is not MasterKeySize bytes.
var ErrInvalidMasterKey = errors.New("crypto: master key must be 32 bytes")

// hkdfInfo values distinguish the three key schedules derived from the same
// master key, so a collision in one schedule can never leak into another.
const (
	infoPathKey    = "rammingen-path-key-v1"
	infoContentKey = "rammingen-content-key-v1"
	infoSizeKey    = "rammingen-size-key-v1"
)

// KeySet holds the three key schedules derived once per deployment from the
// single master key (§4.1). Losing the master key renders the archive
// unreadable; KeySet never persists the master key itself, only the
// derived subkeys.
type KeySet struct {
	// PathKey drives AES-SIV component encryption (64 bytes: two AES-256
	// subkeys, see siv.go).
	PathKey []byte

	// ContentKey drives the streaming ChaCha20-Poly1305 AEAD (32 bytes).
	ContentKey []byte

	// SizeKey drives deterministic size encryption (32 bytes).
	SizeKey []byte
}

// DeriveKeySet derives the path, content, and size key schedules from a
// single 32-byte master key using HKDF-SHA256, the same construction the
// teacher uses for per-blob SSE-S3 keys.
func DeriveKeySet(masterKey []byte) (*KeySet, error) {
	if len(masterKey) != MasterKeySize {
		return nil, ErrInvalidMasterKey
	}

	pathKey, err := hkdfExpand(masterKey, infoPathKey, 64)
	if err != nil {
		return nil, fmt.Errorf("derive path key: %w", err)
	}
	contentKey, err := hkdfExpand(masterKey, infoContentKey, 32)
	if err != nil {
		return nil, fmt.Errorf("derive content key: %w", err)
	}
	sizeKey, err := hkdfExpand(masterKey, infoSizeKey, 32)
	if err != nil {
		return nil, fmt.Errorf("derive size key: %w", err)
	}

	return &KeySet{PathKey: pathKey, ContentKey: contentKey, SizeKey: sizeKey}, nil
}

func hkdfExpand(masterKey []byte, info string, size int) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
