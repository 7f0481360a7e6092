package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/prn-tf/rammingen/internal/domain"
)

// sivBlockSize is the AES block size used by S2V/CMAC and CTR.
const sivBlockSize = 16

// ErrSIVAuthFailed indicates SIV decryption found a tag mismatch: the
// ciphertext was tampered with, or decrypted under the wrong key.
var ErrSIVAuthFailed = fmt.Errorf("crypto: SIV authentication failed")

// SIV implements AES-SIV (RFC 5297) deterministic authenticated encryption.
// Encrypting the same plaintext under the same key always yields the same
// ciphertext, which is exactly the property §4.1/§4.2 need: the server can
// compare and prefix-match encrypted path components without ever seeing
// plaintext.
type SIV struct {
	mac   cipher.Block // CMAC/S2V key (first half)
	block cipher.Block // CTR key (second half)
}

// NewSIV builds a SIV cipher from a 64-byte key (two 32-byte AES-256 halves,
// per RFC 5297 §2.2).
func NewSIV(key []byte) (*SIV, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("crypto: AES-SIV key must be 64 bytes, got %d", len(key))
	}
	mac, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("crypto: create AES cipher: %w", err)
	}
	block, err := aes.NewCipher(key[32:])
	if err != nil {
		return nil, fmt.Errorf("crypto: create AES cipher: %w", err)
	}
	return &SIV{mac: mac, block: block}, nil
}

// Seal deterministically encrypts plaintext, optionally binding additional
// authenticated data. The result is SIV || ciphertext.
func (s *SIV) Seal(plaintext []byte, ad ...[]byte) []byte {
	siv := s.s2v(plaintext, ad...)
	ciphertext := make([]byte, len(plaintext))
	s.ctr(siv, plaintext, ciphertext)

	out := make([]byte, sivBlockSize+len(ciphertext))
	copy(out, siv)
	copy(out[sivBlockSize:], ciphertext)
	return out
}

// Open decrypts and verifies a value produced by Seal.
func (s *SIV) Open(value []byte, ad ...[]byte) ([]byte, error) {
	if len(value) < sivBlockSize {
		return nil, ErrSIVAuthFailed
	}
	siv := value[:sivBlockSize]
	ciphertext := value[sivBlockSize:]

	plaintext := make([]byte, len(ciphertext))
	s.ctr(siv, ciphertext, plaintext)

	expected := s.s2v(plaintext, ad...)
	if subtle.ConstantTimeCompare(siv, expected) != 1 {
		return nil, ErrSIVAuthFailed
	}
	return plaintext, nil
}

// EncryptComponent deterministically encrypts one plaintext path component
// and returns its base64-url text form (§4.1, "EncryptedArchivePath").
func (s *SIV) EncryptComponent(component string) string {
	sealed := s.Seal([]byte(component))
	return base64.RawURLEncoding.EncodeToString(sealed)
}

// DecryptComponent reverses EncryptComponent. Returns domain.ErrInvalidPath
// if the text is not valid base64 or the AEAD tag doesn't verify.
func (s *SIV) DecryptComponent(encoded string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", domain.ErrInvalidPath
	}
	plaintext, err := s.Open(sealed)
	if err != nil {
		return "", domain.ErrInvalidPath
	}
	return string(plaintext), nil
}

// EncryptPath encrypts every component of an ArchivePath independently,
// preserving component count and order (§4.2).
func (s *SIV) EncryptPath(p domain.ArchivePath) domain.EncryptedArchivePath {
	components := p.Components()
	encrypted := make([]string, len(components))
	for i, c := range components {
		encrypted[i] = s.EncryptComponent(c)
	}
	return domain.NewEncryptedArchivePath(encrypted)
}

// DecryptPath reverses EncryptPath.
func (s *SIV) DecryptPath(p domain.EncryptedArchivePath) (domain.ArchivePath, error) {
	components := p.Components()
	out := domain.RootArchivePath()
	for _, c := range components {
		plain, err := s.DecryptComponent(c)
		if err != nil {
			return domain.ArchivePath{}, err
		}
		out, err = out.Join(plain)
		if err != nil {
			return domain.ArchivePath{}, err
		}
	}
	return out, nil
}

// s2v implements the S2V algorithm from RFC 5297 §2.4.
func (s *SIV) s2v(plaintext []byte, ad ...[]byte) []byte {
	d := s.cmac(make([]byte, sivBlockSize))
	for _, a := range ad {
		d = xorBytes(dbl(d), s.cmac(a))
	}

	var t []byte
	if len(plaintext) >= sivBlockSize {
		t = make([]byte, len(plaintext))
		copy(t, plaintext)
		xorInPlace(t[len(t)-sivBlockSize:], d)
	} else {
		t = xorBytes(dbl(d), pad(plaintext))
	}
	return s.cmac(t)
}

// cmac implements CMAC (NIST SP 800-38B) over s.mac.
func (s *SIV) cmac(data []byte) []byte {
	k1, k2 := cmacSubkeys(s.mac)

	n := (len(data) + sivBlockSize - 1) / sivBlockSize
	complete := n > 0 && len(data)%sivBlockSize == 0
	if n == 0 {
		n = 1
	}

	last := make([]byte, sivBlockSize)
	if complete {
		copy(last, data[(n-1)*sivBlockSize:])
		xorInPlace(last, k1)
	} else {
		tail := data[(n-1)*sivBlockSize:]
		if len(data) == 0 {
			tail = nil
		}
		copy(last, tail)
		last = pad(last[:len(tail)])
		xorInPlace(last, k2)
	}

	mac := make([]byte, sivBlockSize)
	for i := 0; i < n-1; i++ {
		block := data[i*sivBlockSize : (i+1)*sivBlockSize]
		xorInPlace(mac, block)
		s.mac.Encrypt(mac, mac)
	}
	xorInPlace(mac, last)
	s.mac.Encrypt(mac, mac)
	return mac
}

// ctr runs AES-CTR with the SIV (bits 31 and 63 of each half cleared per
// RFC 5297 §2.5) as the initial counter block.
func (s *SIV) ctr(siv, src, dst []byte) {
	counter := make([]byte, sivBlockSize)
	copy(counter, siv)
	counter[8] &= 0x7f
	counter[12] &= 0x7f
	cipher.NewCTR(s.block, counter).XORKeyStream(dst, src)
}

func cmacSubkeys(block cipher.Block) (k1, k2 []byte) {
	l := make([]byte, sivBlockSize)
	block.Encrypt(l, l)
	k1 = dbl(l)
	k2 = dbl(k1)
	return k1, k2
}

func dbl(in []byte) []byte {
	out := make([]byte, sivBlockSize)
	var carry uint64
	for i := 0; i < 2; i++ {
		offset := (1 - i) * 8
		v := binary.BigEndian.Uint64(in[offset : offset+8])
		binary.BigEndian.PutUint64(out[offset:offset+8], (v<<1)|carry)
		carry = v >> 63
	}
	if carry != 0 {
		out[sivBlockSize-1] ^= 0x87
	}
	return out
}

func pad(in []byte) []byte {
	out := make([]byte, sivBlockSize)
	copy(out, in)
	out[len(in)] = 0x80
	return out
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func xorInPlace(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
