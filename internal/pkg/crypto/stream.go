package crypto

import (
	"compress/flate"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// MaxChunkSize is the largest plaintext chunk encrypted into a single frame
// (§4.1): "each frame is an independent AEAD ciphertext over one plaintext
// chunk of at most 1 MiB".
const MaxChunkSize = 1 << 20

// NonceSize is the ChaCha20-Poly1305 nonce size carried inside each frame.
const NonceSize = chacha20poly1305.NonceSize

// ErrMalformedFrame indicates a frame was too short to contain a nonce. A
// frame whose body ends before its declared length is reported as a wrapped
// read error instead.
var ErrMalformedFrame = errors.New("crypto: malformed content frame")

// ErrFrameAuthFailed indicates a frame's AEAD tag did not verify: the
// ciphertext was tampered with or corrupted.
var ErrFrameAuthFailed = errors.New("crypto: content frame authentication failed")

// HashingWriter wraps an io.Writer and incrementally computes the SHA-256 of
// every byte written through it, the pattern the teacher uses to compute a
// blob's content hash while streaming it to a temp file
// (streaming_encrypted_storage.go's NewHashingWriter).
type HashingWriter struct {
	w    io.Writer
	hash hash.Hash
}

// NewHashingWriter wraps w so that Sum() returns the hex SHA-256 digest of
// everything written so far.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, hash: sha256.New()}
}

// Write implements io.Writer.
func (h *HashingWriter) Write(p []byte) (int, error) {
	h.hash.Write(p)
	return h.w.Write(p)
}

// Sum returns the hex-encoded SHA-256 digest of everything written so far.
func (h *HashingWriter) Sum() string {
	return hex.EncodeToString(h.hash.Sum(nil))
}

// SHA256Hex returns the hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EncryptStream compresses src with DEFLATE, then encrypts it as a sequence
// of framed ChaCha20-Poly1305 chunks written to dst, terminated by a
// zero-length frame (§4.1, §6). It returns the SHA-256 hex digest of the
// entire framed ciphertext, which becomes the Entry's content_hash.
func EncryptStream(dst io.Writer, src io.Reader, contentKey []byte) (string, error) {
	aead, err := chacha20poly1305.New(contentKey)
	if err != nil {
		return "", fmt.Errorf("crypto: create AEAD: %w", err)
	}

	hw := NewHashingWriter(dst)

	pr, pw := io.Pipe()
	compressDone := make(chan error, 1)
	go func() {
		fw, _ := flate.NewWriter(pw, flate.DefaultCompression)
		_, cerr := io.Copy(fw, src)
		if cerr == nil {
			cerr = fw.Close()
		}
		pw.CloseWithError(cerr)
		compressDone <- cerr
	}()

	buf := make([]byte, MaxChunkSize)
	for {
		n, rerr := io.ReadFull(pr, buf)
		if n > 0 {
			if err := writeFrame(hw, aead, buf[:n]); err != nil {
				return "", err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("crypto: compress stream: %w", rerr)
		}
	}
	if cerr := <-compressDone; cerr != nil && cerr != io.EOF {
		return "", fmt.Errorf("crypto: compress stream: %w", cerr)
	}

	if err := writeTerminator(hw); err != nil {
		return "", err
	}
	return hw.Sum(), nil
}

// writeFrame seals one plaintext chunk under a fresh random nonce and writes
// len:u32LE || nonce || ciphertext-with-tag.
func writeFrame(dst io.Writer, aead cipher.AEAD, plaintext []byte) error {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("crypto: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil) // nonce || ciphertext || tag

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := dst.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("crypto: write frame length: %w", err)
	}
	if _, err := dst.Write(sealed); err != nil {
		return fmt.Errorf("crypto: write frame body: %w", err)
	}
	return nil
}

func writeTerminator(dst io.Writer) error {
	var lenBuf [4]byte
	if _, err := dst.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("crypto: write terminator frame: %w", err)
	}
	return nil
}

// DecryptStream reverses EncryptStream: it reads framed chunks from src,
// verifies and decrypts each, concatenates the plaintext, and inflates it
// into dst.
func DecryptStream(dst io.Writer, src io.Reader, contentKey []byte) error {
	aead, err := chacha20poly1305.New(contentKey)
	if err != nil {
		return fmt.Errorf("crypto: create AEAD: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		for {
			frame, terminator, ferr := readFrame(src)
			if ferr != nil {
				pw.CloseWithError(ferr)
				return
			}
			if terminator {
				pw.Close()
				return
			}
			if len(frame) < NonceSize {
				pw.CloseWithError(ErrMalformedFrame)
				return
			}
			nonce, ciphertext := frame[:NonceSize], frame[NonceSize:]
			plaintext, oerr := aead.Open(nil, nonce, ciphertext, nil)
			if oerr != nil {
				pw.CloseWithError(ErrFrameAuthFailed)
				return
			}
			if _, werr := pw.Write(plaintext); werr != nil {
				return
			}
		}
	}()

	fr := flate.NewReader(pr)
	defer fr.Close()
	if _, err := io.Copy(dst, fr); err != nil {
		return fmt.Errorf("crypto: inflate stream: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r. A zero-length frame
// reports terminator=true and a nil body.
func readFrame(r io.Reader) (frame []byte, terminator bool, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, false, fmt.Errorf("crypto: read frame length: %w", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, true, nil
	}
	body := make([]byte, length)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, false, fmt.Errorf("crypto: read frame body: %w", err)
	}
	return body, false, nil
}
