// Package encrypt seals backup bundles with AES-256-GCM.
//
// The stream is split into chunks so that bundles of any size are encrypted
// without holding them in memory. The output is a random 12 byte base nonce
// followed by frames of a 4 byte big-endian header and the sealed chunk. The
// header holds the sealed length, with the top bit set on the last frame.
// Each chunk is sealed under the base nonce XORed with its index, and the
// header is authenticated as additional data, so a reordered or truncated
// stream fails to open.
package encrypt

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	NonceSize = 12 // GCM standard nonce size
	KeySize   = 32 // AES-256

	// ChunkSize is the plaintext size of every frame but the last.
	ChunkSize = 64 * 1024

	headerSize = 4
	finalFlag  = uint32(1) << 31
)

var ErrTruncated = errors.New("encrypted stream is truncated")

type AESEncryptor struct {
	key []byte
}

func NewAESEncryptor(key []byte) (*AESEncryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be exactly %d bytes, got %d", KeySize, len(key))
	}
	return &AESEncryptor{key: append([]byte(nil), key...)}, nil
}

func (e *AESEncryptor) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Wrap returns a reader producing the encrypted stream of r.
func (e *AESEncryptor) Wrap(r io.Reader) (io.ReadCloser, error) {
	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}

	base := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, base); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(seal(pw, bufio.NewReaderSize(r, ChunkSize), gcm, base))
	}()
	return pr, nil
}

func seal(w io.Writer, r *bufio.Reader, gcm cipher.AEAD, base []byte) error {
	if _, err := w.Write(base); err != nil {
		return err
	}

	plain := make([]byte, ChunkSize)
	sealed := make([]byte, 0, ChunkSize+gcm.Overhead())
	header := make([]byte, headerSize)

	for index := uint64(0); ; index++ {
		n, err := io.ReadFull(r, plain)
		final := false
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			final = true
		case err != nil:
			return fmt.Errorf("failed to read plaintext: %w", err)
		default:
			if _, peekErr := r.Peek(1); peekErr == io.EOF {
				final = true
			} else if peekErr != nil {
				return fmt.Errorf("failed to read plaintext: %w", peekErr)
			}
		}

		size := uint32(n + gcm.Overhead())
		if final {
			size |= finalFlag
		}
		binary.BigEndian.PutUint32(header, size)

		sealed = gcm.Seal(sealed[:0], chunkNonce(base, index), plain[:n], header)
		if _, err := w.Write(header); err != nil {
			return err
		}
		if _, err := w.Write(sealed); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

// Unwrap reverses Wrap. Chunks are released only after they authenticate, and
// the stream fails with ErrTruncated if it ends before the last frame.
func (e *AESEncryptor) Unwrap(r io.Reader) (io.ReadCloser, error) {
	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}

	base := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, base); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(open(pw, r, gcm, base))
	}()
	return pr, nil
}

func open(w io.Writer, r io.Reader, gcm cipher.AEAD, base []byte) error {
	header := make([]byte, headerSize)
	sealed := make([]byte, ChunkSize+gcm.Overhead())
	var plain []byte

	for index := uint64(0); ; index++ {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrTruncated
			}
			return fmt.Errorf("failed to read frame header: %w", err)
		}
		raw := binary.BigEndian.Uint32(header)
		final := raw&finalFlag != 0
		size := int(raw &^ finalFlag)
		if size < gcm.Overhead() || size > len(sealed) {
			return fmt.Errorf("invalid frame size %d", size)
		}

		if _, err := io.ReadFull(r, sealed[:size]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrTruncated
			}
			return fmt.Errorf("failed to read ciphertext: %w", err)
		}

		var err error
		plain, err = gcm.Open(plain[:0], chunkNonce(base, index), sealed[:size], header)
		if err != nil {
			return fmt.Errorf("failed to decrypt: %w", err)
		}
		if _, err := w.Write(plain); err != nil {
			return err
		}

		if final {
			if n, _ := r.Read(header[:1]); n > 0 {
				return errors.New("unexpected data after final frame")
			}
			return nil
		}
	}
}

func chunkNonce(base []byte, index uint64) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, base)
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], index)
	for i := range counter {
		nonce[NonceSize-8+i] ^= counter[i]
	}
	return nonce
}

func (e *AESEncryptor) Extension() string {
	return ".enc"
}
