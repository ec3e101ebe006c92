// Package aeadframe implements the length-prefixed, per-frame-nonced AEAD
// wire format used to carry bytes over a plain reliable transport.
package aeadframe

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Key size and nonce size constants.
const (
	KeySize   = chacha20poly1305.KeySize  // 32 bytes
	NonceSize = chacha20poly1305.NonceSizeX // 24 bytes (XChaCha20's extended nonce)
	TagSize   = 16                          // Poly1305 tag size

	// LengthPrefixSize is the size of the big-endian length prefix on the wire.
	LengthPrefixSize = 2

	// MaxFrameLen is the largest value the 16-bit length prefix can carry.
	MaxFrameLen = 0xFFFF
)

var (
	// ErrInvalidKeySize is returned when a key is not exactly KeySize bytes.
	ErrInvalidKeySize = errors.New("aeadframe: invalid key size: must be 32 bytes")

	// ErrDecrypt is returned on tag mismatch or truncated ciphertext.
	ErrDecrypt = errors.New("aeadframe: decryption failed: authentication tag mismatch or corrupted ciphertext")

	// ErrProtocol is returned when a length prefix is malformed.
	ErrProtocol = errors.New("aeadframe: malformed frame length")
)

// Codec encrypts and decrypts frames under a single fixed key. A Codec is
// stateless beyond the key: nonces are drawn fresh from crypto/rand for
// every call to Encode, so a single Codec may be shared across goroutines.
type Codec struct {
	aead cipherAEAD
}

// cipherAEAD is the subset of cipher.AEAD that Codec depends on.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// New builds a Codec from a 32-byte key.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aeadframe: failed to construct cipher: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encode encrypts plaintext and returns a self-describing frame:
// len_hi, len_lo, nonce[24], ciphertext_and_tag. The returned slice is a
// single call's worth of wire bytes; callers must hand the whole thing to
// the transport before encoding the next frame.
func (c *Codec) Encode(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("aeadframe: failed to draw nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	body := append(nonce, sealed...)
	if len(body) > MaxFrameLen {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrProtocol, len(body), MaxFrameLen)
	}

	out := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	copy(out[LengthPrefixSize:], body)
	return out, nil
}

// Decode validates and decrypts a full frame, including its 2-byte length
// prefix. It does not itself read from a transport; see the framedstream
// package for streaming reassembly.
func (c *Codec) Decode(frame []byte) ([]byte, error) {
	if len(frame) < LengthPrefixSize {
		return nil, fmt.Errorf("%w: frame shorter than length prefix", ErrProtocol)
	}
	length := binary.BigEndian.Uint16(frame)
	body := frame[LengthPrefixSize:]
	if int(length) != len(body) {
		return nil, fmt.Errorf("%w: length prefix %d does not match body of %d bytes", ErrProtocol, length, len(body))
	}
	return c.decodeBody(body)
}

// decodeBody decrypts a frame body (nonce || ciphertext_and_tag), without
// the length prefix. FrameLen reports the on-wire length for a body this
// size, which lets callers peeking a length-prefixed stream compute how
// many more bytes to read before calling this.
func (c *Codec) decodeBody(body []byte) ([]byte, error) {
	if len(body) < NonceSize {
		return nil, fmt.Errorf("%w: frame shorter than nonce", ErrProtocol)
	}
	nonce, ciphertext := body[:NonceSize], body[NonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// DecodeBody exposes decodeBody to callers (framedstream) that have
// already split the length prefix off a streamed frame.
func (c *Codec) DecodeBody(body []byte) ([]byte, error) {
	return c.decodeBody(body)
}

// FrameLen returns the total on-wire length (including the length prefix)
// of a frame whose body is bodyLen bytes.
func FrameLen(bodyLen int) int {
	return LengthPrefixSize + bodyLen
}
