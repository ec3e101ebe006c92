// Package framedstream turns an aeadframe.Codec into an io.ReadWriteCloser
// surface over any reliable, in-order byte transport: writes encrypt the
// caller's buffer as a single frame, reads reassemble whole frames off the
// wire and hand back decrypted plaintext in arrival order.
package framedstream

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/shadowmesh/tcptun/pkg/aeadframe"
)

// MaxStagingBytes upper-bounds the largest frame the adapter will accept.
// A frame whose declared length exceeds this is a protocol error.
const MaxStagingBytes = aeadframe.MaxFrameLen

// Stream adapts a raw transport (net.Conn or any io.ReadWriteCloser) into a
// byte stream of authenticated-encrypted frames. One Stream wraps exactly
// one underlying connection; it is safe for one reader and one writer
// goroutine to use concurrently, matching the usual net.Conn contract.
type Stream struct {
	transport io.ReadWriteCloser
	codec     *aeadframe.Codec

	br *bufio.Reader

	readMu    sync.Mutex
	plaintext bytes.Buffer // staging area for decrypted bytes not yet delivered

	writeMu sync.Mutex
}

// New wraps transport with AEAD framing under codec.
func New(transport io.ReadWriteCloser, codec *aeadframe.Codec) *Stream {
	return &Stream{
		transport: transport,
		codec:     codec,
		br:        bufio.NewReaderSize(transport, MaxStagingBytes+aeadframe.LengthPrefixSize),
	}
}

// Write encrypts p as a single frame and flushes it to the transport,
// retrying partial underlying writes until the whole frame is drained.
// It never coalesces two calls into one frame. It returns len(p) only
// once the entire frame has been handed to the transport.
func (s *Stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	frame, err := s.codec.Encode(p)
	if err != nil {
		return 0, fmt.Errorf("framedstream: encode: %w", err)
	}

	written := 0
	for written < len(frame) {
		n, err := s.transport.Write(frame[written:])
		written += n
		if err != nil {
			return 0, fmt.Errorf("framedstream: transport write: %w", err)
		}
	}
	return len(p), nil
}

// Read fills p with decrypted plaintext bytes, pulling and decrypting
// additional frames from the transport as needed. Plaintext is delivered
// in the order frames arrived; within a frame, byte order is preserved.
func (s *Stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for s.plaintext.Len() == 0 {
		if err := s.fillOneFrame(); err != nil {
			return 0, err
		}
	}
	return s.plaintext.Read(p)
}

// fillOneFrame reads exactly one frame off the wire, decrypts it, and
// appends the plaintext to the staging buffer.
func (s *Stream) fillOneFrame() error {
	lengthPrefix := make([]byte, aeadframe.LengthPrefixSize)
	if _, err := io.ReadFull(s.br, lengthPrefix); err != nil {
		return fmt.Errorf("framedstream: read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint16(lengthPrefix)
	if int(length) < aeadframe.NonceSize {
		return fmt.Errorf("%w: declared frame length %d below minimum", aeadframe.ErrProtocol, length)
	}
	if int(length) > MaxStagingBytes {
		return fmt.Errorf("%w: declared frame length %d exceeds staging capacity %d", aeadframe.ErrProtocol, length, MaxStagingBytes)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(s.br, body); err != nil {
		return fmt.Errorf("framedstream: read frame body: %w", err)
	}

	plaintext, err := s.codec.DecodeBody(body)
	if err != nil {
		return fmt.Errorf("framedstream: %w", err)
	}

	s.plaintext.Write(plaintext)
	return nil
}

// Close closes the underlying transport.
func (s *Stream) Close() error {
	return s.transport.Close()
}
