// Package frame implements the length-prefixed binary framing shared by
// the durable run log and externally written event files.
//
// File layout: a 5-byte header (4-byte magic, 1-byte format version)
// followed by frames of the form [length:4 LE][crc32:4 LE][flags:1][payload].
// The CRC (IEEE polynomial) covers the flags byte and the payload, so a
// flipped compression bit is caught the same way as payload corruption.
// Payloads larger than their snappy encoding are stored compressed with
// the FlagSnappy bit set.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
)

// Version is the current frame format version, written after the magic.
const Version byte = 1

// FlagSnappy marks a snappy-compressed payload.
const FlagSnappy byte = 0x1

// MaxPayloadBytes bounds a single frame's decoded payload. A length
// prefix beyond this is treated as corruption rather than an
// allocation request.
const MaxPayloadBytes = 64 << 20

// ErrChecksum reports a frame whose CRC does not match its contents.
// Read returns it with the full frame consumed so callers can skip
// the corrupt frame and continue.
var ErrChecksum = errors.New("frame: checksum mismatch")

// ErrBadHeader reports a file whose magic or version is not recognized.
var ErrBadHeader = errors.New("frame: unrecognized file header")

const headerSize = 5

// WriteHeader writes the file header: magic then format version.
func WriteHeader(w io.Writer, magic [4]byte) error {
	hdr := [headerSize]byte{magic[0], magic[1], magic[2], magic[3], Version}
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write file header: %w", err)
	}
	return nil
}

// ReadHeader consumes and validates the file header. Returns the
// number of bytes read so callers tracking offsets can account for it.
func ReadHeader(r io.Reader, magic [4]byte) (int, error) {
	var hdr [headerSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return n, fmt.Errorf("failed to read file header: %w", err)
	}
	if hdr[0] != magic[0] || hdr[1] != magic[1] || hdr[2] != magic[2] || hdr[3] != magic[3] {
		return n, fmt.Errorf("%w: magic %q", ErrBadHeader, hdr[:4])
	}
	if hdr[4] != Version {
		return n, fmt.Errorf("%w: version %d", ErrBadHeader, hdr[4])
	}
	return n, nil
}

// HeaderSize returns the size of the file header in bytes.
func HeaderSize() int { return headerSize }

// Write frames one payload onto w and returns the bytes written.
// Payloads are compressed when that makes them smaller.
func Write(w io.Writer, payload []byte) (int, error) {
	if len(payload) > MaxPayloadBytes {
		return 0, fmt.Errorf("frame payload %d bytes exceeds limit %d", len(payload), MaxPayloadBytes)
	}

	body := payload
	var flags byte
	if compressed := snappy.Encode(nil, payload); len(compressed) < len(payload) {
		body = compressed
		flags = FlagSnappy
	}

	crc := crc32.NewIEEE()
	crc.Write([]byte{flags})
	crc.Write(body)

	var hdr [9]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc.Sum32())
	hdr[8] = flags

	if _, err := w.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return 0, fmt.Errorf("failed to write frame payload: %w", err)
	}
	return len(hdr) + len(body), nil
}

// Read reads one frame from r and returns the decoded payload plus the
// total bytes consumed.
//
// Error contract, chosen for readers of live-growing files:
//   - io.EOF: clean end, nothing consumed.
//   - io.ErrUnexpectedEOF: a partial frame; callers seek back n bytes
//     and retry once the writer has appended more.
//   - ErrChecksum: a corrupt frame, fully consumed; callers may skip
//     it and continue with the next frame.
func Read(r io.Reader) (payload []byte, n int, err error) {
	var hdr [9]byte

	m, err := io.ReadFull(r, hdr[:4])
	n += m
	if err != nil {
		if err == io.EOF {
			return nil, n, io.EOF
		}
		return nil, n, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length > MaxPayloadBytes {
		return nil, n, fmt.Errorf("frame length %d exceeds limit %d", length, MaxPayloadBytes)
	}

	m, err = io.ReadFull(r, hdr[4:9])
	n += m
	if err != nil {
		return nil, n, io.ErrUnexpectedEOF
	}
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
	flags := hdr[8]

	body := make([]byte, length)
	m, err = io.ReadFull(r, body)
	n += m
	if err != nil {
		return nil, n, io.ErrUnexpectedEOF
	}

	crc := crc32.NewIEEE()
	crc.Write([]byte{flags})
	crc.Write(body)
	if crc.Sum32() != wantCRC {
		return nil, n, ErrChecksum
	}

	if flags&FlagSnappy != 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, n, fmt.Errorf("failed to decompress frame payload: %w", err)
		}
		return decoded, n, nil
	}
	return body, n, nil
}
