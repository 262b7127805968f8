// Package stationlink implements the framing and file-transfer protocol the
// two stations speak over one persistent TCP connection. Every message is a
// 3-byte big-endian length followed by the payload; payloads are command
// strings, raw timestamp-file chunks, or the sentinels "EOF <name>", "EOT"
// and "done". The discipline is strict request/reply with exactly one
// outstanding command.
package stationlink

import (
	"errors"
	"fmt"
	"io"
)

const (
	// headerSize is the frame length prefix in bytes.
	headerSize = 3

	// MaxPayload is the largest frame body the 3-byte header can carry.
	MaxPayload = 1<<24 - 1

	// FileChunkSize is the body size of file-data frames. Kept at the
	// historical hardware buffer size for parity with recorded traffic.
	FileChunkSize = 512
)

// Sentinel payloads.
const (
	doneMarker = "done"
	eotMarker  = "EOT"
	eofPrefix  = "EOF "
)

// ErrProtocol marks a framing violation. Once raised the stream position is
// unknown and the connection must be torn down, never resynced.
var ErrProtocol = errors.New("stationlink: protocol violation")

// WriteFrame sends one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds frame limit", ErrProtocol, len(payload))
	}
	header := [headerSize]byte{
		byte(len(payload) >> 16),
		byte(len(payload) >> 8),
		byte(len(payload)),
	}
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A clean close at a frame boundary returns
// io.EOF; a close or short read anywhere else is a protocol violation.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: short header read: %v", ErrProtocol, err)
	}

	size := int(header[0])<<16 | int(header[1])<<8 | int(header[2])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated %d-byte body: %v", ErrProtocol, size, err)
	}
	return payload, nil
}
