// Package timestamp implements the binary record format produced by the
// time-tagging instrument: each event is two consecutive little-endian
// 64-bit words, the sub-second picosecond count followed by the reference
// second counter.
package timestamp

import (
	"encoding/binary"
	"fmt"
)

const (
	// WordSize is the size of one on-disk word in bytes.
	WordSize = 8

	// RecordSize is the size of one encoded event record in bytes.
	RecordSize = 2 * WordSize

	// PicosPerSecond converts the reference second counter to picoseconds.
	PicosPerSecond = int64(1_000_000_000_000)
)

// Record is a single event emitted by the time tagger.
type Record struct {
	// PicosecondPart is the sub-second picosecond count.
	PicosecondPart uint64

	// ReferenceSeconds is the whole-second counter at the event.
	ReferenceSeconds uint64
}

// AbsolutePicos returns the event time in picoseconds since the tagger's
// reference epoch.
func (r Record) AbsolutePicos() int64 {
	return int64(r.PicosecondPart) + int64(r.ReferenceSeconds)*PicosPerSecond
}

// FromAbsolutePicos splits an absolute picosecond time back into a Record.
func FromAbsolutePicos(abs int64) Record {
	if abs < 0 {
		abs = 0
	}
	return Record{
		PicosecondPart:   uint64(abs % PicosPerSecond),
		ReferenceSeconds: uint64(abs / PicosPerSecond),
	}
}

// AppendEncode appends the 16-byte wire form of r to dst.
func AppendEncode(dst []byte, r Record) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, r.PicosecondPart)
	dst = binary.LittleEndian.AppendUint64(dst, r.ReferenceSeconds)
	return dst
}

// Decode parses one record from the first RecordSize bytes of b.
func Decode(b []byte) (Record, error) {
	if len(b) < RecordSize {
		return Record{}, fmt.Errorf("short record: %d bytes, need %d", len(b), RecordSize)
	}
	return Record{
		PicosecondPart:   binary.LittleEndian.Uint64(b),
		ReferenceSeconds: binary.LittleEndian.Uint64(b[WordSize:]),
	}, nil
}
