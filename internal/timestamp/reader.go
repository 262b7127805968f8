package timestamp

import (
	"io"
)

// defaultChunkBytes is the read granularity for streaming decoders. The
// acquisition files can run to many megabytes; they are never loaded whole.
const defaultChunkBytes = 64 * 1024

// Reader streams records from an io.Reader in fixed-size chunks. A partial
// final chunk (a tail shorter than one full record) is dropped rather than
// corrupting the decoded stream.
type Reader struct {
	r    io.Reader
	buf  []byte
	off  int
	n    int
	done bool
}

// NewReader wraps r in a streaming record decoder.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, defaultChunkBytes)}
}

// Next returns the next record, or io.EOF when the stream is exhausted.
func (rd *Reader) Next() (Record, error) {
	for rd.n-rd.off < RecordSize {
		if rd.done {
			return Record{}, io.EOF
		}
		if err := rd.fill(); err != nil {
			return Record{}, err
		}
	}
	rec, err := Decode(rd.buf[rd.off:])
	if err != nil {
		return Record{}, err
	}
	rd.off += RecordSize
	return rec, nil
}

func (rd *Reader) fill() error {
	// Carry the undecoded tail to the front before refilling.
	rem := copy(rd.buf, rd.buf[rd.off:rd.n])
	rd.off = 0
	rd.n = rem

	n, err := rd.r.Read(rd.buf[rem:])
	rd.n += n
	if err == io.EOF {
		rd.done = true
		return nil
	}
	return err
}

// ReadAll decodes every complete record from r.
func ReadAll(r io.Reader) ([]Record, error) {
	rd := NewReader(r)
	var recs []Record
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}
