package stationlink

import (
	"fmt"
	"io"
	"time"
)

// deadlineReader is the optional capability a transport may offer for
// bounding reads. net.Conn satisfies it; net.Pipe in tests does too.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// Link wraps one station-to-station stream with the framing protocol.
// Links are not safe for concurrent use; the request/reply discipline
// means there is never more than one user at a time.
type Link struct {
	rw          io.ReadWriter
	readTimeout time.Duration
}

// New returns a Link over rw. A non-zero readTimeout arms a deadline
// before every read when the transport supports it; zero preserves the
// historical block-forever behavior.
func New(rw io.ReadWriter, readTimeout time.Duration) *Link {
	return &Link{rw: rw, readTimeout: readTimeout}
}

func (l *Link) armDeadline() {
	if l.readTimeout == 0 {
		return
	}
	if dr, ok := l.rw.(deadlineReader); ok {
		dr.SetReadDeadline(time.Now().Add(l.readTimeout))
	}
}

// WriteFrame sends one raw frame on the link.
func (l *Link) WriteFrame(payload []byte) error {
	return WriteFrame(l.rw, payload)
}

// ReadFrame reads one raw frame from the link.
func (l *Link) ReadFrame() ([]byte, error) {
	l.armDeadline()
	return ReadFrame(l.rw)
}

// SendCommand transmits one command string.
func (l *Link) SendCommand(cmd string) error {
	if err := WriteFrame(l.rw, []byte(cmd)); err != nil {
		return fmt.Errorf("sending command %q: %w", cmd, err)
	}
	return nil
}

// ReadCommand blocks for the next command string from the peer.
func (l *Link) ReadCommand() (string, error) {
	payload, err := l.ReadFrame()
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// SendDone acknowledges the current command's completion.
func (l *Link) SendDone() error {
	return WriteFrame(l.rw, []byte(doneMarker))
}

// WaitDone drains frames until the peer acknowledges the current command.
// Non-done frames are discarded, mirroring the tolerant historical
// behavior for stray replies.
func (l *Link) WaitDone() error {
	for {
		payload, err := l.ReadFrame()
		if err != nil {
			return fmt.Errorf("waiting for done: %w", err)
		}
		if string(payload) == doneMarker {
			return nil
		}
	}
}
