package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// DefaultMaxFrame caps a single frame on a byte stream.
const DefaultMaxFrame = 16 << 20

// Framer splits an ordered byte stream into messages.
//
// ReadFrame returns a *wire.StructuralError for a frame it skipped (too
// large, for instance); the stream is still aligned afterwards. Any other
// error ends the stream. WriteFrame likewise returns a *wire.StructuralError
// for a frame it refuses to write, leaving the stream untouched.
type Framer interface {
	ReadFrame(r *bufio.Reader) ([]byte, error)
	WriteFrame(w io.Writer, frame []byte) error
}

// NewlineFramer delimits frames with '\n' (NDJSON). Blank lines are skipped.
type NewlineFramer struct {
	MaxFrame int
}

func (f NewlineFramer) max() int {
	if f.MaxFrame <= 0 {
		return DefaultMaxFrame
	}
	return f.MaxFrame
}

// ReadFrame implements Framer.
func (f NewlineFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	for {
		var buf []byte
		oversized := false
		for {
			chunk, err := r.ReadSlice('\n')
			if !oversized {
				if len(buf)+len(chunk) > f.max()+2 {
					oversized = true
					buf = nil
				} else {
					buf = append(buf, chunk...)
				}
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if err != nil {
				if errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0 && !oversized {
					return bytes.TrimSpace(buf), nil
				}
				return nil, err
			}
			break
		}
		if oversized {
			return nil, &wire.StructuralError{Reason: fmt.Sprintf("frame exceeds %d bytes", f.max())}
		}
		line := bytes.TrimRight(buf, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

// WriteFrame implements Framer.
func (f NewlineFramer) WriteFrame(w io.Writer, frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		frame = bytes.ReplaceAll(frame, []byte("\n"), nil)
	}
	if len(frame) > f.max() {
		return &wire.StructuralError{Reason: fmt.Sprintf("frame of %d bytes exceeds %d", len(frame), f.max())}
	}
	out := make([]byte, 0, len(frame)+1)
	out = append(out, frame...)
	out = append(out, '\n')
	_, err := w.Write(out)
	return err
}

// LengthPrefixFramer prefixes each frame with its length as a 4-byte
// big-endian integer.
type LengthPrefixFramer struct {
	MaxFrame uint32
}

func (f LengthPrefixFramer) max() uint32 {
	if f.MaxFrame == 0 {
		return DefaultMaxFrame
	}
	return f.MaxFrame
}

// ReadFrame implements Framer.
func (f LengthPrefixFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > f.max() {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}
		return nil, &wire.StructuralError{Reason: fmt.Sprintf("frame of %d bytes exceeds %d", n, f.max())}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame implements Framer.
func (f LengthPrefixFramer) WriteFrame(w io.Writer, frame []byte) error {
	if uint64(len(frame)) > uint64(f.max()) {
		return &wire.StructuralError{Reason: fmt.Sprintf("frame of %d bytes exceeds %d", len(frame), f.max())}
	}
	out := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(out, uint32(len(frame)))
	copy(out[4:], frame)
	_, err := w.Write(out)
	return err
}
