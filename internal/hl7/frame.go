package hl7

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// MLLP frame characters
	StartBlock     = 0x0B
	EndBlock       = 0x1C
	CarriageReturn = 0x0D

	// MaxFrameSize bounds a single payload (1 MiB).
	MaxFrameSize = 1 << 20
)

// Encode wraps payload in MLLP framing: <VT> payload <FS><CR>. The trailer is
// always appended, whatever the payload ends with.
func Encode(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, StartBlock)
	frame = append(frame, payload...)
	return append(frame, EndBlock, CarriageReturn)
}

// Terminate returns payload with a trailing segment terminator, adding one
// only if it is missing.
func Terminate(payload []byte) []byte {
	if bytes.HasSuffix(payload, []byte{CarriageReturn}) {
		return payload
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	return append(out, CarriageReturn)
}

// Decode extracts the first frame from data and returns its payload and the
// bytes following it. CR/LF between frames is skipped. ErrIncomplete means
// more input is needed; rest then holds the unconsumed bytes. Any other
// error is a *FramingError.
func Decode(data []byte) (payload, rest []byte, err error) {
	i := 0
	for i < len(data) && (data[i] == '\r' || data[i] == '\n') {
		i++
	}
	if i == len(data) {
		return nil, data[i:], ErrIncomplete
	}
	if data[i] != StartBlock {
		return nil, nil, &FramingError{
			Reason: fmt.Sprintf("expected start block, got 0x%02X", data[i]),
			Offset: i,
		}
	}

	for j := i + 1; j < len(data); j++ {
		if j-i-1 > MaxFrameSize {
			return nil, nil, &FramingError{Reason: "frame exceeds maximum size", Offset: j}
		}
		switch data[j] {
		case StartBlock:
			return nil, nil, &FramingError{Reason: "start block inside frame", Offset: j}
		case EndBlock:
			if j+1 == len(data) {
				return nil, data[i:], ErrIncomplete
			}
			if data[j+1] != CarriageReturn {
				return nil, nil, &FramingError{
					Reason: fmt.Sprintf("expected CR after end block, got 0x%02X", data[j+1]),
					Offset: j + 1,
				}
			}
			return data[i+1 : j], data[j+2:], nil
		}
	}

	if len(data)-i-1 > MaxFrameSize {
		return nil, nil, &FramingError{Reason: "frame exceeds maximum size", Offset: len(data)}
	}
	return nil, data[i:], ErrIncomplete
}

// FrameReader reads consecutive MLLP frames from a byte stream. A frame may
// arrive split across any number of reads.
type FrameReader struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	err   error
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:     r,
		chunk: make([]byte, 4096),
	}
}

// ReadFrame blocks until a complete frame is available and returns a copy of
// its payload. It returns io.EOF when the stream ends cleanly between frames
// and a *FramingError when it ends mid-frame.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		payload, rest, err := Decode(fr.buf)
		if err == nil {
			out := make([]byte, len(payload))
			copy(out, payload)
			fr.buf = append(fr.buf[:0], rest...)
			return out, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return nil, err
		}
		fr.buf = append(fr.buf[:0], rest...)

		if fr.err != nil {
			if len(fr.buf) == 0 {
				return nil, fr.err
			}
			if errors.Is(fr.err, io.EOF) {
				return nil, &FramingError{Reason: "stream closed mid-frame", Offset: len(fr.buf)}
			}
			return nil, fr.err
		}

		n, err := fr.r.Read(fr.chunk)
		fr.buf = append(fr.buf, fr.chunk[:n]...)
		if err != nil {
			fr.err = err
		}
	}
}
