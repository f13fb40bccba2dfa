// Package codec implements the §4.1 frame transport: one UTF-8 JSON object
// per stream Write, read back with a single Read of up to MaxFrameSize
// bytes. There is no length prefix and no delimiter — the contract assumes
// each Write corresponds to one object that fits in one Read, which is the
// literal reading of the wire protocol this module preserves (see
// SPEC_FULL.md's "Open Question resolutions", #1).
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum number of bytes a single frame may occupy on
// the wire, configured per §4.1's default.
const MaxFrameSize = 1024

// ErrFrameTooLarge is returned by WriteFrame when encoding v would exceed
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("codec: frame exceeds max size")

// ErrNotAnObject is returned by WriteFrame when asked to serialize a value
// that does not marshal to a JSON object (§4.1: NotAnObject).
var ErrNotAnObject = errors.New("codec: frame is not a JSON object")

// ErrMalformedFrame is returned by ReadFrame when the bytes read do not
// decode as JSON or decode to something other than a JSON object (§4.1:
// MalformedFrame).
var ErrMalformedFrame = errors.New("codec: malformed frame")

// Conn is the minimal surface codec needs from a transport connection.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
}

// ReadFrame performs one Read of up to MaxFrameSize bytes from conn and
// validates the result decodes as a JSON object. It returns the raw object
// bytes for protocol.Decode to interpret.
func ReadFrame(conn Conn) ([]byte, error) {
	buf := make([]byte, MaxFrameSize)
	n, err := conn.Read(buf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, err
		}
		if n == 0 {
			return nil, err
		}
		// A short read that still yielded bytes (e.g. the peer closed
		// right after sending) is processed before the error is
		// surfaced on the next call.
	}
	frame := buf[:n]
	if err := validateObject(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func validateObject(frame []byte) error {
	var raw json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	return nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}

// WriteFrame marshals v (any JSON-serializable value, normally a
// protocol.Frame) and performs exactly one Write of the result. It fails
// with ErrNotAnObject if v does not marshal to a JSON object and with
// ErrFrameTooLarge if the encoded form would exceed MaxFrameSize.
func WriteFrame(conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: marshal: %w", err)
	}
	if len(data) == 0 || data[0] != '{' {
		return fmt.Errorf("codec: %w", ErrNotAnObject)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), MaxFrameSize)
	}
	_, err = conn.Write(data)
	return err
}
