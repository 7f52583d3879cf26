// Package mux defines the multiplexing frame protocol carried inside
// encrypted session records.
package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFrameTooLarge is returned when a frame payload exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnknownFrameType is returned for unrecognized frame types
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Frame type constants
const (
	// FrameConnect asks the far side to dial the destination in the payload.
	FrameConnect uint8 = 0x01
	// FrameData carries stream payload bytes.
	FrameData uint8 = 0x02
	// FrameDisconnect tears down a stream. Payload is empty.
	FrameDisconnect uint8 = 0x03
	// FramePadding carries filler bytes and is discarded on receipt.
	FramePadding uint8 = 0x04
)

// Protocol constants
const (
	// HeaderSize is the size of a frame header in bytes
	HeaderSize = 7

	// MaxPayloadSize is the maximum frame payload size
	MaxPayloadSize = 65535
)

// Frame represents one multiplexing frame.
// Header format (7 bytes):
//
//	Type     [1 byte]  - Frame type
//	StreamID [4 bytes] - Stream identifier (big-endian)
//	Length   [2 bytes] - Payload length (big-endian)
type Frame struct {
	Type     uint8
	StreamID uint32
	Payload  []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	if !validType(f.Type) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, f.Type)
	}

	buf := make([]byte, HeaderSize+len(f.Payload))

	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], f.StreamID)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// Check inspects the head of buf for a complete frame. It returns the total
// frame length (header plus payload) and true when buf holds at least one
// full frame, and (0, false) when more bytes are needed. It never consumes.
func Check(buf []byte) (int, bool) {
	if len(buf) < HeaderSize {
		return 0, false
	}
	payloadLen := int(binary.BigEndian.Uint16(buf[5:7]))
	total := HeaderSize + payloadLen
	if len(buf) < total {
		return 0, false
	}
	return total, true
}

// Parse decodes exactly one frame from the head of buf. The buffer must hold
// a complete frame (use Check first); Parse consumes exactly the length Check
// reported. The payload is copied out of buf.
func Parse(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	frameType := buf[0]
	if !validType(frameType) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, frameType)
	}

	streamID := binary.BigEndian.Uint32(buf[1:5])
	length := int(binary.BigEndian.Uint16(buf[5:7]))

	if len(buf) < HeaderSize+length {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+length])

	return &Frame{
		Type:     frameType,
		StreamID: streamID,
		Payload:  payload,
	}, nil
}

func validType(t uint8) bool {
	return t >= FrameConnect && t <= FramePadding
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, StreamID=%d, PayloadLen=%d}",
		FrameTypeName(f.Type), f.StreamID, len(f.Payload))
}

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameConnect:
		return "CONNECT"
	case FrameData:
		return "DATA"
	case FrameDisconnect:
		return "DISCONNECT"
	case FramePadding:
		return "PADDING"
	default:
		return "UNKNOWN"
	}
}
