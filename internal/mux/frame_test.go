package mux

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameTypeName(t *testing.T) {
	tests := []struct {
		frameType uint8
		want      string
	}{
		{FrameConnect, "CONNECT"},
		{FrameData, "DATA"},
		{FrameDisconnect, "DISCONNECT"},
		{FramePadding, "PADDING"},
		{0x00, "UNKNOWN"},
		{0xFF, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := FrameTypeName(tt.frameType); got != tt.want {
			t.Errorf("FrameTypeName(%d) = %s, want %s", tt.frameType, got, tt.want)
		}
	}
}

func TestFrame_EncodeParse(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name: "empty payload",
			frame: Frame{
				Type:     FrameDisconnect,
				StreamID: 42,
				Payload:  []byte{},
			},
		},
		{
			name: "connect with target",
			frame: Frame{
				Type:     FrameConnect,
				StreamID: 1,
				Payload:  []byte("example.com:443"),
			},
		},
		{
			name: "data with payload",
			frame: Frame{
				Type:     FrameData,
				StreamID: 12345678,
				Payload:  []byte("Hello, World!"),
			},
		},
		{
			name: "max stream ID",
			frame: Frame{
				Type:     FramePadding,
				StreamID: ^uint32(0),
				Payload:  []byte{0x01, 0x02, 0x03},
			},
		},
		{
			name: "max payload",
			frame: Frame{
				Type:     FrameData,
				StreamID: 7,
				Payload:  bytes.Repeat([]byte{0xAB}, MaxPayloadSize),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.frame.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			if len(data) != HeaderSize+len(tt.frame.Payload) {
				t.Errorf("encoded length = %d, want %d", len(data), HeaderSize+len(tt.frame.Payload))
			}

			got, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}

			if got.Type != tt.frame.Type {
				t.Errorf("Type = 0x%02x, want 0x%02x", got.Type, tt.frame.Type)
			}
			if got.StreamID != tt.frame.StreamID {
				t.Errorf("StreamID = %d, want %d", got.StreamID, tt.frame.StreamID)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("Payload mismatch: got %d bytes, want %d bytes", len(got.Payload), len(tt.frame.Payload))
			}
		})
	}
}

func TestFrame_EncodeRejectsOversizedPayload(t *testing.T) {
	f := Frame{
		Type:     FrameData,
		StreamID: 1,
		Payload:  make([]byte, MaxPayloadSize+1),
	}

	if _, err := f.Encode(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Encode() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrame_EncodeRejectsUnknownType(t *testing.T) {
	f := Frame{Type: 0x09, StreamID: 1}

	if _, err := f.Encode(); !errors.Is(err, ErrUnknownFrameType) {
		t.Errorf("Encode() error = %v, want ErrUnknownFrameType", err)
	}
}

func TestParse_RejectsBadType(t *testing.T) {
	for _, badType := range []uint8{0x00, 0x05, 0x80, 0xFF} {
		buf := []byte{badType, 0, 0, 0, 1, 0, 0}
		if _, err := Parse(buf); !errors.Is(err, ErrUnknownFrameType) {
			t.Errorf("Parse(type=0x%02x) error = %v, want ErrUnknownFrameType", badType, err)
		}
	}
}

func TestParse_RejectsTruncated(t *testing.T) {
	full, err := (&Frame{Type: FrameData, StreamID: 9, Payload: []byte("abcdef")}).Encode()
	if err != nil {
		t.Fatal(err)
	}

	// Truncated header
	if _, err := Parse(full[:HeaderSize-1]); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Parse(short header) error = %v, want ErrInvalidFrame", err)
	}

	// Truncated payload
	if _, err := Parse(full[:len(full)-2]); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Parse(short payload) error = %v, want ErrInvalidFrame", err)
	}
}

func TestCheck_LengthInvariant(t *testing.T) {
	frames := []Frame{
		{Type: FrameConnect, StreamID: 1, Payload: []byte("example.com:80")},
		{Type: FrameData, StreamID: 2, Payload: []byte{}},
		{Type: FrameData, StreamID: 3, Payload: bytes.Repeat([]byte{0x55}, MaxPayloadSize)},
	}

	for _, f := range frames {
		encoded, err := f.Encode()
		if err != nil {
			t.Fatal(err)
		}

		// Append trailing garbage; Check must only account for the first frame.
		buf := append(encoded, 0xDE, 0xAD)

		n, ok := Check(buf)
		if !ok {
			t.Fatalf("Check() incomplete for full frame %s", f.String())
		}
		if n != len(encoded) {
			t.Errorf("Check() = %d, want %d", n, len(encoded))
		}

		if _, err := Parse(buf[:n]); err != nil {
			t.Errorf("Parse(buf[:%d]) error = %v", n, err)
		}
	}
}

func TestCheck_Incomplete(t *testing.T) {
	f := Frame{Type: FrameData, StreamID: 5, Payload: []byte("0123456789")}
	encoded, err := f.Encode()
	if err != nil {
		t.Fatal(err)
	}

	for cut := 0; cut < len(encoded); cut++ {
		if _, ok := Check(encoded[:cut]); ok {
			t.Errorf("Check() reported complete at %d of %d bytes", cut, len(encoded))
		}
	}
}

func TestDecoder_ThreeFramesOneRecord(t *testing.T) {
	var record []byte
	want := []Frame{
		{Type: FrameConnect, StreamID: 1, Payload: []byte("example.com:80")},
		{Type: FrameData, StreamID: 1, Payload: []byte("GET / HTTP/1.1\r\n\r\n")},
		{Type: FrameDisconnect, StreamID: 1, Payload: []byte{}},
	}
	for _, f := range want {
		encoded, err := f.Encode()
		if err != nil {
			t.Fatal(err)
		}
		record = append(record, encoded...)
	}

	var dec Decoder
	dec.Push(record)

	for i, w := range want {
		frame, err := dec.Next()
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if frame == nil {
			t.Fatalf("Next() #%d = nil, want %s", i, w.String())
		}
		if frame.Type != w.Type || frame.StreamID != w.StreamID || !bytes.Equal(frame.Payload, w.Payload) {
			t.Errorf("Next() #%d = %s, want %s", i, frame.String(), w.String())
		}
	}

	if frame, err := dec.Next(); err != nil || frame != nil {
		t.Errorf("Next() after drain = (%v, %v), want (nil, nil)", frame, err)
	}
	if dec.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", dec.Buffered())
	}
}

func TestDecoder_PartialFrameSpansRecords(t *testing.T) {
	first, err := (&Frame{Type: FrameData, StreamID: 3, Payload: []byte("alpha")}).Encode()
	if err != nil {
		t.Fatal(err)
	}
	second, err := (&Frame{Type: FrameData, StreamID: 4, Payload: []byte("bravo")}).Encode()
	if err != nil {
		t.Fatal(err)
	}

	// One and a half frames in the first record; the rest arrives later.
	split := len(second) / 2
	var dec Decoder
	dec.Push(append(append([]byte{}, first...), second[:split]...))

	frame, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if frame == nil || frame.StreamID != 3 {
		t.Fatalf("Next() = %v, want stream 3", frame)
	}

	// Half a frame left: not yieldable yet.
	frame, err = dec.Next()
	if err != nil || frame != nil {
		t.Fatalf("Next() on partial = (%v, %v), want (nil, nil)", frame, err)
	}
	if dec.Buffered() != split {
		t.Errorf("Buffered() = %d, want %d", dec.Buffered(), split)
	}

	dec.Push(second[split:])
	frame, err = dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if frame == nil || frame.StreamID != 4 || !bytes.Equal(frame.Payload, []byte("bravo")) {
		t.Fatalf("Next() = %v, want stream 4 payload bravo", frame)
	}
}

func TestDecoder_BadTypeFatal(t *testing.T) {
	var dec Decoder
	dec.Push([]byte{0x7F, 0, 0, 0, 1, 0, 0})

	if _, err := dec.Next(); !errors.Is(err, ErrUnknownFrameType) {
		t.Errorf("Next() error = %v, want ErrUnknownFrameType", err)
	}
}

func TestDecoder_Reset(t *testing.T) {
	var dec Decoder
	dec.Push([]byte{FrameData, 0, 0})
	if dec.Buffered() == 0 {
		t.Fatal("expected buffered bytes")
	}
	dec.Reset()
	if dec.Buffered() != 0 {
		t.Errorf("Buffered() after Reset = %d, want 0", dec.Buffered())
	}
}
