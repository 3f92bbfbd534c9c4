package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func mustFrame(t *testing.T, payload string) []byte {
	t.Helper()
	f, err := EncodeFrame([]byte(payload))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return f
}

func TestEncodeFrameLayout(t *testing.T) {
	payload := []byte(`{"id":1}`)
	f := mustFrame(t, string(payload))

	if f[0] != 0xFF || f[1] != 0xAA {
		t.Fatalf("bad marker % x", f[:2])
	}
	if got := binary.LittleEndian.Uint16(f[2:4]); int(got) != len(payload) {
		t.Fatalf("length field = %d, want %d", got, len(payload))
	}
	if !bytes.Equal(f[4:4+len(payload)], payload) {
		t.Fatalf("payload mismatch")
	}
	crc := binary.LittleEndian.Uint16(f[4+len(payload):])
	if crc != CRC16(payload) {
		t.Fatalf("crc = %04x, want %04x", crc, CRC16(payload))
	}
	if f[len(f)-1] != 0xFE {
		t.Fatalf("terminator = %02x", f[len(f)-1])
	}
}

func TestEncodeFrameRejects(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Error("expected error for empty payload")
	}
	if _, err := EncodeFrame(make([]byte, MaxPayloadSize+1)); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestCheckFrame(t *testing.T) {
	valid := mustFrame(t, `{"id":3,"code":0}`)

	badTail := append([]byte(nil), valid...)
	badTail[len(badTail)-1] = 0x00

	badCRC := append([]byte(nil), valid...)
	badCRC[5] ^= 0x20

	tests := []struct {
		name  string
		input []byte
		want  int
	}{
		{"empty", nil, 0},
		{"single marker byte", []byte{0xFF}, 0},
		{"single junk byte", []byte{0x12}, -1},
		{"bad second marker", []byte{0xFF, 0x00, 1, 0}, -1},
		{"header only", valid[:4], 0},
		{"partial", valid[:len(valid)-1], 0},
		{"zero length", []byte{0xFF, 0xAA, 0, 0, 0, 0, 0xFE}, -1},
		{"missing terminator", badTail, -1},
		{"crc mismatch", badCRC, -1},
		{"valid", valid, len(valid)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckFrame(tt.input); got != tt.want {
				t.Errorf("CheckFrame(% x) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestFrameReaderResyncAfterJunk(t *testing.T) {
	var stream []byte
	stream = append(stream, 0x00, 0x13, 0xFF, 0x37, 0xAA, 0xFE)
	stream = append(stream, mustFrame(t, `{"id":1,"code":0,"msg":"success"}`)...)

	fr := NewFrameReader(bytes.NewReader(stream))
	p, err := fr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(p) != `{"id":1,"code":0,"msg":"success"}` {
		t.Fatalf("payload = %q", p)
	}
	if fr.Dropped() != 6 {
		t.Errorf("Dropped = %d, want 6", fr.Dropped())
	}
	if _, err := fr.Next(); err != io.EOF {
		t.Errorf("expected EOF after last frame, got %v", err)
	}
}

func TestFrameReaderSkipsDamagedFrame(t *testing.T) {
	damaged := mustFrame(t, `{"id":1}`)
	damaged[len(damaged)-1] = 0x00 // lost terminator

	var stream []byte
	stream = append(stream, damaged...)
	stream = append(stream, mustFrame(t, `{"id":2}`)...)

	fr := NewFrameReader(bytes.NewReader(stream))
	p, err := fr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(p) != `{"id":2}` {
		t.Fatalf("payload = %q, want id 2", p)
	}
	if fr.BadFrames() == 0 {
		t.Error("expected damaged frame to be counted")
	}
}

func TestFrameReaderBogusLengthDoesNotSwallowFrames(t *testing.T) {
	// Header claiming a 1000 byte payload followed by a real frame.
	stream := []byte{0xFF, 0xAA, 0xE8, 0x03}
	stream = append(stream, mustFrame(t, `{"id":9}`)...)

	fr := NewFrameReader(nil)
	fr.Feed(stream)
	p := fr.Payload()
	if string(p) != `{"id":9}` {
		t.Fatalf("payload = %q, want id 9", p)
	}
}

func TestFrameReaderSplitReads(t *testing.T) {
	f1 := mustFrame(t, `{"id":10}`)
	f2 := mustFrame(t, `{"id":11}`)
	all := append(append([]byte(nil), f1...), f2...)

	fr := NewFrameReader(nil)
	var got []string
	for _, b := range all {
		fr.Feed([]byte{b})
		if p := fr.Payload(); p != nil {
			got = append(got, string(p))
		}
	}
	if len(got) != 2 || got[0] != `{"id":10}` || got[1] != `{"id":11}` {
		t.Fatalf("got %q", got)
	}
	if fr.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", fr.Buffered())
	}
}
