package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout:
//
//	FF AA | len (u16 le) | payload (JSON) | crc16(payload) (u16 le) | FE
const (
	FrameHead0       = 0xFF
	FrameHead1       = 0xAA
	FrameTail        = 0xFE
	FrameHeaderSize  = 4
	FrameTrailerSize = 3
	FrameOverhead    = FrameHeaderSize + FrameTrailerSize

	// MaxPayloadSize bounds the length field; anything larger is treated as
	// line noise and triggers a resync.
	MaxPayloadSize = 8192
)

// Framing errors
var (
	ErrPayloadEmpty    = errors.New("protocol: empty payload")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// EncodeFrame wraps a payload into a wire frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrPayloadEmpty
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	out := make([]byte, 0, len(payload)+FrameOverhead)
	out = append(out, FrameHead0, FrameHead1)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, payload...)
	out = binary.LittleEndian.AppendUint16(out, CRC16(payload))
	out = append(out, FrameTail)
	return out, nil
}

// CheckFrame checks whether buf starts with a complete valid frame.
// Returns: frame length if valid, 0 if more data is needed, -1 if invalid.
func CheckFrame(buf []byte) int {
	if len(buf) < 2 {
		if len(buf) == 1 && buf[0] != FrameHead0 {
			return -1
		}
		return 0
	}
	if buf[0] != FrameHead0 || buf[1] != FrameHead1 {
		return -1
	}
	if len(buf) < FrameHeaderSize {
		return 0
	}
	payloadLen := int(binary.LittleEndian.Uint16(buf[2:4]))
	if payloadLen == 0 || payloadLen > MaxPayloadSize {
		return -1
	}
	frameLen := payloadLen + FrameOverhead
	if len(buf) < frameLen {
		return 0
	}
	if buf[frameLen-1] != FrameTail {
		return -1
	}
	payload := buf[FrameHeaderSize : FrameHeaderSize+payloadLen]
	crc := binary.LittleEndian.Uint16(buf[FrameHeaderSize+payloadLen:])
	if crc != CRC16(payload) {
		return -1
	}
	return frameLen
}

// resync drops bytes up to the next candidate frame marker.
func resync(buf []byte) []byte {
	for i := 1; i < len(buf); i++ {
		if buf[i] != FrameHead0 {
			continue
		}
		if i+1 == len(buf) || buf[i+1] == FrameHead1 {
			return buf[i:]
		}
	}
	return nil
}

// laterFrame returns the offset of the first complete valid frame after
// position 0, or -1.
func laterFrame(buf []byte) int {
	for i := 1; i+FrameOverhead < len(buf); i++ {
		if buf[i] == FrameHead0 && buf[i+1] == FrameHead1 && CheckFrame(buf[i:]) > 0 {
			return i
		}
	}
	return -1
}

// FrameReader extracts payloads from a byte stream, skipping junk and
// damaged frames instead of failing the link.
type FrameReader struct {
	r       io.Reader
	buf     []byte
	readBuf []byte

	dropped int // bytes discarded while resynchronizing
	bad     int // frames rejected (bad length, terminator or CRC)
}

// NewFrameReader creates a reader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:       r,
		readBuf: make([]byte, 4096),
	}
}

// Feed appends raw bytes to the internal buffer. Used when the caller owns
// the read loop (the transport reads with its own timeout handling).
func (fr *FrameReader) Feed(data []byte) {
	fr.buf = append(fr.buf, data...)
}

// Payload returns the next complete payload already buffered, or nil.
func (fr *FrameReader) Payload() []byte {
	for len(fr.buf) > 0 {
		n := CheckFrame(fr.buf)
		if n == 0 {
			// A corrupted length field can make a junk header swallow the
			// frames behind it; skip ahead if a later frame is complete.
			if j := laterFrame(fr.buf); j > 0 {
				fr.bad++
				fr.dropped += j
				fr.buf = fr.buf[j:]
				continue
			}
			return nil
		}
		if n < 0 {
			if len(fr.buf) >= 2 && fr.buf[0] == FrameHead0 && fr.buf[1] == FrameHead1 {
				fr.bad++
			}
			before := len(fr.buf)
			fr.buf = resync(fr.buf)
			fr.dropped += before - len(fr.buf)
			continue
		}
		payload := make([]byte, n-FrameOverhead)
		copy(payload, fr.buf[FrameHeaderSize:n-FrameTrailerSize])
		fr.buf = fr.buf[n:]
		return payload
	}
	return nil
}

// Next blocks on the underlying reader until a full payload is available.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		if p := fr.Payload(); p != nil {
			return p, nil
		}
		n, err := fr.r.Read(fr.readBuf)
		if n > 0 {
			fr.Feed(fr.readBuf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// Dropped returns the number of bytes discarded during resynchronization.
func (fr *FrameReader) Dropped() int { return fr.dropped }

// BadFrames returns the number of frames rejected after a valid marker.
func (fr *FrameReader) BadFrames() int { return fr.bad }

// Buffered returns the number of bytes waiting for a complete frame.
func (fr *FrameReader) Buffered() int { return len(fr.buf) }
