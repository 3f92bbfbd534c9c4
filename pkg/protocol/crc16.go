package protocol

// CRC16 computes the frame checksum over a JSON payload.
//
// The nibble mixing is the same bitwise routine as msgproto's crc16, but the
// unit writes the result little-endian after the payload, so it is returned
// as a plain uint16 rather than a (hi, lo) pair.
func CRC16(buf []byte) uint16 {
	var crc uint16 = 0xffff
	for _, b := range buf {
		data := uint16(b)
		data ^= crc & 0xff
		data ^= (data & 0x0f) << 4
		crc = ((data << 8) | (crc >> 8)) ^ (data >> 4) ^ (data << 3)
	}
	return crc
}
