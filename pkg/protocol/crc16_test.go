package protocol

import "testing"

func TestCRC16_KnownVector(t *testing.T) {
	got := CRC16([]byte("123456789"))
	const want uint16 = 0x6f91
	if got != want {
		t.Fatalf("CRC16('123456789')=%04x want %04x", got, want)
	}
}

func TestCRC16_Empty(t *testing.T) {
	if got := CRC16(nil); got != 0xffff {
		t.Fatalf("CRC16(empty)=%04x want ffff", got)
	}
}

func TestCRC16_Stable(t *testing.T) {
	payload := []byte(`{"id":7,"method":"get_status"}`)
	first := CRC16(payload)
	for i := 0; i < 5; i++ {
		if got := CRC16(payload); got != first {
			t.Fatalf("CRC16 changed between runs: %04x != %04x", got, first)
		}
	}
}

func TestCRC16_DetectsSingleByteChange(t *testing.T) {
	payload := []byte(`{"id":7,"method":"feed_filament","params":{"index":2,"length":50,"speed":25}}`)
	base := CRC16(payload)
	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		if CRC16(mutated) == base {
			t.Errorf("flipping bit 0 of byte %d did not change the CRC", i)
		}
	}
}
